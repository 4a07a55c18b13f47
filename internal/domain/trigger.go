package domain

import "time"

// Trigger is a declarative rule describing when a node should (re-)run.
// It is a closed sum over Once, After, Restart and Watch; consumers switch
// on the concrete type.
type Trigger interface {
	// Repeating reports whether the trigger can cause the node to run more
	// than once. Flows containing no repeating triggers terminate on their
	// own.
	Repeating() bool

	isTrigger()
}

// Once runs the node exactly once, as soon as it is ready.
type Once struct{}

func (Once) Repeating() bool { return false }
func (Once) isTrigger()      {}

// After runs the node when every named predecessor has succeeded.
type After struct {
	// After holds the IDs of the nodes to wait for.
	After []string
}

func (After) Repeating() bool { return false }
func (After) isTrigger()      {}

// Restart re-runs the node after it exits, waiting Delay in between.
type Restart struct {
	// Delay is how long to wait before restarting the node after it exits.
	Delay time.Duration
}

func (Restart) Repeating() bool { return true }
func (Restart) isTrigger()      {}

// Watch re-runs the node when any of the given paths changes. Files are
// watched directly, directories recursively.
type Watch struct {
	// Paths are the filesystem paths to watch for changes.
	Paths []string
}

func (Watch) Repeating() bool { return true }
func (Watch) isTrigger()      {}
