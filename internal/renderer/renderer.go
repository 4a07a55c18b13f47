package renderer

import (
	"github.com/smilemakc/synth/internal/domain"
)

// Renderer consumes the engine's lifecycle events and presents them to the
// user. The orchestrator calls it from one goroutine at a time: its
// dispatch goroutine, and during shutdown a drain goroutine that takes
// over once the loop has returned. No synchronization against the engine
// is needed.
type Renderer interface {
	// Start is called before the first event, Stop after the last one.
	// Stop is guaranteed on every exit path.
	Start()
	Stop()

	// HandleMessage is called after each dispatched event.
	HandleMessage(msg domain.Message)

	// HandleShutdownStart and HandleShutdownEnd bracket the shutdown
	// sequence.
	HandleShutdownStart()
	HandleShutdownEnd()

	// PrefixWidth is the number of console columns reserved for per-line
	// prefixes; the engine subtracts it from the console width when
	// sizing children.
	PrefixWidth() int

	// StateSummary renders the final status table shown after the run.
	StateSummary() string
}
