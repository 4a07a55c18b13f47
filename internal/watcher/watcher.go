package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/smilemakc/synth/internal/domain"
)

// batchWindow is how long the watcher coalesces filesystem events after
// the first one before emitting a WatchPathChanged batch.
const batchWindow = 50 * time.Millisecond

// Watcher observes a node's watched paths and pushes WatchPathChanged
// batches into the orchestrator's inbox. Files are watched directly,
// directories recursively; directories created while watching are picked
// up as they appear.
type Watcher struct {
	node   *domain.ResolvedNode
	events chan<- domain.Message
	log    zerolog.Logger

	fsw *fsnotify.Watcher
}

// New creates a watcher for the node's watch paths. It fails if the
// underlying notifier cannot be created or a configured path cannot be
// registered.
func New(node *domain.ResolvedNode, events chan<- domain.Message, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher for node %q: %w", node.ID, err)
	}

	w := &Watcher{
		node:   node,
		events: events,
		log:    log.With().Str("node", node.ID).Logger(),
		fsw:    fsw,
	}

	for _, path := range node.WatchPaths() {
		if err := w.add(path); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %q for node %q: %w", path, node.ID, err)
		}
	}

	return w, nil
}

// add registers a path, recursing into directories.
func (w *Watcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is cancelled, batching them
// into WatchPathChanged messages. Cancellation drops any in-flight batch.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var (
		pending []domain.Change
		seen    map[string]bool
		flush   <-chan time.Time
	)
	reset := func() {
		pending = nil
		seen = nil
		flush = nil
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			change, ok := toChange(event)
			if !ok {
				continue
			}
			// Recurse into directories created under a watched tree.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(event.Name); err != nil {
						w.log.Debug().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			key := string(change.Kind) + "\x00" + change.Path
			if seen == nil {
				seen = make(map[string]bool)
			}
			if !seen[key] {
				seen[key] = true
				pending = append(pending, change)
			}
			if flush == nil {
				flush = time.After(batchWindow)
			}

		case <-flush:
			batch := pending
			reset()
			select {
			case w.events <- domain.WatchPathChanged{Node: w.node, Changes: batch}:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug().Err(err).Msg("watch error")
			select {
			case w.events <- domain.Debug{Node: w.node, Text: fmt.Sprintf("watch error: %v", err)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func toChange(event fsnotify.Event) (domain.Change, bool) {
	switch {
	case event.Op.Has(fsnotify.Create):
		return domain.Change{Kind: domain.ChangeAdded, Path: event.Name}, true
	case event.Op.Has(fsnotify.Write):
		return domain.Change{Kind: domain.ChangeModified, Path: event.Name}, true
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		return domain.Change{Kind: domain.ChangeDeleted, Path: event.Name}, true
	default:
		// Chmod-only events carry no content change.
		return domain.Change{}, false
	}
}
