package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/smilemakc/synth/internal/domain"
	"github.com/smilemakc/synth/internal/engine"
	"github.com/smilemakc/synth/internal/execution"
	"github.com/smilemakc/synth/internal/renderer"
	"github.com/smilemakc/synth/internal/watcher"
)

// heartbeatInterval is the period of the renderer-refresh tick.
const heartbeatInterval = 100 * time.Millisecond

// Orchestrator drives one run of a resolved flow: a single-consumer event
// loop that owns the flow state, the live executions, the watchers, the
// restart timers and the heartbeat. Every state mutation happens in its
// dispatch goroutine.
type Orchestrator struct {
	flow     *domain.ResolvedFlow
	state    *engine.FlowState
	renderer renderer.Renderer
	log      zerolog.Logger

	inbox *queue

	executions map[string]*execution.Execution
	timers     map[string]*time.Timer

	width int
	runID string
}

// Config holds construction options for an Orchestrator.
type Config struct {
	// Width is the console width in columns; zero means detect, falling
	// back to 80.
	Width int
}

// New creates an orchestrator over an already-validated flow state.
func New(state *engine.FlowState, r renderer.Renderer, log zerolog.Logger, cfg Config) *Orchestrator {
	width := cfg.Width
	if width == 0 {
		width = consoleWidth()
	}

	runID := uuid.NewString()

	return &Orchestrator{
		flow:       state.Flow(),
		state:      state,
		renderer:   r,
		log:        log.With().Str("run_id", runID).Logger(),
		inbox:      newQueue(),
		executions: make(map[string]*execution.Execution),
		timers:     make(map[string]*time.Timer),
		width:      width,
		runID:      runID,
	}
}

func consoleWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// State returns the flow state the orchestrator drives.
func (o *Orchestrator) State() *engine.FlowState {
	return o.state
}

// Enqueue publishes a message into the orchestrator's inbox. It is how
// the signal handler requests shutdown; tests use it the same way.
func (o *Orchestrator) Enqueue(msg domain.Message) {
	o.inbox.In <- msg
}

// Run executes the flow until no more work is possible or a Quit event is
// processed. It returns the run's exit code: zero when every node
// succeeded (or on Quit), one otherwise. Cleanup is guaranteed on every
// exit path.
func (o *Orchestrator) Run(ctx context.Context) (exitCode int, err error) {
	if len(o.flow.Nodes) == 0 {
		return 0, nil
	}

	tmpDir, err := os.MkdirTemp("", "synth-")
	if err != nil {
		return 1, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	o.log.Debug().Str("tmp_dir", tmpDir).Msg("run starting")

	o.renderer.Start()
	defer o.renderer.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	var tasks sync.WaitGroup
	defer o.shutdown(cancel, &tasks)

	restoreSignals := o.installSignalHandler(loopCtx)
	defer restoreSignals()

	o.startHeartbeat(loopCtx, &tasks)
	if err := o.startWatchers(loopCtx, &tasks); err != nil {
		return 1, err
	}

	if err := o.startReady(tmpDir); err != nil {
		return 1, err
	}

	return o.eventLoop(tmpDir)
}

// eventLoop is the dispatch loop: consume one event, mutate state, start
// whatever became ready, hand the event to the renderer, then check the
// termination predicate.
func (o *Orchestrator) eventLoop(tmpDir string) (int, error) {
	for msg := range o.inbox.Out {
		switch msg := msg.(type) {
		case domain.ExecutionStarted:
			o.state.MarkRunning(msg.Node)

		case domain.ExecutionCompleted:
			o.handleCompleted(msg)

		case domain.WatchPathChanged:
			if e, ok := o.executions[msg.Node.ID]; ok {
				e.Terminate()
				o.state.MarkPending(msg.Node)
			}

		case domain.RestartElapsed:
			o.handleRestartElapsed(msg.Node)

		case domain.Quit:
			return 0, nil
		}

		if err := o.startReady(tmpDir); err != nil {
			return 1, err
		}

		o.renderer.HandleMessage(msg)

		if o.state.NoMoreWorkPossible() {
			if o.state.AllSucceeded() {
				return 0, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// handleCompleted applies the completion rules:
//
//   - a node already back in Pending was invalidated while running; leave
//     its status alone, a new run will follow
//   - a node with a Restart trigger goes to Waiting and gets a timer,
//     regardless of its exit code
//   - anything else becomes Succeeded or Failed by exit code
//
// In every case the node's successors are re-queued so downstream graphs
// stay consistent with re-executions of upstream nodes.
func (o *Orchestrator) handleCompleted(msg domain.ExecutionCompleted) {
	node := msg.Node

	if st := o.state.Status(node.ID); st != domain.StatusPending {
		if restart, ok := node.HasRestartTrigger(); ok {
			if st != domain.StatusWaiting {
				o.state.MarkWaiting(node)
				o.scheduleRestart(node, restart.Delay)
			}
		} else if msg.ExitCode == 0 {
			o.state.MarkSuccess(node)
		} else {
			o.state.MarkFailure(node)
		}
	}

	o.state.MarkPending(o.state.Children(node)...)
}

// handleRestartElapsed re-queues a node whose restart delay has passed.
// A node that left Waiting through some other path in the meantime is
// left alone; the timer handle is dropped in every case.
func (o *Orchestrator) handleRestartElapsed(node *domain.ResolvedNode) {
	delete(o.timers, node.ID)
	if o.state.Status(node.ID) == domain.StatusWaiting {
		o.state.MarkPending(node)
	}
}

func (o *Orchestrator) scheduleRestart(node *domain.ResolvedNode, delay time.Duration) {
	if t, ok := o.timers[node.ID]; ok {
		t.Stop()
	}
	o.timers[node.ID] = time.AfterFunc(delay, func() {
		o.Enqueue(domain.RestartElapsed{Node: node})
	})
}

// startReady spawns an execution for every ready node. A node whose
// previous execution is still alive is skipped; that prevents double
// starts while an invalidated run is being torn down.
func (o *Orchestrator) startReady(tmpDir string) error {
	for _, node := range o.state.ReadyNodes() {
		if e, ok := o.executions[node.ID]; ok && !e.HasExited() {
			continue
		}

		o.state.MarkStarting(node)

		e, err := execution.Start(
			node,
			o.flow.Envs,
			tmpDir,
			max(o.width-o.renderer.PrefixWidth(), 20),
			o.inbox.In,
			o.log,
		)
		if err != nil {
			return err
		}

		o.executions[node.ID] = e
		go e.Wait()
	}
	return nil
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, tasks *sync.WaitGroup) {
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Never outlive cancellation while publishing; the tick
				// is worthless once shutdown has begun.
				select {
				case o.inbox.In <- domain.Heartbeat{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func (o *Orchestrator) startWatchers(ctx context.Context, tasks *sync.WaitGroup) error {
	for _, id := range o.flow.NodeIDs() {
		node := o.flow.Nodes[id]
		if len(node.WatchPaths()) == 0 {
			continue
		}
		w, err := watcher.New(node, o.inbox.In, o.log)
		if err != nil {
			return err
		}
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			w.Run(ctx)
		}()
	}
	return nil
}

// installSignalHandler turns SIGINT into a Quit event. The handler does
// nothing else; the loop decides what Quit means.
func (o *Orchestrator) installSignalHandler(ctx context.Context) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				o.Enqueue(domain.Quit{})
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// shutdown tears the run down on every exit path: stop the heartbeat and
// watchers, cancel pending restart timers, terminate every live child and
// wait for each execution to be fully drained.
func (o *Orchestrator) shutdown(cancel context.CancelFunc, tasks *sync.WaitGroup) {
	o.renderer.HandleShutdownStart()

	// The loop no longer consumes the inbox, but executions finishing
	// during shutdown still publish output and completions into it. Keep
	// rendering them until a marker queued behind the last completion
	// comes through, so the final lines and the completion of a
	// terminated child still reach the renderer.
	type drainMarker struct{ domain.Heartbeat }
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for msg := range o.inbox.Out {
			if _, ok := msg.(drainMarker); ok {
				return
			}
			o.renderer.HandleMessage(msg)
		}
	}()

	cancel()
	tasks.Wait()

	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}

	for _, e := range o.executions {
		e.Terminate()
	}
	for _, e := range o.executions {
		<-e.Done()
	}

	// Every execution has published its completion by now; the marker
	// queues behind all of it.
	o.Enqueue(drainMarker{})
	<-drainDone

	o.renderer.HandleShutdownEnd()
	o.log.Debug().Msg("run finished")
}
