package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/synth/internal/domain"
	"github.com/smilemakc/synth/internal/engine"
)

// recordingRenderer captures every rendered message with its arrival time.
type recordingRenderer struct {
	mu   sync.Mutex
	msgs []domain.Message
	at   []time.Time

	shutdownStarts int
	shutdownEnds   int
}

func (r *recordingRenderer) Start() {}
func (r *recordingRenderer) Stop()  {}

func (r *recordingRenderer) HandleMessage(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.at = append(r.at, time.Now())
}

func (r *recordingRenderer) HandleShutdownStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownStarts++
}

func (r *recordingRenderer) HandleShutdownEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownEnds++
}

func (r *recordingRenderer) PrefixWidth() int     { return 0 }
func (r *recordingRenderer) StateSummary() string { return "" }

func (r *recordingRenderer) outputs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []string
	for _, msg := range r.msgs {
		if o, ok := msg.(domain.ExecutionOutput); ok {
			lines = append(lines, o.Text)
		}
	}
	return lines
}

func (r *recordingRenderer) completions(id string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var times []time.Time
	for i, msg := range r.msgs {
		if c, ok := msg.(domain.ExecutionCompleted); ok && c.Node.ID == id {
			times = append(times, r.at[i])
		}
	}
	return times
}

func shellNode(id, commands string, triggers ...domain.Trigger) *domain.ResolvedNode {
	if len(triggers) == 0 {
		triggers = []domain.Trigger{domain.Once{}}
	}
	return &domain.ResolvedNode{
		ID:       id,
		Target:   domain.Target{Commands: commands, Executable: "sh -eu"},
		Triggers: triggers,
	}
}

func flowOf(nodes ...*domain.ResolvedNode) *domain.ResolvedFlow {
	m := make(map[string]*domain.ResolvedNode, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return &domain.ResolvedFlow{Nodes: m}
}

func newTestOrchestrator(t *testing.T, flow *domain.ResolvedFlow) (*Orchestrator, *recordingRenderer) {
	t.Helper()
	state, err := engine.NewFlowState(flow)
	require.NoError(t, err)
	r := &recordingRenderer{}
	return New(state, r, zerolog.Nop(), Config{Width: 80}), r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_EmptyFlow(t *testing.T) {
	o, r := newTestOrchestrator(t, flowOf())
	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Empty(t, r.msgs)
}

func TestRun_LinearDependencyChain(t *testing.T) {
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("a", "echo A"),
		shellNode("b", "echo B", domain.After{After: []string{"a"}}),
		shellNode("c", "echo C", domain.After{After: []string{"b"}}),
	))

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Equal(t, []string{"A", "B", "C"}, r.outputs())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.StatusSucceeded, o.State().Status(id), id)
	}
	assert.Equal(t, 1, r.shutdownStarts)
	assert.Equal(t, 1, r.shutdownEnds)
}

func TestRun_FailurePropagation(t *testing.T) {
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("a", "exit 3"),
		shellNode("b", "echo B", domain.After{After: []string{"a"}}),
	))

	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	assert.Equal(t, domain.StatusFailed, o.State().Status("a"))
	assert.Equal(t, domain.StatusPending, o.State().Status("b"))
	assert.NotContains(t, r.outputs(), "B")
}

func TestRun_RestartTriggerReRuns(t *testing.T) {
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("r", "echo tick", domain.Restart{Delay: 100 * time.Millisecond}),
	))

	result := make(chan int, 1)
	go func() {
		code, _ := o.Run(context.Background())
		result <- code
	}()

	waitFor(t, "two completions of r", func() bool {
		return len(r.completions("r")) >= 2
	})

	times := r.completions("r")
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 80*time.Millisecond,
		"restarts must respect the configured delay")

	o.Enqueue(domain.Quit{})
	select {
	case code := <-result:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop after Quit")
	}
}

func TestRun_WatchTriggerReRuns(t *testing.T) {
	dir := t.TempDir()
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("w", "echo watched", domain.Watch{Paths: []string{dir}}),
	))

	result := make(chan int, 1)
	go func() {
		code, _ := o.Run(context.Background())
		result <- code
	}()

	waitFor(t, "first completion of w", func() bool {
		return len(r.completions("w")) >= 1
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "touched"), []byte("x"), 0o644))

	waitFor(t, "re-execution after the watch event", func() bool {
		return len(r.completions("w")) >= 2
	})

	o.Enqueue(domain.Quit{})
	select {
	case code := <-result:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop after Quit")
	}
}

func TestRun_OnceCoercionTerminates(t *testing.T) {
	dir := t.TempDir()
	flow := flowOf(
		shellNode("restarter", "echo one", domain.Restart{Delay: 10 * time.Millisecond}),
		shellNode("watcher", "echo two", domain.Watch{Paths: []string{dir}}),
	)

	once := flow.Once()
	for id, node := range once.Nodes {
		assert.Equal(t, []domain.Trigger{domain.Once{}}, node.Triggers, id)
	}

	o, r := newTestOrchestrator(t, once)
	code, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Len(t, r.completions("restarter"), 1)
	assert.Len(t, r.completions("watcher"), 1)
}

func TestRun_ExecutableNotFoundIsFatal(t *testing.T) {
	broken := shellNode("broken", "echo hi")
	broken.Target.Executable = "definitely-not-an-interpreter-7f3a"

	o, r := newTestOrchestrator(t, flowOf(broken))
	code, err := o.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Error(t, err)
	assert.Equal(t, 1, r.shutdownStarts, "shutdown still runs on the error path")
	assert.Equal(t, 1, r.shutdownEnds)
}

func TestRun_AfterGateAppliesOnlyToFirstRun(t *testing.T) {
	// A node with both After and Restart: the gate holds the first run,
	// restarts do not re-consult the predecessor.
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("dep", "echo dep"),
		shellNode("svc", "echo svc",
			domain.After{After: []string{"dep"}},
			domain.Restart{Delay: 50 * time.Millisecond},
		),
	))

	result := make(chan int, 1)
	go func() {
		code, _ := o.Run(context.Background())
		result <- code
	}()

	waitFor(t, "two completions of svc", func() bool {
		return len(r.completions("svc")) >= 2
	})
	assert.Len(t, r.completions("dep"), 1, "the predecessor ran only once")

	o.Enqueue(domain.Quit{})
	select {
	case code := <-result:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop after Quit")
	}
}

func TestRun_QuitWithChattyExecution(t *testing.T) {
	// A child that floods the inbox and then lingers: after Quit, shutdown
	// must terminate it without hanging and still hand everything it
	// published, completion included, to the renderer.
	o, r := newTestOrchestrator(t, flowOf(
		shellNode("chatty", "seq 1 5000; sleep 30"),
	))

	result := make(chan int, 1)
	go func() {
		code, _ := o.Run(context.Background())
		result <- code
	}()

	o.Enqueue(domain.Quit{})
	select {
	case code := <-result:
		assert.Equal(t, 0, code)
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown hung with a chatty execution")
	}

	// The completion emitted during shutdown still reached the renderer.
	assert.Len(t, r.completions("chatty"), 1)
}

func TestHandleCompleted_Rules(t *testing.T) {
	t.Run("pending completion is ignored", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, flowOf(
			shellNode("a", "true"),
			shellNode("b", "true", domain.After{After: []string{"a"}}),
		))
		a := o.flow.Nodes["a"]

		// A watch event invalidated the node while it was running.
		o.state.MarkPending(a)
		o.state.MarkSuccess(o.flow.Nodes["b"])

		o.handleCompleted(domain.ExecutionCompleted{Node: a, ExitCode: 0})
		assert.Equal(t, domain.StatusPending, o.state.Status("a"),
			"completion must not overwrite an invalidated status")
		assert.Equal(t, domain.StatusPending, o.state.Status("b"),
			"children are re-queued even for ignored completions")
	})

	t.Run("restart trigger wins over exit code", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, flowOf(
			shellNode("r", "true", domain.Restart{Delay: time.Hour}),
		))
		r := o.flow.Nodes["r"]

		o.state.MarkRunning(r)
		o.handleCompleted(domain.ExecutionCompleted{Node: r, ExitCode: 7})
		assert.Equal(t, domain.StatusWaiting, o.state.Status("r"),
			"a restart node never reaches Failed on its own")
		require.Contains(t, o.timers, "r")
		o.timers["r"].Stop()
	})

	t.Run("already waiting schedules no second timer", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, flowOf(
			shellNode("r", "true", domain.Restart{Delay: time.Hour}),
		))
		r := o.flow.Nodes["r"]

		o.state.MarkWaiting(r)
		o.handleCompleted(domain.ExecutionCompleted{Node: r, ExitCode: 0})
		assert.Equal(t, domain.StatusWaiting, o.state.Status("r"))
		assert.Empty(t, o.timers)
	})

	t.Run("exit code decides terminal status", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, flowOf(shellNode("a", "true")))
		a := o.flow.Nodes["a"]

		o.state.MarkRunning(a)
		o.handleCompleted(domain.ExecutionCompleted{Node: a, ExitCode: 0})
		assert.Equal(t, domain.StatusSucceeded, o.state.Status("a"))

		o.state.MarkRunning(a)
		o.handleCompleted(domain.ExecutionCompleted{Node: a, ExitCode: 2})
		assert.Equal(t, domain.StatusFailed, o.state.Status("a"))
	})
}

func TestHandleRestartElapsed(t *testing.T) {
	o, _ := newTestOrchestrator(t, flowOf(
		shellNode("r", "true", domain.Restart{Delay: time.Hour}),
	))
	r := o.flow.Nodes["r"]

	t.Run("waiting node is re-queued", func(t *testing.T) {
		o.state.MarkWaiting(r)
		o.handleRestartElapsed(r)
		assert.Equal(t, domain.StatusPending, o.state.Status("r"))
	})

	t.Run("node that left waiting is untouched", func(t *testing.T) {
		o.state.MarkRunning(r)
		o.handleRestartElapsed(r)
		assert.Equal(t, domain.StatusRunning, o.state.Status("r"))
	})
}
