package renderer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/smilemakc/synth/internal/domain"
	"github.com/smilemakc/synth/internal/engine"
)

// timePrecision is how finely durations are reported in lifecycle lines.
const timePrecision = time.Millisecond

// Console renders flow events as prefixed lines on a shared terminal:
// every node gets a colored "id │" prefix sized to the longest node ID.
type Console struct {
	state   *engine.FlowState
	writer  io.Writer
	verbose bool

	prefixes map[string]string
	width    int

	// Per-node execution history for the final summary.
	lastExit map[string]int
	runs     map[string]int

	// mu protects concurrent writes; messages arrive from the
	// orchestrator's dispatch goroutine and, during shutdown, its drain
	// goroutine.
	mu sync.Mutex
}

// ConsoleConfig configures the console renderer.
type ConsoleConfig struct {
	// Writer is the destination for rendered output (defaults to os.Stdout).
	Writer io.Writer
	// Verbose enables Debug message rendering.
	Verbose bool
}

// NewConsole creates a console renderer for the given flow state.
func NewConsole(state *engine.FlowState, cfg ConsoleConfig) *Console {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	if f, ok := writer.(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
		color.NoColor = true
	}

	longest := 0
	for _, id := range state.Flow().NodeIDs() {
		if len(id) > longest {
			longest = len(id)
		}
	}

	c := &Console{
		state:    state,
		writer:   writer,
		verbose:  cfg.Verbose,
		prefixes: make(map[string]string, len(state.Flow().Nodes)),
		width:    longest + 3, // "id │ "
		lastExit: make(map[string]int),
		runs:     make(map[string]int),
	}

	for _, id := range state.Flow().NodeIDs() {
		node := state.Flow().Nodes[id]
		prefix := fmt.Sprintf("%-*s │ ", longest, id)
		c.prefixes[id] = nodeColor(node).Sprint(prefix)
	}

	return c
}

// nodeColor turns a node's hex color hint into a printable color,
// defaulting to white when the hint does not parse.
func nodeColor(node *domain.ResolvedNode) *color.Color {
	raw, err := hex.DecodeString(node.Color)
	if err != nil || len(raw) != 3 {
		return color.New(color.FgWhite)
	}
	return color.RGB(int(raw[0]), int(raw[1]), int(raw[2]))
}

// Start implements Renderer.
func (c *Console) Start() {}

// Stop implements Renderer.
func (c *Console) Stop() {}

// PrefixWidth implements Renderer.
func (c *Console) PrefixWidth() int {
	return c.width
}

// HandleMessage implements Renderer.
func (c *Console) HandleMessage(msg domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg := msg.(type) {
	case domain.ExecutionOutput:
		fmt.Fprintf(c.writer, "%s%s\n", c.prefixes[msg.Node.ID], msg.Text)

	case domain.ExecutionStarted:
		if c.verbose {
			fmt.Fprintf(c.writer, "%sstarted (pid %d)\n", c.prefixes[msg.Node.ID], msg.Pid)
		}

	case domain.ExecutionCompleted:
		c.lastExit[msg.Node.ID] = msg.ExitCode
		c.runs[msg.Node.ID]++
		fmt.Fprintf(c.writer, "%sexited with code %d after %s\n",
			c.prefixes[msg.Node.ID], msg.ExitCode, msg.Duration.Round(timePrecision))

	case domain.WatchPathChanged:
		if c.verbose {
			fmt.Fprintf(c.writer, "%s%d path(s) changed\n", c.prefixes[msg.Node.ID], len(msg.Changes))
		}

	case domain.Debug:
		if c.verbose {
			prefix := ""
			if msg.Node != nil {
				prefix = c.prefixes[msg.Node.ID]
			}
			fmt.Fprintf(c.writer, "%s%s\n", prefix, msg.Text)
		}
	}
}

// HandleShutdownStart implements Renderer.
func (c *Console) HandleShutdownStart() {
	if c.verbose {
		c.mu.Lock()
		defer c.mu.Unlock()
		fmt.Fprintln(c.writer, "shutting down...")
	}
}

// HandleShutdownEnd implements Renderer.
func (c *Console) HandleShutdownEnd() {}

// StateSummary implements Renderer.
func (c *Console) StateSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"Node", "Status", "Last Exit", "Runs"})

	for _, id := range c.state.Flow().NodeIDs() {
		lastExit := "-"
		if runs := c.runs[id]; runs > 0 {
			lastExit = fmt.Sprintf("%d", c.lastExit[id])
		}
		t.AppendRow(table.Row{id, c.state.Status(id).String(), lastExit, c.runs[id]})
	}

	return t.Render()
}
