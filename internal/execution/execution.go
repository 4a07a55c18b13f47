package execution

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/synth/internal/domain"
)

// maxLineBytes bounds the output reader's per-line buffer. Longer lines
// are dropped whole, with a Debug message naming the node.
const maxLineBytes = 1 << 20

// Execution is one lifetime of a child process for one node: from spawn
// until the child has exited and its output has been drained. At most one
// live Execution per node ID exists at a time; the orchestrator owns them.
type Execution struct {
	node   *domain.ResolvedNode
	events chan<- domain.Message
	log    zerolog.Logger

	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	readerDone chan struct{}
	done       chan struct{}

	exited   atomic.Bool
	waitOnce sync.Once
}

// Start materializes the node's script, spawns it in a fresh process group
// and begins streaming its combined stdout/stderr as ExecutionOutput
// messages. ExecutionStarted is emitted before Start returns.
func Start(
	node *domain.ResolvedNode,
	flowEnvs domain.Envs,
	tmpDir string,
	width int,
	events chan<- domain.Message,
	log zerolog.Logger,
) (*Execution, error) {
	path, err := MaterializeScript(tmpDir, node)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path)
	cmd.Env = composeEnv(node, flowEnvs, width)
	// A fresh process group lets Terminate and Kill reach the whole
	// subtree the shell spawns, not just the shell itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe for node %q: %w", node.ID, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("spawning node %q: %w", node.ID, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	e := &Execution{
		node:       node,
		events:     events,
		log:        log.With().Str("node", node.ID).Logger(),
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	// Started must be published before the reader can emit any output so
	// the per-node event stream stays causally ordered.
	e.log.Debug().Int("pid", e.pid).Str("script", path).Msg("execution started")
	e.events <- domain.ExecutionStarted{Node: node, Pid: e.pid}

	go e.readOutput(pr)

	return e, nil
}

// composeEnv builds the child environment: the parent environment with
// flow, target and node envs layered on top (later overrides earlier),
// plus the variables every node is promised.
func composeEnv(node *domain.ResolvedNode, flowEnvs domain.Envs, width int) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for _, envs := range []domain.Envs{flowEnvs, node.Target.Envs, node.Envs} {
		for k, v := range envs {
			merged[k] = v
		}
	}
	merged["FORCE_COLOR"] = "1"
	merged["COLUMNS"] = strconv.Itoa(width)
	merged["SYNTH_NODE_ID"] = node.ID

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// Node returns the node this execution runs.
func (e *Execution) Node() *domain.ResolvedNode {
	return e.node
}

// Pid returns the child's process ID.
func (e *Execution) Pid() int {
	return e.pid
}

// HasExited reports whether the child process has exited. The output may
// still be draining.
func (e *Execution) HasExited() bool {
	return e.exited.Load()
}

// Done returns a channel closed once the child has exited, its output has
// been drained and ExecutionCompleted has been emitted.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Terminate sends SIGTERM to the child's process group. It is idempotent
// and a no-op after the child has exited.
func (e *Execution) Terminate() {
	e.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group. It is idempotent and a
// no-op after the child has exited.
func (e *Execution) Kill() {
	e.signal(syscall.SIGKILL)
}

func (e *Execution) signal(sig syscall.Signal) {
	if e.exited.Load() {
		return
	}
	// The child may exit between the check above and the kill; ESRCH just
	// means there is nothing left to signal.
	if err := syscall.Kill(-e.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		e.log.Debug().Err(err).Stringer("signal", sig).Msg("failed to signal process group")
	}
}

// Wait blocks until the child exits and its output has been drained, then
// emits ExecutionCompleted. It is safe to call from multiple goroutines;
// the completion message is emitted exactly once.
func (e *Execution) Wait() {
	e.waitOnce.Do(func() {
		// The wait error for a non-zero exit is expected; the exit code
		// carries the information.
		_ = e.cmd.Wait()
		e.exited.Store(true)

		<-e.readerDone

		code := exitCode(e.cmd.ProcessState)
		duration := time.Since(e.startedAt)
		e.log.Debug().Int("exit_code", code).Dur("duration", duration).Msg("execution completed")
		e.events <- domain.ExecutionCompleted{
			Node:     e.node,
			Pid:      e.pid,
			ExitCode: code,
			Duration: duration,
		}

		close(e.done)
	})
	<-e.done
}

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		// Wait failed before the process was reaped; report a generic
		// failure rather than a fabricated OS code.
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// readOutput consumes the combined output stream line by line, emitting
// one ExecutionOutput per complete line with the trailing newline
// stripped. Lines over maxLineBytes are dropped whole and reading resumes
// at the next newline.
func (e *Execution) readOutput(r io.ReadCloser) {
	defer close(e.readerDone)
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 4096)
	dropping := false

	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			complete := chunk[len(chunk)-1] == '\n'
			if dropping {
				if complete {
					dropping = false
				}
			} else {
				buf = append(buf, chunk...)
				size := len(buf)
				if complete {
					size--
				}
				switch {
				case size > maxLineBytes:
					buf = buf[:0]
					dropping = !complete
					e.events <- domain.Debug{
						Node: e.node,
						Text: fmt.Sprintf("dropped an output line longer than %d bytes", maxLineBytes),
					}
				case complete:
					e.emitLine(buf)
					buf = buf[:0]
				}
			}
		}

		switch {
		case err == nil || errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			// EOF or a broken pipe; flush any unterminated final line.
			if len(buf) > 0 && !dropping {
				e.emitLine(buf)
			}
			return
		}
	}
}

func (e *Execution) emitLine(line []byte) {
	e.events <- domain.ExecutionOutput{
		Node: e.node,
		Text: strings.TrimRight(string(line), "\r\n"),
	}
}
