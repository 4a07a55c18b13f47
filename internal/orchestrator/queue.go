package orchestrator

import (
	"github.com/smilemakc/synth/internal/domain"
)

// queue is an unbounded multi-producer, single-consumer message queue.
// Producers (executions, watchers, timers, the heartbeat, the signal
// handler) send on In and never block; the orchestrator receives from Out.
// Insertion order is preserved.
type queue struct {
	// In accepts messages from any goroutine.
	In chan domain.Message
	// Out delivers messages to the single consumer.
	Out chan domain.Message
}

func newQueue() *queue {
	q := &queue{
		In:  make(chan domain.Message, 64),
		Out: make(chan domain.Message),
	}
	go q.pump()
	return q
}

// pump shuttles messages from In to Out, buffering internally so sends
// on In only ever block for the append. It runs for the life of the run.
func (q *queue) pump() {
	var backlog []domain.Message
	for {
		if len(backlog) == 0 {
			msg, ok := <-q.In
			if !ok {
				close(q.Out)
				return
			}
			backlog = append(backlog, msg)
		}

		select {
		case msg, ok := <-q.In:
			if !ok {
				for _, m := range backlog {
					q.Out <- m
				}
				close(q.Out)
				return
			}
			backlog = append(backlog, msg)
		case q.Out <- backlog[0]:
			backlog = backlog[1:]
		}
	}
}
