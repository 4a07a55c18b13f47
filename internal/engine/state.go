package engine

import (
	"github.com/smilemakc/synth/internal/domain"
)

// FlowState holds the per-node status table for one run, together with the
// flow's dependency graph. Only the orchestrator mutates it, from a single
// goroutine; no internal locking is required.
type FlowState struct {
	flow     *domain.ResolvedFlow
	graph    *Graph
	statuses map[string]domain.Status
}

// NewFlowState builds the dependency graph for flow and initializes every
// node to Pending. It fails with *CyclicFlowError when the After triggers
// form a cycle.
func NewFlowState(flow *domain.ResolvedFlow) (*FlowState, error) {
	graph, err := BuildGraph(flow)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]domain.Status, len(flow.Nodes))
	for id := range flow.Nodes {
		statuses[id] = domain.StatusPending
	}

	return &FlowState{flow: flow, graph: graph, statuses: statuses}, nil
}

// Flow returns the resolved flow this state tracks.
func (s *FlowState) Flow() *domain.ResolvedFlow {
	return s.flow
}

// Status returns the current status of the node with the given ID.
func (s *FlowState) Status(id string) domain.Status {
	return s.statuses[id]
}

// ReadyNodes returns, in sorted ID order, every Pending node whose every
// ancestor is Succeeded or Waiting. Waiting counts as good enough so that
// descendants of a restarting node can still progress.
func (s *FlowState) ReadyNodes() []*domain.ResolvedNode {
	var ready []*domain.ResolvedNode
	for _, id := range s.graph.Nodes() {
		if s.statuses[id] != domain.StatusPending {
			continue
		}
		ok := true
		for _, ancestor := range s.graph.Ancestors(id) {
			if st := s.statuses[ancestor]; st != domain.StatusSucceeded && st != domain.StatusWaiting {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.flow.Nodes[id])
		}
	}
	return ready
}

// Mark sets the status of the given nodes.
func (s *FlowState) Mark(status domain.Status, nodes ...*domain.ResolvedNode) {
	for _, node := range nodes {
		s.statuses[node.ID] = status
	}
}

// MarkSuccess marks the given nodes Succeeded.
func (s *FlowState) MarkSuccess(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusSucceeded, nodes...)
}

// MarkFailure marks the given nodes Failed.
func (s *FlowState) MarkFailure(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusFailed, nodes...)
}

// MarkPending marks the given nodes Pending.
func (s *FlowState) MarkPending(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusPending, nodes...)
}

// MarkRunning marks the given nodes Running.
func (s *FlowState) MarkRunning(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusRunning, nodes...)
}

// MarkWaiting marks the given nodes Waiting.
func (s *FlowState) MarkWaiting(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusWaiting, nodes...)
}

// MarkStarting marks the given nodes Starting.
func (s *FlowState) MarkStarting(nodes ...*domain.ResolvedNode) {
	s.Mark(domain.StatusStarting, nodes...)
}

// Parents returns the direct predecessors of node.
func (s *FlowState) Parents(node *domain.ResolvedNode) []*domain.ResolvedNode {
	return s.lookup(s.graph.Predecessors(node.ID))
}

// Children returns the direct successors of node.
func (s *FlowState) Children(node *domain.ResolvedNode) []*domain.ResolvedNode {
	return s.lookup(s.graph.Successors(node.ID))
}

// Descendants returns every node reachable from node.
func (s *FlowState) Descendants(node *domain.ResolvedNode) []*domain.ResolvedNode {
	return s.lookup(s.graph.Descendants(node.ID))
}

func (s *FlowState) lookup(ids []string) []*domain.ResolvedNode {
	nodes := make([]*domain.ResolvedNode, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, s.flow.Nodes[id])
	}
	return nodes
}

// NodesByStatus groups the flow's nodes by their current status.
func (s *FlowState) NodesByStatus() map[domain.Status][]*domain.ResolvedNode {
	out := make(map[domain.Status][]*domain.ResolvedNode)
	for _, id := range s.graph.Nodes() {
		st := s.statuses[id]
		out[st] = append(out[st], s.flow.Nodes[id])
	}
	return out
}

// AllSucceeded reports whether every node is Succeeded.
func (s *FlowState) AllSucceeded() bool {
	for _, st := range s.statuses {
		if st != domain.StatusSucceeded {
			return false
		}
	}
	return true
}

// NoMoreWorkPossible is the run's termination predicate: no node carries a
// repeating trigger, no node is ready, and nothing is running or starting.
func (s *FlowState) NoMoreWorkPossible() bool {
	// A repeating trigger means there might be work to do in the future
	// even if there is none right now.
	for _, node := range s.flow.Nodes {
		if node.HasRepeatingTrigger() {
			return false
		}
	}

	for _, st := range s.statuses {
		if st.IsLive() {
			return false
		}
	}

	return len(s.ReadyNodes()) == 0
}
