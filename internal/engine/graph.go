package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smilemakc/synth/internal/domain"
)

// CyclicFlowError reports that a flow's After triggers form a cycle.
// Construction of a Graph fails with it; no node is ever executed in that
// case.
type CyclicFlowError struct {
	// Cycle is the sequence of node IDs forming the loop, without the
	// closing repetition of the first ID.
	Cycle []string
}

func (e *CyclicFlowError) Error() string {
	return fmt.Sprintf("cyclic flow detected: %s", e.Path())
}

// Path renders the cycle as "a -> b -> c -> a".
func (e *CyclicFlowError) Path() string {
	return strings.Join(append(append([]string{}, e.Cycle...), e.Cycle[0]), " -> ")
}

// Graph is the dependency DAG over node IDs, with an edge p -> n iff some
// trigger of n is After(...p...).
type Graph struct {
	nodes []string
	out   map[string][]string
	in    map[string][]string
}

// BuildGraph constructs the dependency graph for a resolved flow and
// verifies it is acyclic.
func BuildGraph(flow *domain.ResolvedFlow) (*Graph, error) {
	g := &Graph{
		out: make(map[string][]string),
		in:  make(map[string][]string),
	}

	for _, id := range flow.NodeIDs() {
		g.nodes = append(g.nodes, id)
		for _, t := range flow.Nodes[id].Triggers {
			after, ok := t.(domain.After)
			if !ok {
				continue
			}
			for _, pred := range after.After {
				g.out[pred] = append(g.out[pred], id)
				g.in[id] = append(g.in[id], pred)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicFlowError{Cycle: cycle}
	}

	return g, nil
}

// Nodes returns the graph's node IDs in sorted order.
func (g *Graph) Nodes() []string {
	return g.nodes
}

// Successors returns the direct successors of id.
func (g *Graph) Successors(id string) []string {
	return g.out[id]
}

// Predecessors returns the direct predecessors of id.
func (g *Graph) Predecessors(id string) []string {
	return g.in[id]
}

// Ancestors returns every node from which id is reachable.
func (g *Graph) Ancestors(id string) []string {
	return g.reach(id, g.in)
}

// Descendants returns every node reachable from id.
func (g *Graph) Descendants(id string) []string {
	return g.reach(id, g.out)
}

func (g *Graph) reach(id string, adj map[string][]string) []string {
	seen := make(map[string]bool)
	queue := append([]string{}, adj[id]...)
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, adj[n]...)
	}
	sort.Strings(out)
	return out
}

// findCycle returns the IDs of one cycle in order, or nil if the graph is
// acyclic. Iteration order is deterministic so the reported cycle is
// stable.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(g.nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		path = append(path, id)

		next := append([]string{}, g.out[id]...)
		sort.Strings(next)
		for _, succ := range next {
			switch color[succ] {
			case white:
				if cycle := visit(succ); cycle != nil {
					return cycle
				}
			case grey:
				// Found a back edge; the cycle is the path suffix
				// starting at succ.
				for i, n := range path {
					if n == succ {
						return append([]string{}, path[i:]...)
					}
				}
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.nodes {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
