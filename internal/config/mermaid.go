package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/smilemakc/synth/internal/domain"
)

// Mermaid renders the flow as a Mermaid flowchart: one shape per node,
// arrows for After edges, self-loops for Restart triggers and deduplicated
// cylinders for watched path sets.
func Mermaid(flow *domain.ResolvedFlow) string {
	lines := []string{"flowchart TD"}

	seenWatches := make(map[string]bool)
	for _, id := range flow.NodeIDs() {
		node := flow.Nodes[id]
		lines = append(lines, fmt.Sprintf("%s(%s)", id, id))

		for _, t := range node.Triggers {
			switch t := t.(type) {
			case domain.Once:
			case domain.After:
				for _, pred := range t.After {
					lines = append(lines, fmt.Sprintf("%s --> %s", pred, id))
				}
			case domain.Restart:
				lines = append(lines, fmt.Sprintf("%s -->|∞ %.3gs| %s", id, t.Delay.Seconds(), id))
			case domain.Watch:
				sum := sha1.Sum([]byte(strings.Join(t.Paths, "")))
				h := hex.EncodeToString(sum[:])[:12]
				if !seenWatches[h] {
					seenWatches[h] = true
					lines = append(lines, fmt.Sprintf("w_%s[(%q)]", h, strings.Join(t.Paths, "\n")))
				}
				lines = append(lines, fmt.Sprintf("w_%s -->|👁| %s", h, id))
			}
		}
	}

	return strings.Join(lines, "\n  ")
}
