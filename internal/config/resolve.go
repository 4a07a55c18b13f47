package config

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/smilemakc/synth/internal/domain"
)

// Resolve turns the config into resolved flows: references replaced by
// their definitions, commands dedented, missing triggers defaulted to Once
// and missing colors generated. Commands are not template-expanded yet;
// RenderFlow does that after CLI overrides have been applied.
func (c *Config) Resolve() (map[string]*domain.ResolvedFlow, error) {
	flows := make(map[string]*domain.ResolvedFlow, len(c.Flows))
	for flowID, flow := range c.Flows {
		resolved, err := c.resolveFlow(flow)
		if err != nil {
			return nil, fmt.Errorf("resolving flow %q: %w", flowID, err)
		}
		flows[flowID] = resolved
	}
	return flows, nil
}

func (c *Config) resolveFlow(flow Flow) (*domain.ResolvedFlow, error) {
	nodes := make(map[string]*domain.ResolvedNode, len(flow.Nodes))
	for nodeID, node := range flow.Nodes {
		target := node.Target.Inline
		if target == nil {
			t := c.Targets[node.Target.Ref]
			target = &t
		}

		executable := target.Executable
		if executable == "" {
			executable = DefaultExecutable
		}

		triggers := make([]domain.Trigger, 0, len(node.Triggers))
		for _, tr := range node.Triggers {
			t := tr.Inline
			if t == nil {
				t = c.Triggers[tr.Ref].Trigger
			}
			triggers = append(triggers, t)
		}
		if len(triggers) == 0 {
			triggers = []domain.Trigger{domain.Once{}}
		}

		color := node.Color
		if color == "" {
			color = randomColor()
		}

		nodes[nodeID] = &domain.ResolvedNode{
			ID: nodeID,
			Target: domain.Target{
				Commands:   Dedent(target.Commands),
				Executable: executable,
				Args:       target.Args,
				Envs:       target.Envs,
			},
			Args:     node.Args,
			Envs:     node.Envs,
			Triggers: triggers,
			Color:    color,
		}
	}

	return &domain.ResolvedFlow{Nodes: nodes, Args: flow.Args, Envs: flow.Envs}, nil
}

// RenderFlow returns a copy of the flow with every node's commands
// template-expanded against the flow's, target's and node's merged args
// (later levels override earlier ones). The engine only ever sees rendered
// flows.
func RenderFlow(flow *domain.ResolvedFlow) (*domain.ResolvedFlow, error) {
	tp := NewTemplateProcessor()

	nodes := make(map[string]*domain.ResolvedNode, len(flow.Nodes))
	for id, node := range flow.Nodes {
		args := flow.Args.Merged(node.Target.Args).Merged(node.Args)
		rendered, err := tp.Render(node.Target.Commands, args)
		if err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("node %q: %v", id, err)}}
		}

		out := *node
		out.Target.Commands = rendered
		nodes[id] = &out
	}

	return &domain.ResolvedFlow{Nodes: nodes, Args: flow.Args, Envs: flow.Envs}, nil
}

// ApplyOverrides merges key=value argument and environment overrides from
// the command line into the flow. A "node.key=value" form targets one
// node; the plain form applies flow-wide. Argument values go through
// expression-literal evaluation so numbers and booleans arrive typed.
func ApplyOverrides(flow *domain.ResolvedFlow, args, envs []string) (*domain.ResolvedFlow, error) {
	nodeArgs := make(map[string]domain.Args)
	nodeEnvs := make(map[string]domain.Envs)
	flowArgs := make(domain.Args)
	flowEnvs := make(domain.Envs)

	for _, raw := range args {
		key, value, err := splitOverride(raw, "argument")
		if err != nil {
			return nil, err
		}
		if node, rest, ok := splitNodeKey(key); ok {
			if _, exists := flow.Nodes[node]; !exists {
				return nil, fmt.Errorf("invalid argument %q: no such node %q", raw, node)
			}
			if nodeArgs[node] == nil {
				nodeArgs[node] = make(domain.Args)
			}
			nodeArgs[node][rest] = EvalLiteral(value)
		} else {
			flowArgs[key] = EvalLiteral(value)
		}
	}

	for _, raw := range envs {
		key, value, err := splitOverride(raw, "environment variable")
		if err != nil {
			return nil, err
		}
		if node, rest, ok := splitNodeKey(key); ok {
			if _, exists := flow.Nodes[node]; !exists {
				return nil, fmt.Errorf("invalid environment variable %q: no such node %q", raw, node)
			}
			if nodeEnvs[node] == nil {
				nodeEnvs[node] = make(domain.Envs)
			}
			nodeEnvs[node][rest] = value
		} else {
			flowEnvs[key] = value
		}
	}

	nodes := make(map[string]*domain.ResolvedNode, len(flow.Nodes))
	for id, node := range flow.Nodes {
		out := *node
		out.Args = node.Args.Merged(nodeArgs[id])
		out.Envs = node.Envs.Merged(nodeEnvs[id])
		nodes[id] = &out
	}

	return &domain.ResolvedFlow{
		Nodes: nodes,
		Args:  flow.Args.Merged(flowArgs),
		Envs:  flow.Envs.Merged(flowEnvs),
	}, nil
}

func splitOverride(raw, what string) (key, value string, err error) {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid %s %q: must be in the form 'key=value'", what, raw)
	}
	return key, value, nil
}

func splitNodeKey(key string) (node, rest string, ok bool) {
	node, rest, ok = strings.Cut(key, ".")
	if !ok || node == "" || rest == "" {
		return "", "", false
	}
	return node, rest, true
}

// randomColor generates a display color as a hex triplet: a random hue at
// full saturation, dimmed enough to read against a dark terminal.
func randomColor() string {
	id := uuid.New()
	hue := float64(binary.BigEndian.Uint32(id[:4])) / float64(math.MaxUint32)
	r, g, b := hsvToRGB(hue, 1, 0.7)
	return fmt.Sprintf("%02x%02x%02x", r, g, b)
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := int(h*6) % 6
	f := h*6 - float64(int(h*6))
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var r, g, b float64
	switch i {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}

	return uint8(r * 255), uint8(g * 255), uint8(b * 255)
}

// SortedFlowNames returns the flow IDs of a resolved config in sorted
// order, for error listings.
func SortedFlowNames(flows map[string]*domain.ResolvedFlow) []string {
	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
