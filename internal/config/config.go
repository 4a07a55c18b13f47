package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/synth/internal/domain"
)

// DefaultExecutable is the interpreter invocation used when a target does
// not name one.
const DefaultExecutable = "sh -eu"

var idPattern = regexp.MustCompile(`^\w+$`)

// Config is the top-level synth.yaml document: flows over nodes, with
// targets and triggers referenceable either inline or by ID.
type Config struct {
	Flows    map[string]Flow        `yaml:"flows"`
	Targets  map[string]Target      `yaml:"targets"`
	Triggers map[string]TriggerSpec `yaml:"triggers"`
}

// Flow is one named flow: a mapping of node IDs to nodes plus flow-level
// args and envs merged beneath node-level ones.
type Flow struct {
	Nodes map[string]Node `yaml:"nodes"`
	Args  domain.Args     `yaml:"args"`
	Envs  domain.Envs     `yaml:"envs"`
}

// Node is one node definition inside a flow. Target and triggers may be
// inline definitions or IDs referencing the top-level maps.
type Node struct {
	Target   TargetRef    `yaml:"target"`
	Args     domain.Args  `yaml:"args"`
	Envs     domain.Envs  `yaml:"envs"`
	Triggers []TriggerRef `yaml:"triggers"`
	Color    string       `yaml:"color"`
}

// Target is a target definition: the script body and interpreter.
type Target struct {
	Commands   string      `yaml:"commands"`
	Executable string      `yaml:"executable"`
	Args       domain.Args `yaml:"args"`
	Envs       domain.Envs `yaml:"envs"`
}

// TargetRef is either a reference to a top-level target or an inline one.
type TargetRef struct {
	Ref    string
	Inline *Target
}

// UnmarshalYAML decodes either a scalar target ID or an inline target
// mapping.
func (r *TargetRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Ref)
	}
	var t Target
	if err := value.Decode(&t); err != nil {
		return err
	}
	r.Inline = &t
	return nil
}

// TriggerRef is either a reference to a top-level trigger or an inline one.
type TriggerRef struct {
	Ref    string
	Inline domain.Trigger
}

// UnmarshalYAML decodes either a scalar trigger ID or an inline trigger
// mapping.
func (r *TriggerRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Ref)
	}
	var spec TriggerSpec
	if err := value.Decode(&spec); err != nil {
		return err
	}
	r.Inline = spec.Trigger
	return nil
}

// TriggerSpec wraps the trigger sum type for YAML decoding. The mapping's
// keys determine the variant:
//
//	{} or {once: true}      -> Once
//	{after: [a, b]}         -> After
//	{delay: 0.5}            -> Restart (delay in seconds, default 1)
//	{restart: true}         -> Restart with the default delay
//	{watch: [./src]}        -> Watch
type TriggerSpec struct {
	Trigger domain.Trigger
}

// UnmarshalYAML decodes one trigger mapping into its variant.
func (s *TriggerSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("trigger must be a mapping or a trigger ID")
	}

	var raw struct {
		Once    *bool    `yaml:"once"`
		After   []string `yaml:"after"`
		Restart *bool    `yaml:"restart"`
		Delay   *float64 `yaml:"delay"`
		Watch   []string `yaml:"watch"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for i := 0; i < len(value.Content); i += 2 {
		switch key := value.Content[i].Value; key {
		case "once", "after", "restart", "delay", "watch":
		default:
			return fmt.Errorf("unknown trigger field %q", key)
		}
	}

	variants := 0
	if raw.Once != nil {
		variants++
	}
	if raw.After != nil {
		variants++
	}
	if raw.Restart != nil || raw.Delay != nil {
		variants++
	}
	if raw.Watch != nil {
		variants++
	}
	if variants > 1 {
		return fmt.Errorf("trigger mixes multiple variants")
	}

	switch {
	case raw.After != nil:
		if len(raw.After) == 0 {
			return fmt.Errorf("after trigger needs at least one node ID")
		}
		s.Trigger = domain.After{After: raw.After}
	case raw.Restart != nil || raw.Delay != nil:
		delay := 1.0
		if raw.Delay != nil {
			delay = *raw.Delay
		}
		if delay < 0 {
			return fmt.Errorf("restart delay must be >= 0, got %g", delay)
		}
		s.Trigger = domain.Restart{Delay: time.Duration(delay * float64(time.Second))}
	case raw.Watch != nil:
		if len(raw.Watch) == 0 {
			return fmt.Errorf("watch trigger needs at least one path")
		}
		s.Trigger = domain.Watch{Paths: raw.Watch}
	default:
		s.Trigger = domain.Once{}
	}
	return nil
}

// ValidationError aggregates everything wrong with a config file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Problems, "; "))
}

// Load reads and strictly decodes a config file, then validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse strictly decodes a YAML config document and validates it.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	complain := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for id := range c.Targets {
		if !idPattern.MatchString(id) {
			complain("invalid target ID %q", id)
		}
	}
	for id := range c.Triggers {
		if !idPattern.MatchString(id) {
			complain("invalid trigger ID %q", id)
		}
	}

	for flowID, flow := range c.Flows {
		if !idPattern.MatchString(flowID) {
			complain("invalid flow ID %q", flowID)
		}
		for nodeID, node := range flow.Nodes {
			loc := fmt.Sprintf("flows.%s.nodes.%s", flowID, nodeID)
			if !idPattern.MatchString(nodeID) {
				complain("%s: invalid node ID", loc)
			}
			if node.Target.Inline == nil {
				if node.Target.Ref == "" {
					complain("%s: missing target", loc)
				} else if _, ok := c.Targets[node.Target.Ref]; !ok {
					complain("%s: no such target %q", loc, node.Target.Ref)
				}
			}
			for _, tr := range node.Triggers {
				if tr.Inline == nil && tr.Ref != "" {
					if _, ok := c.Triggers[tr.Ref]; !ok {
						complain("%s: no such trigger %q", loc, tr.Ref)
					}
				}
			}
			if after := afterIDs(c, node); len(after) > 0 {
				for _, pred := range after {
					if _, ok := flow.Nodes[pred]; !ok {
						complain("%s: after references unknown node %q", loc, pred)
					}
				}
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func afterIDs(c *Config, node Node) []string {
	var ids []string
	for _, tr := range node.Triggers {
		t := tr.Inline
		if t == nil {
			if spec, ok := c.Triggers[tr.Ref]; ok {
				t = spec.Trigger
			}
		}
		if after, ok := t.(domain.After); ok {
			ids = append(ids, after.After...)
		}
	}
	return ids
}

// Dedent strips the longest common leading whitespace from every non-blank
// line of s and trims surrounding blank lines, the way YAML block scalars
// are written indented in the config file.
func Dedent(s string) string {
	lines := strings.Split(s, "\n")

	margin := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(trimmed)
		if margin < 0 || indent < margin {
			margin = indent
		}
	}
	if margin > 0 {
		for i, line := range lines {
			if len(line) >= margin {
				lines[i] = line[margin:]
			} else {
				lines[i] = strings.TrimLeft(line, " \t")
			}
		}
	}

	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
