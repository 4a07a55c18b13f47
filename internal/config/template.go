package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// TemplateProcessor expands template placeholders in command bodies.
// Two forms are supported:
//
//	{{name}}  -> direct substitution of the argument with that name
//	${expr}   -> evaluation of an expression over the arguments
type TemplateProcessor struct {
	simpleVarPattern *regexp.Regexp // {{variable}}
	exprPattern      *regexp.Regexp // ${expression}
}

// NewTemplateProcessor creates a new template processor.
func NewTemplateProcessor() *TemplateProcessor {
	return &TemplateProcessor{
		simpleVarPattern: regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`),
		exprPattern:      regexp.MustCompile(`\$\{([^}]+)\}`),
	}
}

// Render expands all placeholders in s against the given arguments. An
// unknown variable or a failing expression is an error; commands are fully
// expanded before anything runs.
func (tp *TemplateProcessor) Render(s string, args map[string]any) (string, error) {
	// Early termination if no template patterns are present.
	if !strings.Contains(s, "{{") && !strings.Contains(s, "${") {
		return s, nil
	}

	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	out := tp.simpleVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(tp.simpleVarPattern.FindStringSubmatch(match)[1])
		value, ok := args[name]
		if !ok {
			record(fmt.Errorf("unknown template variable %q", name))
			return match
		}
		return formatValue(value)
	})

	out = tp.exprPattern.ReplaceAllStringFunc(out, func(match string) string {
		src := tp.exprPattern.FindStringSubmatch(match)[1]
		value, err := expr.Eval(src, args)
		if err != nil {
			record(fmt.Errorf("evaluating ${%s}: %w", src, err))
			return match
		}
		return formatValue(value)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// EvalLiteral interprets a CLI-provided argument value: numbers, booleans
// and lists become typed values, anything that does not parse as an
// expression literal stays a string.
func EvalLiteral(raw string) any {
	program, err := expr.Compile(raw)
	if err != nil {
		return raw
	}
	value, err := expr.Run(program, nil)
	if err != nil {
		return raw
	}
	// Bare identifiers compile but evaluate to nil; keep them as strings.
	if value == nil {
		return raw
	}
	return value
}
