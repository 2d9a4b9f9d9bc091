package engine

import (
	"regexp"
	"strings"
	"time"
)

// Template resolution. Substitution only: no expression evaluation happens
// here. Undefined references stay in the text as literals, which the
// condition evaluator relies on.

var (
	outputRefPattern = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\.output\}`)
	bareRefPattern   = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)
)

// TemplateContext carries the run state a template can reference.
type TemplateContext struct {
	StepOutputs map[string]string
	ThreadID    string
	ProjectID   string

	// Bindings are additional substitutions, e.g. the loop variable.
	Bindings map[string]string

	// Now overrides the clock for {timestamp}; zero means time.Now.
	Now time.Time
}

// TemplateContextFromState builds a TemplateContext over a state snapshot.
func TemplateContextFromState(state *WorkflowState) *TemplateContext {
	return &TemplateContext{
		StepOutputs: state.StepOutputs,
		ThreadID:    state.ThreadID,
		ProjectID:   state.ProjectID,
	}
}

// WithBinding returns a copy of the context with one extra binding.
func (c *TemplateContext) WithBinding(name, value string) *TemplateContext {
	out := *c
	out.Bindings = make(map[string]string, len(c.Bindings)+1)
	for k, v := range c.Bindings {
		out.Bindings[k] = v
	}
	out.Bindings[name] = value
	return &out
}

// ResolveTemplate substitutes {stepId.output}, bare {stepId}, {timestamp},
// {threadId}, and {projectId} references in a single pass each, in that
// order. References that resolve to nothing are left as literal text.
// Resolution is idempotent once every reference is bound.
func ResolveTemplate(template string, ctx *TemplateContext) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	if ctx == nil {
		return template
	}

	result := outputRefPattern.ReplaceAllStringFunc(template, func(match string) string {
		stepID := match[1 : len(match)-len(".output}")]
		if out, ok := ctx.StepOutputs[stepID]; ok {
			return out
		}
		return match
	})

	result = bareRefPattern.ReplaceAllStringFunc(result, func(match string) string {
		name := match[1 : len(match)-1]
		// Step references outrank the built-in names.
		if v, ok := ctx.Bindings[name]; ok {
			return v
		}
		if out, ok := ctx.StepOutputs[name]; ok {
			return out
		}
		switch name {
		case "timestamp":
			now := ctx.Now
			if now.IsZero() {
				now = time.Now().UTC()
			}
			return now.Format(time.RFC3339)
		case "threadId":
			if ctx.ThreadID != "" {
				return ctx.ThreadID
			}
		case "projectId":
			if ctx.ProjectID != "" {
				return ctx.ProjectID
			}
		}
		return match
	})

	return result
}
