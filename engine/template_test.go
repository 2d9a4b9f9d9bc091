package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTemplate_OutputReferences(t *testing.T) {
	ctx := &TemplateContext{
		StepOutputs: map[string]string{
			"research": "quantum computing is advancing",
			"step-2":   "42",
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "single output reference",
			template: "Summarize: {research.output}",
			want:     "Summarize: quantum computing is advancing",
		},
		{
			name:     "multiple references",
			template: "{research.output} scored {step-2.output}",
			want:     "quantum computing is advancing scored 42",
		},
		{
			name:     "unknown step stays literal",
			template: "Use {missing.output} here",
			want:     "Use {missing.output} here",
		},
		{
			name:     "bare reference resolves too",
			template: "Value: {step-2}",
			want:     "Value: 42",
		},
		{
			name:     "no braces passes through",
			template: "plain text",
			want:     "plain text",
		},
		{
			name:     "empty template",
			template: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTemplate(tt.template, ctx)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveTemplate_BuiltIns(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	ctx := &TemplateContext{
		ThreadID:  "thread-abc",
		ProjectID: "proj-1",
		Now:       now,
	}

	got := ResolveTemplate("run {threadId} in {projectId} at {timestamp}", ctx)
	assert.Equal(t, "run thread-abc in proj-1 at 2025-03-14T09:26:53Z", got)
}

func TestResolveTemplate_BuiltInsUnsetStayLiteral(t *testing.T) {
	ctx := &TemplateContext{}

	got := ResolveTemplate("thread {threadId} project {projectId}", ctx)
	assert.Equal(t, "thread {threadId} project {projectId}", got)
}

func TestResolveTemplate_BindingsOutrankOutputs(t *testing.T) {
	ctx := &TemplateContext{
		StepOutputs: map[string]string{"item": "from-outputs"},
		Bindings:    map[string]string{"item": "from-binding"},
	}

	got := ResolveTemplate("picked {item}", ctx)
	assert.Equal(t, "picked from-binding", got)
}

func TestResolveTemplate_OutputsOutrankBuiltIns(t *testing.T) {
	ctx := &TemplateContext{
		StepOutputs: map[string]string{"threadId": "step-named-threadId"},
		ThreadID:    "actual-thread",
	}

	got := ResolveTemplate("{threadId}", ctx)
	assert.Equal(t, "step-named-threadId", got)
}

func TestResolveTemplate_NilContext(t *testing.T) {
	got := ResolveTemplate("{anything}", nil)
	assert.Equal(t, "{anything}", got)
}

func TestResolveTemplate_Idempotent(t *testing.T) {
	ctx := &TemplateContext{
		StepOutputs: map[string]string{"a": "resolved"},
	}

	once := ResolveTemplate("{a.output} and {unknown}", ctx)
	twice := ResolveTemplate(once, ctx)
	assert.Equal(t, once, twice)
}

func TestTemplateContextFromState(t *testing.T) {
	state := NewWorkflowState("t-1", "p-1", nil)
	state.StepOutputs["s1"] = "out"

	ctx := TemplateContextFromState(state)
	require.NotNil(t, ctx)
	assert.Equal(t, "t-1", ctx.ThreadID)
	assert.Equal(t, "p-1", ctx.ProjectID)
	assert.Equal(t, "out", ctx.StepOutputs["s1"])
}

func TestTemplateContext_WithBinding(t *testing.T) {
	base := &TemplateContext{
		StepOutputs: map[string]string{"s1": "out"},
		Bindings:    map[string]string{"keep": "original"},
	}

	derived := base.WithBinding("item", "apple")

	assert.Equal(t, "apple", derived.Bindings["item"])
	assert.Equal(t, "original", derived.Bindings["keep"])

	// The parent context is untouched.
	_, ok := base.Bindings["item"]
	assert.False(t, ok)

	got := ResolveTemplate("process {item} from {s1}", derived)
	assert.Equal(t, "process apple from out", got)
}
