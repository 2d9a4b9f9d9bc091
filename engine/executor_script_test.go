package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heavyScript runs enough evaluation steps that the interpreter's interrupt
// check is guaranteed to fire at least once.
const heavyScript = `[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20]
	.map(x, [1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20].map(y, x * y))
	.size()`

func scriptTestContext() *ExecContext {
	state := NewWorkflowState("thread-1", "proj-1", nil)
	state.StepOutputs["fetch"] = "total: 10, 20 and 30 items"
	state.StepOutputs["contact"] = "reach ops at ops@example.com or oncall@example.com"
	return &ExecContext{
		ThreadID:  "thread-1",
		ProjectID: "proj-1",
		State:     state,
	}
}

func TestScriptExecutor_CanHandle(t *testing.T) {
	exec := NewScriptExecutor()

	assert.True(t, exec.CanHandle(&WorkflowStep{Kind: StepKindJavaScript}))
	assert.False(t, exec.CanHandle(&WorkflowStep{Kind: StepKindAgent}))
	assert.False(t, exec.CanHandle(&WorkflowStep{Kind: StepKindMock}))
	assert.False(t, exec.CanHandle(&WorkflowStep{}))
}

func TestScriptExecutor_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"string concat", `"hello " + threadId`, "hello thread-1"},
		{"context variables", `threadId + ":" + projectId`, "thread-1:proj-1"},
		{"outputs map", `outputs["fetch"]`, "total: 10, 20 and 30 items"},
		{"getOutput", `getOutput("fetch")`, "total: 10, 20 and 30 items"},
		{"getOutput of unknown step is empty", `getOutput("ghost")`, "(empty result)"},
		{"bool result", `1 < 2`, "true"},
		{"int result", `(1 + 2) * 3`, "9"},
		{"double result", `1.5 + 1.0`, "2.5"},
		{"whole double drops the fraction", `6.0`, "6"},
		{"wordCount", `wordCount("one two  three")`, "3"},
		{"extractNumbers", `extractNumbers(outputs["fetch"])`, "[10,20,30]"},
		{"sum", `sum(extractNumbers(outputs["fetch"]))`, "60"},
		{"avg of int list", `avg([2, 4])`, "3"},
		{"avg of empty list", `avg([])`, "0"},
		{"extractEmails", `extractEmails(outputs["contact"])`, `["ops@example.com","oncall@example.com"]`},
		{"validateEmail true", `validateEmail("dev@example.com")`, "true"},
		{"validateEmail false", `validateEmail("not-an-email")`, "false"},
		{"validateURL true", `validateURL("https://example.com/path")`, "true"},
		{"validateURL rejects bare words", `validateURL("example")`, "false"},
		{"validateJSON true", `validateJSON("{\"a\": 1}")`, "true"},
		{"validateJSON false", `validateJSON("{nope")`, "false"},
		{"sentiment positive", `sentiment("great success, tests passed")`, "positive"},
		{"sentiment negative", `sentiment("broken build, another bug")`, "negative"},
		{"sentiment neutral", `sentiment("routine update")`, "neutral"},
		{"map renders as JSON", `{"a": 1, "b": "two"}`, `{"a":1,"b":"two"}`},
		{"list renders as JSON", `["x", "y"]`, `["x","y"]`},
		{"empty string gets a placeholder", `""`, "(empty result)"},
	}

	exec := NewScriptExecutor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: tt.script}
			result := exec.Execute(context.Background(), step, scriptTestContext())

			require.Equal(t, StepStatusSuccess, result.Status, "error: %s", result.Error)
			assert.Equal(t, tt.want, result.Response)
			assert.Empty(t, result.SessionRef)
		})
	}
}

func TestScriptExecutor_TaskFallback(t *testing.T) {
	exec := NewScriptExecutor()
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Task: `"from task"`}

	result := exec.Execute(context.Background(), step, scriptTestContext())

	require.Equal(t, StepStatusSuccess, result.Status)
	assert.Equal(t, "from task", result.Response)
}

func TestScriptExecutor_EmptyScriptFails(t *testing.T) {
	exec := NewScriptExecutor()
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: "   "}

	result := exec.Execute(context.Background(), step, scriptTestContext())

	assert.Equal(t, StepStatusFailed, result.Status)
	assert.Equal(t, "script is empty", result.Error)
}

func TestScriptExecutor_CompileErrorFails(t *testing.T) {
	exec := NewScriptExecutor()
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: `1 +`}

	result := exec.Execute(context.Background(), step, scriptTestContext())

	assert.Equal(t, StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "script compile error")
}

func TestScriptExecutor_RuntimeErrorFails(t *testing.T) {
	exec := NewScriptExecutor()
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: `1 / 0`}

	result := exec.Execute(context.Background(), step, scriptTestContext())

	assert.Equal(t, StepStatusFailed, result.Status)
	assert.Contains(t, result.Error, "script error")
}

func TestScriptExecutor_WindowTimeoutFails(t *testing.T) {
	exec := NewScriptExecutor(WithScriptWindow(time.Nanosecond))
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: heavyScript}

	result := exec.Execute(context.Background(), step, scriptTestContext())

	assert.Equal(t, StepStatusFailed, result.Status, "an expired window is a step failure, not an abort")
	assert.Contains(t, result.Error, "script error")
}

func TestScriptExecutor_AbortReturnsAborted(t *testing.T) {
	exec := NewScriptExecutor()
	step := &WorkflowStep{ID: "calc", Kind: StepKindJavaScript, Script: heavyScript}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := exec.Execute(ctx, step, scriptTestContext())

	assert.Equal(t, StepStatusAborted, result.Status)
	require.NotNil(t, result.AbortedAt)
}
