package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionTestContext() *EvalContext {
	return &EvalContext{
		StepResults: map[string]*StepResult{
			"check": {ID: "check", Status: StepStatusSuccess, Response: "approved"},
			"score": {ID: "score", Status: StepStatusSuccess, Response: "85"},
			"fail":  {ID: "fail", Status: StepStatusFailed, Error: "boom"},
		},
		StepOutputs: map[string]string{
			"check": "approved",
			"score": "85",
		},
		ThreadID: "thread-1",
	}
}

func structuredCondition(group *ConditionGroup) *Condition {
	return &Condition{Version: "2.0", RootGroup: group}
}

func stepOperand(stepID, field string) ConditionOperand {
	return ConditionOperand{StepID: stepID, Field: field}
}

func literalOperand(value interface{}) ConditionOperand {
	return ConditionOperand{Type: "literal", Value: value}
}

func TestEvaluate_NilAndEmptyConditions(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	res := eval.Evaluate(nil, ctx)
	assert.False(t, res.Result)
	assert.NotEmpty(t, res.Error)

	res = eval.Evaluate(&Condition{}, ctx)
	assert.False(t, res.Result)
	assert.Contains(t, res.Error, "neither rootGroup nor expression")
}

func TestEvaluate_StructuredRules(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	tests := []struct {
		name string
		rule ConditionRule
		want bool
	}{
		{
			name: "output equals literal",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "equals", Right: literalOperand("approved")},
			want: true,
		},
		{
			name: "empty field defaults to output",
			rule: ConditionRule{Left: stepOperand("check", ""), Op: "equals", Right: literalOperand("approved")},
			want: true,
		},
		{
			name: "status field",
			rule: ConditionRule{Left: stepOperand("fail", "status"), Op: "equals", Right: literalOperand("failed")},
			want: true,
		},
		{
			name: "response field",
			rule: ConditionRule{Left: stepOperand("score", "response"), Op: "equals", Right: literalOperand("85")},
			want: true,
		},
		{
			name: "notEquals",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "notEquals", Right: literalOperand("rejected")},
			want: true,
		},
		{
			name: "contains",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "contains", Right: literalOperand("rov")},
			want: true,
		},
		{
			name: "notContains",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "notContains", Right: literalOperand("xyz")},
			want: true,
		},
		{
			name: "startsWith",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "startsWith", Right: literalOperand("app")},
			want: true,
		},
		{
			name: "endsWith",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "endsWith", Right: literalOperand("ved")},
			want: true,
		},
		{
			name: "numeric greaterThan",
			rule: ConditionRule{Left: stepOperand("score", "output"), Op: "greaterThan", Right: literalOperand(float64(80)), DataType: "number"},
			want: true,
		},
		{
			name: "numeric lessThanOrEqual false",
			rule: ConditionRule{Left: stepOperand("score", "output"), Op: "lessThanOrEqual", Right: literalOperand(float64(80)), DataType: "number"},
			want: false,
		},
		{
			name: "literal float formatting",
			rule: ConditionRule{Left: literalOperand(float64(42)), Op: "equals", Right: literalOperand("42")},
			want: true,
		},
		{
			name: "boolean dataType",
			rule: ConditionRule{Left: literalOperand(true), Op: "equals", Right: literalOperand("TRUE"), DataType: "boolean"},
			want: true,
		},
		{
			name: "isEmpty on missing value",
			rule: ConditionRule{Left: literalOperand("  "), Op: "isEmpty"},
			want: true,
		},
		{
			name: "isNotEmpty",
			rule: ConditionRule{Left: stepOperand("check", "output"), Op: "isNotEmpty"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := structuredCondition(&ConditionGroup{
				Combinator: CombinatorAnd,
				Rules:      []ConditionRule{tt.rule},
			})
			res := eval.Evaluate(cond, ctx)
			assert.Empty(t, res.Error)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestEvaluate_OperatorAliases(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	aliases := map[string]bool{
		"eq":  true,
		"==":  true,
		"===": true,
		"neq": false,
		"!=":  false,
		"!==": false,
	}

	for op, want := range aliases {
		t.Run(op, func(t *testing.T) {
			cond := structuredCondition(&ConditionGroup{
				Combinator: CombinatorAnd,
				Rules: []ConditionRule{
					{Left: stepOperand("check", "output"), Op: op, Right: literalOperand("approved")},
				},
			})
			res := eval.Evaluate(cond, ctx)
			assert.Empty(t, res.Error)
			assert.Equal(t, want, res.Result)
		})
	}

	numeric := map[string]bool{
		"gt":  true,
		">":   true,
		"gte": true,
		">=":  true,
		"lt":  false,
		"<":   false,
		"lte": false,
		"<=":  false,
	}
	for op, want := range numeric {
		t.Run("numeric "+op, func(t *testing.T) {
			cond := structuredCondition(&ConditionGroup{
				Combinator: CombinatorAnd,
				Rules: []ConditionRule{
					{Left: stepOperand("score", "output"), Op: op, Right: literalOperand("80"), DataType: "number"},
				},
			})
			res := eval.Evaluate(cond, ctx)
			assert.Empty(t, res.Error)
			assert.Equal(t, want, res.Result)
		})
	}
}

func TestEvaluate_GroupCombinators(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	trueRule := ConditionRule{Left: stepOperand("check", "output"), Op: "equals", Right: literalOperand("approved")}
	falseRule := ConditionRule{Left: stepOperand("check", "output"), Op: "equals", Right: literalOperand("rejected")}

	t.Run("empty AND is true", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{Combinator: CombinatorAnd}), ctx)
		assert.True(t, res.Result)
	})

	t.Run("empty OR is false", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{Combinator: CombinatorOr}), ctx)
		assert.False(t, res.Result)
	})

	t.Run("missing combinator defaults to AND", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{
			Rules: []ConditionRule{trueRule},
		}), ctx)
		assert.True(t, res.Result)
	})

	t.Run("AND short-circuits on false rule", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{
			Combinator: CombinatorAnd,
			Rules:      []ConditionRule{falseRule, trueRule},
		}), ctx)
		assert.False(t, res.Result)
		assert.Empty(t, res.Error)
	})

	t.Run("OR short-circuits on true rule", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{
			Combinator: CombinatorOr,
			Rules:      []ConditionRule{trueRule, falseRule},
		}), ctx)
		assert.True(t, res.Result)
	})

	t.Run("nested groups", func(t *testing.T) {
		cond := structuredCondition(&ConditionGroup{
			Combinator: CombinatorAnd,
			Rules:      []ConditionRule{trueRule},
			Groups: []*ConditionGroup{
				{
					Combinator: CombinatorOr,
					Rules:      []ConditionRule{falseRule, trueRule},
				},
			},
		})
		res := eval.Evaluate(cond, ctx)
		assert.True(t, res.Result)
	})

	t.Run("unknown combinator folds to false", func(t *testing.T) {
		res := eval.Evaluate(structuredCondition(&ConditionGroup{Combinator: "XOR"}), ctx)
		assert.False(t, res.Result)
		assert.Contains(t, res.Error, "unknown combinator")
	})
}

func TestEvaluate_StructuredErrorsFoldToFalse(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	tests := []struct {
		name    string
		rule    ConditionRule
		wantErr string
	}{
		{
			name:    "missing step output",
			rule:    ConditionRule{Left: stepOperand("ghost", "output"), Op: "equals", Right: literalOperand("x")},
			wantErr: "has no output",
		},
		{
			name:    "missing step status",
			rule:    ConditionRule{Left: stepOperand("ghost", "status"), Op: "equals", Right: literalOperand("x")},
			wantErr: "has no result",
		},
		{
			name:    "unknown operand field",
			rule:    ConditionRule{Left: stepOperand("check", "metadata"), Op: "equals", Right: literalOperand("x")},
			wantErr: "unknown operand field",
		},
		{
			name:    "non-numeric operand under number dataType",
			rule:    ConditionRule{Left: stepOperand("check", "output"), Op: "greaterThan", Right: literalOperand("5"), DataType: "number"},
			wantErr: "is not a number",
		},
		{
			name:    "contains under number dataType",
			rule:    ConditionRule{Left: stepOperand("score", "output"), Op: "contains", Right: literalOperand("8"), DataType: "number"},
			wantErr: "not defined for numbers",
		},
		{
			name:    "unknown dataType",
			rule:    ConditionRule{Left: literalOperand("a"), Op: "equals", Right: literalOperand("a"), DataType: "json"},
			wantErr: "unknown dataType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := structuredCondition(&ConditionGroup{
				Combinator: CombinatorAnd,
				Rules:      []ConditionRule{tt.rule},
			})
			res := eval.Evaluate(cond, ctx)
			assert.False(t, res.Result)
			assert.Contains(t, res.Error, tt.wantErr)
		})
	}
}

func TestEvaluate_FailedStepFallsBackToResponse(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := &EvalContext{
		StepResults: map[string]*StepResult{
			"partial": {ID: "partial", Status: StepStatusFailed, Response: "partial output"},
		},
		StepOutputs: map[string]string{},
	}

	// Failed steps never populate stepOutputs; the output field still reads
	// the recorded response.
	cond := structuredCondition(&ConditionGroup{
		Combinator: CombinatorAnd,
		Rules: []ConditionRule{
			{Left: stepOperand("partial", "output"), Op: "contains", Right: literalOperand("partial")},
		},
	})
	res := eval.Evaluate(cond, ctx)
	assert.True(t, res.Result)
	assert.Empty(t, res.Error)
}

func TestEvaluate_LegacyExpressions(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "template equals string", expr: "{check.output} == 'approved'", want: true},
		{name: "template not equals", expr: "{check.output} != 'rejected'", want: true},
		{name: "bare template reference", expr: "{check} == 'approved'", want: true},
		{name: "numeric comparison", expr: "{score.output} > 80", want: true},
		{name: "numeric comparison false", expr: "{score.output} < 80", want: false},
		{name: "mixed numeric equality", expr: "{score.output} == 85", want: true},
		{name: "boolean literals", expr: "true && !false", want: true},
		{name: "or short-circuit", expr: "false || {check.output} == 'approved'", want: true},
		{name: "parentheses", expr: "(1 > 2 || 3 > 2) && true", want: true},
		{name: "includes", expr: "{check.output}.includes('rov')", want: true},
		{name: "includes false", expr: "{check.output}.includes('xyz')", want: false},
		{name: "negated includes", expr: "!{check.output}.includes('xyz')", want: true},
		{name: "parseInt leading digits", expr: "parseInt('42px') == 42", want: true},
		{name: "parseInt of output", expr: "parseInt({score.output}) >= 85", want: true},
		{name: "parseFloat", expr: "parseFloat('3.14 approx') > 3", want: true},
		{name: "bare identifier is string", expr: "approved == {check.output}", want: true},
		{name: "double quotes", expr: `{check.output} == "approved"`, want: true},
		{name: "negative number", expr: "-5 < 0", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eval.Evaluate(&Condition{Expression: tt.expr}, ctx)
			assert.Empty(t, res.Error)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestEvaluate_LegacyTruthiness(t *testing.T) {
	tests := []struct {
		name string
		expr string
		ctx  *EvalContext
		want bool
	}{
		{name: "bare true", expr: "true", want: true},
		{name: "bare false", expr: "false", want: false},
		{name: "zero is falsy", expr: "0", want: false},
		{name: "nonzero is truthy", expr: "7", want: true},
		{name: "empty string is falsy", expr: "''", want: false},
		{name: "nonempty string is truthy", expr: "'x'", want: true},
		{
			name: "string false output is falsy",
			expr: "{flag.output}",
			ctx:  &EvalContext{StepOutputs: map[string]string{"flag": "false"}},
			want: false,
		},
		{
			name: "string true output is truthy",
			expr: "{flag.output}",
			ctx:  &EvalContext{StepOutputs: map[string]string{"flag": "true"}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if ctx == nil {
				ctx = &EvalContext{}
			}
			got, err := evaluateExpression(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_LegacyUnresolvedReferenceStaysLiteral(t *testing.T) {
	// An unresolved reference keeps its literal text, so comparing it against
	// itself holds and comparing against a real value does not.
	got, err := evaluateExpression("{ghost.output} == '{ghost.output}'", &EvalContext{})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evaluateExpression("{ghost.output} == 'approved'", &EvalContext{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluate_LegacyExpressionErrors(t *testing.T) {
	eval := NewConditionEvaluator(nil)
	ctx := conditionTestContext()

	tests := []struct {
		name string
		expr string
	}{
		{name: "unterminated string", expr: "'oops"},
		{name: "ordering on strings", expr: "'abc' > 'b'"},
		{name: "unsupported property", expr: "{check.output}.length == 8"},
		{name: "trailing garbage", expr: "true extra"},
		{name: "parseInt without digits", expr: "parseInt('px') == 0"},
		{name: "unterminated reference", expr: "{check.output == 'x'"},
		{name: "empty expression", expr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eval.Evaluate(&Condition{Expression: tt.expr}, ctx)
			assert.False(t, res.Result)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestEvalContextFromState(t *testing.T) {
	state := NewWorkflowState("t-9", "p-9", nil)
	state.MergeResult(&StepResult{ID: "s1", Status: StepStatusSuccess, Response: "done", SessionRef: "sess-1"})

	ctx := EvalContextFromState(state)
	require.NotNil(t, ctx)
	assert.Equal(t, "t-9", ctx.ThreadID)
	assert.Equal(t, "done", ctx.StepOutputs["s1"])
	assert.Equal(t, "sess-1", ctx.SessionRefs["s1"])
	assert.Equal(t, StepStatusSuccess, ctx.StepResults["s1"].Status)
}
