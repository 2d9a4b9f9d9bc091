package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeByID(t *testing.T, g *Graph, id string) *GraphNode {
	t.Helper()
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	t.Fatalf("node %s not in graph", id)
	return nil
}

func edgeByID(t *testing.T, g *Graph, id string) *GraphEdge {
	t.Helper()
	for i := range g.Edges {
		if g.Edges[i].ID == id {
			return &g.Edges[i]
		}
	}
	t.Fatalf("edge %s not in graph", id)
	return nil
}

func TestBuildGraph_NilState(t *testing.T) {
	g := BuildGraph(nil, nil, false)
	require.NotNil(t, g)
	assert.NotNil(t, g.Nodes)
	assert.Empty(t, g.Nodes)
	assert.NotNil(t, g.Edges)
	require.NotNil(t, g.Execution)
	assert.Empty(t, g.Execution.Path)
	assert.Empty(t, g.Execution.ResumePoints)
}

func TestBuildGraph_FullLayout(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)
	at := func(offset int) time.Time { return base.Add(time.Duration(offset) * time.Second) }

	state := NewWorkflowState("thread-g", "", []WorkflowStep{
		{ID: "research", Kind: StepKindMock, Task: "Research options"},
		{ID: "build", Kind: StepKindMock, Task: "Build it", Deps: []string{"research"}},
		{ID: "gate", Kind: StepKindConditional, Deps: []string{"build"}, Condition: &Condition{Expression: "{build.output}.includes('ok')"}, TrueBranch: "ship", FalseBranch: "end"},
		{ID: "ship", Kind: StepKindMock, Task: "Ship it"},
		{ID: "fanout", Kind: StepKindLoop, Deps: []string{"research"}, Items: []string{"a", "b", "c"}, MaxIterations: 2},
	})
	state.StepResults = map[string]*StepResult{
		"research": {ID: "research", Status: StepStatusSuccess, Response: "research output ok", SessionRef: "sess-1", StartTime: at(0), EndTime: at(1)},
		"build":    {ID: "build", Status: StepStatusSuccess, Response: "built ok", StartTime: at(1), EndTime: at(2)},
		"gate":     {ID: "gate", Status: StepStatusSkipped, Response: "Condition evaluated to true; routed to ship", EndTime: at(2)},
		"fanout":   {ID: "fanout", Status: StepStatusSuccess, Response: "Loop completed: a, b", StartTime: at(2), EndTime: at(3)},
		"ship":     {ID: "ship", Status: StepStatusSuccess, Response: "shipped", StartTime: at(3), EndTime: at(4)},
	}
	state.Status = WorkflowStatusCompleted
	done := at(5)
	state.CompletedAt = &done

	g := BuildGraph(state, nil, false)
	require.Len(t, g.Nodes, 5)

	// One row per dependency depth, columns in declaration order. The branch
	// target hangs below the conditional that routes to it.
	research := nodeByID(t, g, "research")
	assert.Equal(t, GraphPosition{X: 60, Y: 60}, research.Position)
	assert.Equal(t, "step", research.Type)
	assert.Equal(t, "completed", research.Data.Status)
	assert.Equal(t, "research output ok", research.Data.Output)
	assert.Equal(t, "sess-1", research.Data.SessionID)
	require.NotNil(t, research.Data.StartTime)
	require.NotNil(t, research.Data.EndTime)

	assert.Equal(t, GraphPosition{X: 60, Y: 200}, nodeByID(t, g, "build").Position)

	gate := nodeByID(t, g, "gate")
	assert.Equal(t, GraphPosition{X: 60, Y: 340}, gate.Position)
	assert.Equal(t, "operator", gate.Type)
	assert.Equal(t, "{build.output}.includes('ok')", gate.Data.Task)
	assert.Equal(t, "skipped", gate.Data.Status)

	assert.Equal(t, GraphPosition{X: 60, Y: 480}, nodeByID(t, g, "ship").Position)

	fanout := nodeByID(t, g, "fanout")
	assert.Equal(t, GraphPosition{X: 320, Y: 200}, fanout.Position)
	assert.Equal(t, 2, fanout.Data.IterationCount, "max iterations caps the advertised count")

	// The false branch routes to end, so only four edges render.
	require.Len(t, g.Edges, 4)
	assert.True(t, edgeByID(t, g, "e-research-build").Animated)
	assert.Equal(t, "dependency", edgeByID(t, g, "e-research-build").Type)
	assert.True(t, edgeByID(t, g, "e-research-fanout").Animated)
	assert.False(t, edgeByID(t, g, "e-build-gate").Animated, "a skipped target is not a traversal")

	branch := edgeByID(t, g, "e-gate-ship")
	assert.Equal(t, "conditional", branch.Type)
	assert.True(t, branch.Animated)
	require.NotNil(t, branch.Data)
	assert.Equal(t, "true", branch.Data.Label)
	assert.Equal(t, "{build.output}.includes('ok')", branch.Data.Condition)

	require.NotNil(t, g.Execution)
	assert.Equal(t, []string{"research", "build", "fanout", "ship"}, g.Execution.Path, "skipped steps stay off the path")
	assert.Empty(t, g.Execution.ResumePoints)
	assert.Equal(t, state.StartedAt, g.Execution.StartTime)
	require.NotNil(t, g.Execution.EndTime)
}

func TestBuildGraph_RegistryOverlay(t *testing.T) {
	started := time.Now().UTC().Truncate(time.Second)
	state := NewWorkflowState("thread-g", "", []WorkflowStep{
		{ID: "a", Kind: StepKindMock, Task: "one"},
		{ID: "b", Kind: StepKindMock, Task: "two", Deps: []string{"a"}},
		{ID: "c", Kind: StepKindMock, Task: "three", Deps: []string{"b"}},
	})
	state.StepResults["a"] = &StepResult{ID: "a", Status: StepStatusSuccess, Response: "done", EndTime: started}

	entry := &RegistryEntry{
		ThreadID: "thread-g",
		Status:   WorkflowStatusRunning,
		Steps: []RegistryStep{
			{ID: "a", Status: RegistryStepCompleted},
			{ID: "b", Status: RegistryStepRunning, StartedAt: &started},
		},
	}

	g := BuildGraph(state, entry, false)

	// Registry lines fill in live progress for steps without a result yet.
	b := nodeByID(t, g, "b")
	assert.Equal(t, "running", b.Data.Status)
	require.NotNil(t, b.Data.StartTime)
	assert.Equal(t, started, *b.Data.StartTime)
	assert.Equal(t, "pending", nodeByID(t, g, "c").Data.Status)

	assert.True(t, edgeByID(t, g, "e-a-b").Animated)
	assert.False(t, edgeByID(t, g, "e-b-c").Animated)

	assert.Equal(t, "b", g.Execution.CurrentNode)
	assert.Equal(t, []string{"a"}, g.Execution.Path)
}

func TestBuildGraph_TerminalStateMarksUnreached(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)
	state := NewWorkflowState("thread-g", "", []WorkflowStep{
		{ID: "a", Kind: StepKindMock, Task: "one"},
		{ID: "b", Kind: StepKindMock, Task: "two", Deps: []string{"a"}},
		{ID: "c", Kind: StepKindMock, Task: "three", Deps: []string{"b"}},
	})
	state.StepResults["a"] = &StepResult{ID: "a", Status: StepStatusSuccess, Response: "done", EndTime: base}
	state.StepResults["b"] = &StepResult{ID: "b", Status: StepStatusFailed, Error: "boom", EndTime: base.Add(time.Second)}
	state.Status = WorkflowStatusFailed
	done := base.Add(2 * time.Second)
	state.CompletedAt = &done

	g := BuildGraph(state, nil, false)

	assert.Equal(t, "failed", nodeByID(t, g, "b").Data.Status)
	assert.Equal(t, "boom", nodeByID(t, g, "b").Data.Error)
	assert.Equal(t, "not_executed", nodeByID(t, g, "c").Data.Status)

	assert.Equal(t, []string{"a", "b"}, g.Execution.Path)
	assert.Equal(t, []string{"b"}, g.Execution.ResumePoints)
	require.NotNil(t, g.Execution.EndTime)
}

func TestBuildGraph_Consolidated(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Second)
	at := func(offset int) time.Time { return base.Add(time.Duration(offset) * time.Second) }

	state := NewWorkflowState("thread-g", "", []WorkflowStep{
		{ID: "design", Role: "architect", Task: "Design the system"},
		{ID: "implement", Role: "developer", Task: "Implement the system", Deps: []string{"design"}},
		{ID: "review", Role: "reviewer", Task: "Review the changes", Deps: []string{"implement"}},
		{ID: "fix", Role: "engineer", Task: "Fix findings", Deps: []string{"review"}},
		{ID: "recheck", Role: "qa", Task: "Re-check the fix", Deps: []string{"fix"}},
	})
	for i, id := range []string{"design", "implement", "review", "fix", "recheck"} {
		state.StepResults[id] = &StepResult{ID: id, Status: StepStatusSuccess, Response: "done", EndTime: at(i)}
	}
	state.Status = WorkflowStatusCompleted
	done := at(6)
	state.CompletedAt = &done

	g := BuildGraph(state, nil, true)

	// Steps collapse into at most three role nodes.
	require.Len(t, g.Nodes, 3)
	dev := nodeByID(t, g, "developer")
	assert.Equal(t, "Developer", dev.Data.Role)
	assert.Equal(t, 2, dev.Data.IterationCount)
	assert.Equal(t, "Implement the system", dev.Data.Task)
	assert.Equal(t, "completed", dev.Data.Status)
	assert.Equal(t, GraphPosition{X: 60, Y: 60}, dev.Position)

	rev := nodeByID(t, g, "reviewer")
	assert.Equal(t, 2, rev.Data.IterationCount)
	assert.Equal(t, GraphPosition{X: 320, Y: 60}, rev.Position)

	op := nodeByID(t, g, "operator")
	assert.Equal(t, 1, op.Data.IterationCount)
	assert.Equal(t, GraphPosition{X: 580, Y: 60}, op.Position)

	require.Len(t, g.Edges, 3)
	assert.Equal(t, "dependency", edgeByID(t, g, "e-operator-developer").Type)
	assert.Nil(t, edgeByID(t, g, "e-operator-developer").Data)

	forward := edgeByID(t, g, "e-developer-reviewer")
	assert.Equal(t, "dependency", forward.Type)
	require.NotNil(t, forward.Data)
	assert.Equal(t, 2, forward.Data.Iterations, "repeated hand-offs aggregate onto one edge")

	// The reverse transition renders as an animated loop edge.
	back := edgeByID(t, g, "e-reviewer-developer")
	assert.Equal(t, "loop", back.Type)
	assert.True(t, back.Animated)
	require.NotNil(t, back.Data)
	assert.Equal(t, 1, back.Data.Iterations)

	require.Len(t, g.Execution.Loops, 1)
	assert.Equal(t, GraphLoop{From: "Developer", To: "Reviewer", Iterations: 2}, g.Execution.Loops[0])
}

func TestConditionLabel(t *testing.T) {
	assert.Empty(t, conditionLabel(nil))
	assert.Equal(t, "{a.output}.includes('x')", conditionLabel(&Condition{Expression: "{a.output}.includes('x')"}))

	structured := &Condition{
		Version: "2.0",
		RootGroup: &ConditionGroup{
			Combinator: CombinatorAnd,
			Rules:      []ConditionRule{{}, {}},
			Groups:     []*ConditionGroup{{Combinator: CombinatorOr, Rules: []ConditionRule{{}}}},
		},
	}
	assert.Equal(t, "3 rules (AND)", conditionLabel(structured))

	orGroup := &Condition{RootGroup: &ConditionGroup{Combinator: CombinatorOr, Rules: []ConditionRule{{}}}}
	assert.Equal(t, "1 rules (OR)", conditionLabel(orGroup))
}

func TestRoleBucket(t *testing.T) {
	cases := []struct {
		step WorkflowStep
		want string
	}{
		{WorkflowStep{ID: "s", Role: "developer"}, "Developer"},
		{WorkflowStep{ID: "s", Role: "Build-Agent"}, "Developer"},
		{WorkflowStep{ID: "s", Role: "code-reviewer"}, "Reviewer"},
		{WorkflowStep{ID: "s", Role: "QA Lead"}, "Reviewer"},
		{WorkflowStep{ID: "s", Role: "product"}, "Operator"},
		{WorkflowStep{ID: "s", AgentRef: "test-runner"}, "Reviewer"},
		{WorkflowStep{ID: "s"}, "Operator"},
	}
	for _, tc := range cases {
		step := tc.step
		assert.Equalf(t, tc.want, roleBucket(&step), "role=%q agentRef=%q", tc.step.Role, tc.step.AgentRef)
	}
}
