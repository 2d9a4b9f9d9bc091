package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Graph is the visualization contract consumed by UIs: nodes positioned for
// rendering, typed edges, and an execution overlay. Output ordering is
// deterministic for a given state so polling clients can diff snapshots.
type Graph struct {
	Nodes     []GraphNode     `json:"nodes"`
	Edges     []GraphEdge     `json:"edges"`
	Execution *GraphExecution `json:"execution"`
}

// GraphNode renders one step. Conditional steps appear as operator nodes.
type GraphNode struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"` // step|operator
	Data     GraphNodeData `json:"data"`
	Position GraphPosition `json:"position"`
}

// GraphNodeData carries the step's definition and live progress.
type GraphNodeData struct {
	AgentID        string     `json:"agentId,omitempty"`
	Role           string     `json:"role,omitempty"`
	Task           string     `json:"task"`
	Status         string     `json:"status"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Output         string     `json:"output,omitempty"`
	Error          string     `json:"error,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	IterationCount int        `json:"iterationCount,omitempty"`
}

// GraphPosition is a canvas coordinate.
type GraphPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// GraphEdge connects two nodes.
type GraphEdge struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Type     string         `json:"type"` // dependency|conditional|loop
	Animated bool           `json:"animated"`
	Data     *GraphEdgeData `json:"data,omitempty"`
}

// GraphEdgeData annotates an edge.
type GraphEdgeData struct {
	Label      string `json:"label,omitempty"`
	Condition  string `json:"condition,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
}

// GraphLoop records a repeated role transition observed in the execution
// path, e.g. Developer and Reviewer handing work back and forth.
type GraphLoop struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Iterations int    `json:"iterations"`
}

// GraphExecution overlays live progress on the static graph.
type GraphExecution struct {
	Path         []string    `json:"path"`
	Loops        []GraphLoop `json:"loops"`
	CurrentNode  string      `json:"currentNode,omitempty"`
	ResumePoints []string    `json:"resumePoints"`
	StartTime    time.Time   `json:"startTime"`
	EndTime      *time.Time  `json:"endTime,omitempty"`
}

const (
	graphColumnWidth = 260
	graphRowHeight   = 140
	graphMargin      = 60

	roleDeveloper = "Developer"
	roleReviewer  = "Reviewer"
	roleOperator  = "Operator"
)

// BuildGraph renders the workflow state as graph JSON. entry is optional;
// when present its per-step lines fill in statuses for steps the state has
// no result for (pending vs running). Consolidated mode collapses steps into
// at most three role nodes with aggregated iteration counts.
func BuildGraph(state *WorkflowState, entry *RegistryEntry, consolidate bool) *Graph {
	if state == nil {
		return &Graph{Nodes: []GraphNode{}, Edges: []GraphEdge{}, Execution: &GraphExecution{Path: []string{}, Loops: []GraphLoop{}, ResumePoints: []string{}}}
	}
	if consolidate {
		return buildConsolidatedGraph(state, entry)
	}
	return buildFullGraph(state, entry)
}

func buildFullGraph(state *WorkflowState, entry *RegistryEntry) *Graph {
	depths := stepDepths(state.Steps)

	// Row-major layout: one row per dependency depth, columns in
	// declaration order within the row.
	columns := make(map[int]int)
	nodes := make([]GraphNode, 0, len(state.Steps))
	for i := range state.Steps {
		step := &state.Steps[i]
		depth := depths[step.ID]
		col := columns[depth]
		columns[depth] = col + 1

		nodeType := "step"
		if step.EffectiveKind() == StepKindConditional {
			nodeType = "operator"
		}
		nodes = append(nodes, GraphNode{
			ID:   step.ID,
			Type: nodeType,
			Data: nodeData(state, entry, step),
			Position: GraphPosition{
				X: graphMargin + col*graphColumnWidth,
				Y: graphMargin + depth*graphRowHeight,
			},
		})
	}

	edges := make([]GraphEdge, 0, len(state.Steps))
	for i := range state.Steps {
		step := &state.Steps[i]
		for _, dep := range step.Deps {
			if state.Step(dep) == nil {
				continue
			}
			edges = append(edges, GraphEdge{
				ID:       fmt.Sprintf("e-%s-%s", dep, step.ID),
				Source:   dep,
				Target:   step.ID,
				Type:     "dependency",
				Animated: edgeTraversed(state, entry, dep, step.ID),
			})
		}
		if step.EffectiveKind() != StepKindConditional {
			continue
		}
		label := conditionLabel(step.Condition)
		for _, branch := range []struct {
			target string
			taken  string
		}{{step.TrueBranch, "true"}, {step.FalseBranch, "false"}} {
			if branch.target == "" || branch.target == branchEnd || state.Step(branch.target) == nil {
				continue
			}
			edges = append(edges, GraphEdge{
				ID:       fmt.Sprintf("e-%s-%s", step.ID, branch.target),
				Source:   step.ID,
				Target:   branch.target,
				Type:     "conditional",
				Animated: edgeTraversed(state, entry, step.ID, branch.target),
				Data:     &GraphEdgeData{Label: branch.taken, Condition: label},
			})
		}
	}

	return &Graph{Nodes: nodes, Edges: edges, Execution: buildExecution(state, entry)}
}

// buildConsolidatedGraph groups steps into Developer, Reviewer, and Operator
// nodes. Iteration counts replace per-step fan-out, and repeated transitions
// between groups render as loop edges.
func buildConsolidatedGraph(state *WorkflowState, entry *RegistryEntry) *Graph {
	order := []string{roleDeveloper, roleReviewer, roleOperator}
	grouped := make(map[string][]*WorkflowStep)
	for i := range state.Steps {
		step := &state.Steps[i]
		bucket := roleBucket(step)
		grouped[bucket] = append(grouped[bucket], step)
	}

	nodes := make([]GraphNode, 0, len(order))
	col := 0
	for _, bucket := range order {
		steps := grouped[bucket]
		if len(steps) == 0 {
			continue
		}
		nodes = append(nodes, GraphNode{
			ID:   strings.ToLower(bucket),
			Type: "step",
			Data: GraphNodeData{
				Role:           bucket,
				Task:           consolidatedTask(steps),
				Status:         aggregateStatus(state, entry, steps),
				IterationCount: len(steps),
			},
			Position: GraphPosition{X: graphMargin + col*graphColumnWidth, Y: graphMargin},
		})
		col++
	}

	// Transitions between groups, in dependency order. Forward repeats
	// aggregate onto one edge; a transition that reverses an earlier one is
	// a loop edge.
	type transition struct{ source, target string }
	counts := make(map[transition]int)
	var firstSeen []transition
	for i := range state.Steps {
		step := &state.Steps[i]
		target := strings.ToLower(roleBucket(step))
		for _, dep := range step.Deps {
			depStep := state.Step(dep)
			if depStep == nil {
				continue
			}
			source := strings.ToLower(roleBucket(depStep))
			if source == target {
				continue
			}
			t := transition{source, target}
			if counts[t] == 0 {
				firstSeen = append(firstSeen, t)
			}
			counts[t]++
		}
	}

	edges := make([]GraphEdge, 0, len(firstSeen))
	seen := make(map[transition]bool)
	for _, t := range firstSeen {
		seen[t] = true
		edgeType := "dependency"
		if seen[transition{t.target, t.source}] {
			edgeType = "loop"
		}
		var data *GraphEdgeData
		if counts[t] > 1 || edgeType == "loop" {
			data = &GraphEdgeData{Iterations: counts[t]}
		}
		edges = append(edges, GraphEdge{
			ID:       fmt.Sprintf("e-%s-%s", t.source, t.target),
			Source:   t.source,
			Target:   t.target,
			Type:     edgeType,
			Animated: edgeType == "loop",
			Data:     data,
		})
	}

	return &Graph{Nodes: nodes, Edges: edges, Execution: buildExecution(state, entry)}
}

func nodeData(state *WorkflowState, entry *RegistryEntry, step *WorkflowStep) GraphNodeData {
	data := GraphNodeData{
		AgentID: step.AgentRef,
		Role:    step.Role,
		Task:    nodeTask(step),
		Status:  nodeStatus(state, entry, step.ID),
	}
	if step.EffectiveKind() == StepKindLoop {
		data.IterationCount = len(step.Items)
		if step.MaxIterations > 0 && step.MaxIterations < data.IterationCount {
			data.IterationCount = step.MaxIterations
		}
	}
	if res := state.StepResults[step.ID]; res != nil {
		if !res.StartTime.IsZero() {
			start := res.StartTime
			data.StartTime = &start
		}
		if !res.EndTime.IsZero() {
			end := res.EndTime
			data.EndTime = &end
		}
		data.Output = truncateForLog(res.Response, eventOutputLimit)
		data.Error = res.Error
		data.SessionID = res.SessionRef
		return data
	}
	if entry != nil {
		if line := entry.Step(step.ID); line != nil {
			data.StartTime = line.StartedAt
			data.EndTime = line.CompletedAt
			data.Error = line.Error
			data.SessionID = line.SessionRef
		}
	}
	return data
}

// nodeTask picks the most descriptive definition field per step kind.
func nodeTask(step *WorkflowStep) string {
	switch step.EffectiveKind() {
	case StepKindConditional:
		return conditionLabel(step.Condition)
	case StepKindHuman:
		if step.Prompt != "" {
			return step.Prompt
		}
	case StepKindWebhook:
		if step.Task == "" {
			return step.URL
		}
	}
	return step.Task
}

func nodeStatus(state *WorkflowState, entry *RegistryEntry, stepID string) string {
	if res := state.StepResults[stepID]; res != nil {
		return RegistryStepStatusFor(res.Status)
	}
	if entry != nil {
		if line := entry.Step(stepID); line != nil && line.Status != "" {
			return line.Status
		}
	}
	if state.Status.IsTerminal() {
		return RegistryStepNotExecuted
	}
	return RegistryStepPending
}

// edgeTraversed reports whether execution flowed across the edge: the source
// finished and the target started or settled with a non-skip status.
func edgeTraversed(state *WorkflowState, entry *RegistryEntry, source, target string) bool {
	if state.StepResults[source] == nil {
		return false
	}
	status := nodeStatus(state, entry, target)
	switch status {
	case RegistryStepRunning, RegistryStepCompleted, RegistryStepFailed, RegistryStepAborted, RegistryStepBlocked:
		return true
	}
	return false
}

// buildExecution derives the execution overlay: the settled path in finish
// order, detected role loops, the running node, and resume candidates.
func buildExecution(state *WorkflowState, entry *RegistryEntry) *GraphExecution {
	type finished struct {
		id  string
		end time.Time
	}
	var ran []finished
	resumePoints := make([]string, 0, 2)
	for i := range state.Steps {
		id := state.Steps[i].ID
		res := state.StepResults[id]
		if res == nil {
			continue
		}
		switch res.Status {
		case StepStatusSkipped, StepStatusNotExecuted:
			continue
		case StepStatusFailed, StepStatusAborted:
			resumePoints = append(resumePoints, id)
		}
		ran = append(ran, finished{id: id, end: res.EndTime})
	}
	sort.SliceStable(ran, func(i, j int) bool {
		if !ran[i].end.Equal(ran[j].end) {
			return ran[i].end.Before(ran[j].end)
		}
		return ran[i].id < ran[j].id
	})
	sort.Strings(resumePoints)

	path := make([]string, 0, len(ran))
	for _, f := range ran {
		path = append(path, f.id)
	}

	exec := &GraphExecution{
		Path:         path,
		Loops:        detectLoops(state, path),
		ResumePoints: resumePoints,
		StartTime:    state.StartedAt,
		EndTime:      state.CompletedAt,
	}
	if entry != nil && entry.Status == WorkflowStatusRunning {
		for i := range entry.Steps {
			if entry.Steps[i].Status == RegistryStepRunning {
				exec.CurrentNode = entry.Steps[i].ID
				break
			}
		}
	}
	return exec
}

// detectLoops finds role transitions that repeat along the execution path.
// Two Developer to Reviewer hand-offs count as a two-iteration loop.
func detectLoops(state *WorkflowState, path []string) []GraphLoop {
	roles := make([]string, 0, len(path))
	for _, id := range path {
		step := state.Step(id)
		if step == nil {
			continue
		}
		bucket := roleBucket(step)
		if n := len(roles); n > 0 && roles[n-1] == bucket {
			continue
		}
		roles = append(roles, bucket)
	}

	type pair struct{ from, to string }
	counts := make(map[pair]int)
	var order []pair
	for i := 0; i+1 < len(roles); i++ {
		p := pair{roles[i], roles[i+1]}
		if counts[p] == 0 {
			order = append(order, p)
		}
		counts[p]++
	}

	loops := make([]GraphLoop, 0, 2)
	for _, p := range order {
		if counts[p] < 2 {
			continue
		}
		loops = append(loops, GraphLoop{From: p.from, To: p.to, Iterations: counts[p]})
	}
	return loops
}

// roleBucket maps a step onto the three consolidated groups.
func roleBucket(step *WorkflowStep) string {
	role := strings.ToLower(step.Role)
	if role == "" {
		role = strings.ToLower(step.AgentRef)
	}
	switch {
	case strings.Contains(role, "dev"), strings.Contains(role, "engineer"),
		strings.Contains(role, "implement"), strings.Contains(role, "build"):
		return roleDeveloper
	case strings.Contains(role, "review"), strings.Contains(role, "test"),
		strings.Contains(role, "qa"), strings.Contains(role, "critic"):
		return roleReviewer
	default:
		return roleOperator
	}
}

func consolidatedTask(steps []*WorkflowStep) string {
	for _, step := range steps {
		if step.Task != "" {
			return step.Task
		}
	}
	return ""
}

// aggregateStatus reduces a group's step statuses to one display status,
// worst-first so a failing group never reads as completed.
func aggregateStatus(state *WorkflowState, entry *RegistryEntry, steps []*WorkflowStep) string {
	precedence := []string{
		RegistryStepRunning,
		RegistryStepFailed,
		RegistryStepAborted,
		RegistryStepBlocked,
	}
	statuses := make(map[string]int, len(steps))
	for _, step := range steps {
		statuses[nodeStatus(state, entry, step.ID)]++
	}
	for _, status := range precedence {
		if statuses[status] > 0 {
			return status
		}
	}
	if statuses[RegistryStepCompleted]+statuses[RegistryStepSkipped]+statuses[RegistryStepNotExecuted] == len(steps) && statuses[RegistryStepCompleted] > 0 {
		return RegistryStepCompleted
	}
	return RegistryStepPending
}

// stepDepths computes dependency depth for layout: a step sits one row below
// its deepest dependency, and a conditional's branch targets sit below it.
func stepDepths(steps []WorkflowStep) map[string]int {
	byID := make(map[string]*WorkflowStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	depths := make(map[string]int, len(steps))
	var visit func(id string, trail map[string]bool) int
	visit = func(id string, trail map[string]bool) int {
		if d, ok := depths[id]; ok {
			return d
		}
		if trail[id] {
			return 0
		}
		trail[id] = true
		defer delete(trail, id)

		step := byID[id]
		if step == nil {
			return 0
		}
		depth := 0
		for _, dep := range step.Deps {
			if byID[dep] == nil {
				continue
			}
			if d := visit(dep, trail) + 1; d > depth {
				depth = d
			}
		}
		depths[id] = depth
		return depth
	}
	for i := range steps {
		visit(steps[i].ID, map[string]bool{})
	}

	// Pull branch targets below the conditional that routes to them.
	for i := range steps {
		step := &steps[i]
		if step.EffectiveKind() != StepKindConditional {
			continue
		}
		for _, target := range []string{step.TrueBranch, step.FalseBranch} {
			if target == "" || target == branchEnd || byID[target] == nil {
				continue
			}
			if depths[target] <= depths[step.ID] {
				depths[target] = depths[step.ID] + 1
			}
		}
	}
	return depths
}

// conditionLabel renders a condition for display on an edge or node.
func conditionLabel(cond *Condition) string {
	switch {
	case cond == nil:
		return ""
	case cond.Expression != "":
		return cond.Expression
	case cond.IsStructured():
		return fmt.Sprintf("%d rules (%s)", countRules(cond.RootGroup), strings.ToUpper(string(combinatorOf(cond.RootGroup))))
	default:
		return ""
	}
}

func countRules(group *ConditionGroup) int {
	if group == nil {
		return 0
	}
	n := len(group.Rules)
	for _, sub := range group.Groups {
		n += countRules(sub)
	}
	return n
}

func combinatorOf(group *ConditionGroup) Combinator {
	if group == nil || group.Combinator == "" {
		return CombinatorAnd
	}
	return group.Combinator
}
