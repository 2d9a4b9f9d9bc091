package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stepflow-io/stepflow/core"
)

// RetryPolicy governs scheduler-level re-execution of a failed step. Waits
// grow exponentially from InitialWait up to MaxWait. A failure whose message
// contains a non-retryable marker is returned as-is.
type RetryPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Factor      float64
}

// DefaultRetryPolicy returns the standard step policy: two attempts, waits
// 1s then capped at 5s, factor 2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		InitialWait: time.Second,
		MaxWait:     5 * time.Second,
		Factor:      2,
	}
}

// singleAttemptPolicy disables scheduler retries for a node.
var singleAttemptPolicy = RetryPolicy{MaxAttempts: 1}

// nonRetryableMarkers are message substrings that identify failures where a
// retry cannot change the outcome.
var nonRetryableMarkers = []string{
	"validation failed",
	"invalid configuration",
	"unauthorized",
	"forbidden",
}

// Retryable reports whether a failure message is eligible for another
// attempt under this policy.
func (p RetryPolicy) Retryable(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// waits returns a fresh wait source for one step execution. Randomization is
// disabled so retry timing is deterministic.
func (p RetryPolicy) waits() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialWait
	bo.MaxInterval = p.MaxWait
	bo.Multiplier = p.Factor
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// conditionalEdge is the compiled form of a conditional step: it hangs off
// one dependency and routes to the true or false branch once that dependency
// reaches a terminal state. A dependency that did not succeed routes false
// without evaluating the condition.
type conditionalEdge struct {
	// id is the conditional step that produced this edge.
	id          string
	source      string
	condition   *Condition
	trueBranch  string
	falseBranch string
}

// branchEnd is the branch value that routes nowhere.
const branchEnd = "end"

// CompiledWorkflow is the validated, executable form of a step list.
// Conditional steps are kept in Steps for state and visualization but exist
// in the graph only as edges; every other step is a DAG node.
type CompiledWorkflow struct {
	// Steps is the normalized step list in declaration order, conditional
	// steps included.
	Steps []WorkflowStep

	// Retry is the policy applied to retryable nodes.
	Retry RetryPolicy

	dag           *workflowDAG
	edgesBySource map[string][]conditionalEdge
	edgeCounts    map[string]int // edges remaining per conditional id
}

// node returns the DAG node for an executable step id, or nil.
func (c *CompiledWorkflow) node(id string) *dagNode {
	return c.dag.node(id)
}

// edgesFor returns the conditional edges hanging off the given source step.
func (c *CompiledWorkflow) edgesFor(source string) []conditionalEdge {
	return c.edgesBySource[source]
}

// executableIDs returns the DAG node ids in declaration order.
func (c *CompiledWorkflow) executableIDs() []string {
	return c.dag.order
}

// conditionalIDs returns the ids of conditional steps in declaration order.
func (c *CompiledWorkflow) conditionalIDs() []string {
	ids := make([]string, 0, len(c.edgeCounts))
	for i := range c.Steps {
		if c.Steps[i].EffectiveKind() == StepKindConditional {
			ids = append(ids, c.Steps[i].ID)
		}
	}
	return ids
}

// retryFor returns the policy for one step. Webhook delivery carries its own
// three-attempt policy, a human step re-run would open a second approval, and
// container steps would re-run children that already retried individually;
// those nodes run once.
func (c *CompiledWorkflow) retryFor(step *WorkflowStep) RetryPolicy {
	switch step.EffectiveKind() {
	case StepKindWebhook, StepKindHuman, StepKindParallel, StepKindLoop:
		return singleAttemptPolicy
	}
	return c.Retry
}

// NormalizeSteps assigns ids to steps that lack one, using the step's list
// position. When a generated id collides with a declared one the index is
// advanced until it is free.
func NormalizeSteps(steps []WorkflowStep) []WorkflowStep {
	out := append([]WorkflowStep(nil), steps...)
	taken := make(map[string]bool, len(out))
	for i := range out {
		if id := strings.TrimSpace(out[i].ID); id != "" {
			taken[id] = true
		}
	}
	for i := range out {
		out[i].ID = strings.TrimSpace(out[i].ID)
		if out[i].ID != "" {
			continue
		}
		idx := i
		id := fmt.Sprintf("step-%d", idx)
		for taken[id] {
			idx++
			id = fmt.Sprintf("step-%d", idx)
		}
		out[i].ID = id
		taken[id] = true
	}
	return out
}

// Builder validates step lists and compiles them into executable workflows.
type Builder struct {
	logger core.Logger
	retry  RetryPolicy
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the builder logger.
func WithBuilderLogger(logger core.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRetryPolicy overrides the default step retry policy.
func WithRetryPolicy(policy RetryPolicy) BuilderOption {
	return func(b *Builder) {
		if policy.MaxAttempts > 0 {
			b.retry = policy
		}
	}
}

// NewBuilder creates a workflow builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		logger: &core.NoOpLogger{},
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if cl, ok := b.logger.(core.ComponentAwareLogger); ok {
		b.logger = cl.WithComponent("engine/builder")
	}
	return b
}

// Build validates the normalized steps and compiles the executable graph.
// Shape problems (missing fields, unknown kinds, duplicate ids) surface as
// ValidationError; unbuildable dependency closures (dangling references,
// cycles) surface as InvalidWorkflowError.
func (b *Builder) Build(steps []WorkflowStep) (*CompiledWorkflow, error) {
	if len(steps) == 0 {
		return nil, &ValidationError{Field: "workflow", Reason: "workflow has no steps"}
	}

	byID := make(map[string]*WorkflowStep, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("step at index %d has no id", i)}
		}
		if !validStepKinds[step.EffectiveKind()] {
			return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("step %s has unknown type %q", step.ID, step.Kind)}
		}
		if _, dup := byID[step.ID]; dup {
			return nil, &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate step id %s", step.ID)}
		}
		byID[step.ID] = step
	}

	if err := b.validateSteps(steps, byID); err != nil {
		return nil, err
	}

	// Replace dependencies on conditional steps with the conditional's own
	// dependencies so conditionals never appear as graph vertices.
	resolvedDeps := make(map[string][]string, len(steps))
	for i := range steps {
		deps, err := resolveDeps(&steps[i], byID, nil)
		if err != nil {
			return nil, err
		}
		resolvedDeps[steps[i].ID] = deps
	}

	edgesBySource, edgeCounts, err := b.compileEdges(steps, byID, resolvedDeps)
	if err != nil {
		return nil, err
	}

	if err := rejectCycles(steps, resolvedDeps, edgesBySource); err != nil {
		return nil, err
	}

	dag := newWorkflowDAG()
	for i := range steps {
		step := &steps[i]
		if step.EffectiveKind() == StepKindConditional {
			continue
		}
		copied := *step
		dag.add(&copied)
		dag.node(step.ID).deps = resolvedDeps[step.ID]
	}
	dag.link()
	dag.computeDepths()

	// Gate branch targets and pull them below their routing sources so the
	// frontier ordering reflects when they can actually run.
	for source, edges := range edgesBySource {
		sourceDepth := 0
		if n := dag.node(source); n != nil {
			sourceDepth = n.depth
		}
		for _, edge := range edges {
			for _, target := range []string{edge.trueBranch, edge.falseBranch} {
				if target == branchEnd || target == "" {
					continue
				}
				node := dag.node(target)
				if node == nil {
					continue
				}
				node.gates++
				if node.depth <= sourceDepth {
					node.depth = sourceDepth + 1
				}
			}
		}
	}

	// Claim parallel children so the frontier skips them; the owning block
	// drives them through the scheduler.
	for i := range steps {
		step := &steps[i]
		if step.EffectiveKind() != StepKindParallel {
			continue
		}
		for _, childID := range step.ParallelSteps {
			child := dag.node(childID)
			if child.parallelParent != "" {
				return nil, &InvalidWorkflowError{Reason: fmt.Sprintf("step %s belongs to parallel blocks %s and %s", childID, child.parallelParent, step.ID)}
			}
			if child.gates > 0 {
				return nil, &InvalidWorkflowError{Reason: fmt.Sprintf("step %s cannot be both a parallel child and a conditional branch target", childID)}
			}
			child.parallelParent = step.ID
		}
	}

	compiled := &CompiledWorkflow{
		Steps:         steps,
		Retry:         b.retry,
		dag:           dag,
		edgesBySource: edgesBySource,
		edgeCounts:    edgeCounts,
	}

	b.logger.Debug("Workflow compiled", map[string]interface{}{
		"operation":    "workflow_build",
		"steps":        len(steps),
		"nodes":        len(dag.order),
		"conditionals": len(edgeCounts),
	})
	return compiled, nil
}

// validateSteps applies per-kind shape checks.
func (b *Builder) validateSteps(steps []WorkflowStep, byID map[string]*WorkflowStep) error {
	for i := range steps {
		step := &steps[i]

		for _, dep := range step.Deps {
			if _, ok := byID[dep]; !ok {
				return &InvalidWorkflowError{Reason: fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep)}
			}
			if dep == step.ID {
				return &InvalidWorkflowError{Reason: fmt.Sprintf("step %s depends on itself", step.ID)}
			}
		}

		switch step.EffectiveKind() {
		case StepKindAgent, StepKindMock:
			if strings.TrimSpace(step.Task) == "" {
				return &ValidationError{Field: "task", Reason: fmt.Sprintf("step %s requires a task", step.ID)}
			}
		case StepKindConditional:
			if step.Condition == nil {
				return &ValidationError{Field: "condition", Reason: fmt.Sprintf("conditional step %s has no condition", step.ID)}
			}
			if len(step.Deps) == 0 {
				return &InvalidWorkflowError{Reason: fmt.Sprintf("conditional step %s has no dependencies to route from", step.ID)}
			}
			if step.TrueBranch == "" && step.FalseBranch == "" {
				return &ValidationError{Field: "trueBranch", Reason: fmt.Sprintf("conditional step %s routes nowhere: set trueBranch or falseBranch", step.ID)}
			}
			for _, branch := range []string{step.TrueBranch, step.FalseBranch} {
				if branch == "" || branch == branchEnd {
					continue
				}
				target, ok := byID[branch]
				if !ok {
					return &InvalidWorkflowError{Reason: fmt.Sprintf("conditional step %s routes to unknown step %s", step.ID, branch)}
				}
				if target.EffectiveKind() == StepKindConditional {
					return &InvalidWorkflowError{Reason: fmt.Sprintf("conditional step %s routes to conditional %s: branches must name executable steps or %q", step.ID, branch, branchEnd)}
				}
			}
		case StepKindParallel:
			if len(step.ParallelSteps) == 0 {
				return &ValidationError{Field: "parallelSteps", Reason: fmt.Sprintf("parallel step %s has no child steps", step.ID)}
			}
			declared := make(map[string]bool, len(step.Deps))
			for _, dep := range step.Deps {
				declared[dep] = true
			}
			for _, childID := range step.ParallelSteps {
				child, ok := byID[childID]
				if !ok {
					return &InvalidWorkflowError{Reason: fmt.Sprintf("parallel step %s references unknown step %s", step.ID, childID)}
				}
				if childID == step.ID {
					return &InvalidWorkflowError{Reason: fmt.Sprintf("parallel step %s cannot contain itself", step.ID)}
				}
				if child.EffectiveKind() == StepKindConditional {
					return &InvalidWorkflowError{Reason: fmt.Sprintf("parallel step %s cannot contain conditional %s", step.ID, childID)}
				}
				for _, childDep := range child.Deps {
					if !declared[childDep] {
						return &InvalidWorkflowError{Reason: fmt.Sprintf("parallel child %s depends on %s, which %s does not wait for", childID, childDep, step.ID)}
					}
				}
			}
		case StepKindWebhook:
			if strings.TrimSpace(step.URL) == "" {
				return &ValidationError{Field: "url", Reason: fmt.Sprintf("webhook step %s requires a url", step.ID)}
			}
		case StepKindJavaScript:
			if strings.TrimSpace(step.Script) == "" && strings.TrimSpace(step.Task) == "" {
				return &ValidationError{Field: "script", Reason: fmt.Sprintf("javascript step %s requires a script or task", step.ID)}
			}
		case StepKindHuman:
			if step.TimeoutBehavior != "" {
				switch step.TimeoutBehavior {
				case TimeoutFail, TimeoutAutoApprove, TimeoutInfinite:
				default:
					return &ValidationError{Field: "timeoutBehavior", Reason: fmt.Sprintf("step %s has unknown timeoutBehavior %q", step.ID, step.TimeoutBehavior)}
				}
			}
			if step.RiskLevel != "" && !ValidRiskLevel(step.RiskLevel) {
				return &ValidationError{Field: "riskLevel", Reason: fmt.Sprintf("step %s has unknown riskLevel %q", step.ID, step.RiskLevel)}
			}
		}
	}
	return nil
}

// resolveDeps maps a step's declared dependencies onto executable steps,
// flattening any dependency that names a conditional into that conditional's
// own dependencies. visiting guards against conditional-only cycles, which
// would otherwise never terminate.
func resolveDeps(step *WorkflowStep, byID map[string]*WorkflowStep, visiting map[string]bool) ([]string, error) {
	out := make([]string, 0, len(step.Deps))
	seen := make(map[string]bool, len(step.Deps))
	for _, dep := range step.Deps {
		target := byID[dep]
		if target.EffectiveKind() != StepKindConditional {
			if !seen[dep] {
				out = append(out, dep)
				seen[dep] = true
			}
			continue
		}
		if visiting == nil {
			visiting = map[string]bool{step.ID: true}
		}
		if visiting[dep] {
			return nil, &InvalidWorkflowError{Reason: fmt.Sprintf("dependency cycle through conditional %s", dep)}
		}
		visiting[dep] = true
		flattened, err := resolveDeps(target, byID, visiting)
		if err != nil {
			return nil, err
		}
		delete(visiting, dep)
		for _, inner := range flattened {
			if !seen[inner] {
				out = append(out, inner)
				seen[inner] = true
			}
		}
	}
	return out, nil
}

// compileEdges turns each conditional step into one edge per resolved
// dependency.
func (b *Builder) compileEdges(steps []WorkflowStep, byID map[string]*WorkflowStep, resolvedDeps map[string][]string) (map[string][]conditionalEdge, map[string]int, error) {
	edgesBySource := make(map[string][]conditionalEdge)
	edgeCounts := make(map[string]int)
	for i := range steps {
		step := &steps[i]
		if step.EffectiveKind() != StepKindConditional {
			continue
		}
		sources := resolvedDeps[step.ID]
		if len(sources) == 0 {
			return nil, nil, &InvalidWorkflowError{Reason: fmt.Sprintf("conditional step %s resolves to no executable dependencies", step.ID)}
		}
		for _, source := range sources {
			edgesBySource[source] = append(edgesBySource[source], conditionalEdge{
				id:          step.ID,
				source:      source,
				condition:   step.Condition,
				trueBranch:  step.TrueBranch,
				falseBranch: step.FalseBranch,
			})
			edgeCounts[step.ID]++
		}
	}
	return edgesBySource, edgeCounts, nil
}

// rejectCycles runs cycle detection over dependency edges, conditional
// routing edges, and parallel ownership edges.
func rejectCycles(steps []WorkflowStep, resolvedDeps map[string][]string, edgesBySource map[string][]conditionalEdge) error {
	adjacency := make(map[string][]string, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.EffectiveKind() == StepKindConditional {
			continue
		}
		if _, ok := adjacency[step.ID]; !ok {
			adjacency[step.ID] = nil
		}
		for _, dep := range resolvedDeps[step.ID] {
			adjacency[dep] = append(adjacency[dep], step.ID)
		}
		if step.EffectiveKind() == StepKindParallel {
			adjacency[step.ID] = append(adjacency[step.ID], step.ParallelSteps...)
		}
	}
	for source, edges := range edgesBySource {
		for _, edge := range edges {
			for _, target := range []string{edge.trueBranch, edge.falseBranch} {
				if target == "" || target == branchEnd {
					continue
				}
				adjacency[source] = append(adjacency[source], target)
			}
		}
	}
	if cycle := detectCycle(adjacency); cycle != nil {
		return &InvalidWorkflowError{Reason: fmt.Sprintf("dependency cycle: %s", cycleString(cycle))}
	}
	return nil
}
