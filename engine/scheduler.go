package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/telemetry"
)

const (
	defaultParallelChildLimit = 5
	eventOutputLimit          = 2048
)

// AgentResolver pre-flights agent bindings at invoke time so a workflow that
// names an unknown role is rejected before any step runs.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, projectID string, step *WorkflowStep) (*core.AgentConfig, error)
}

// threadSink binds the event bus to one thread for executors.
type threadSink struct {
	bus      EventBus
	threadID string
}

func (s *threadSink) Emit(name string, data map[string]interface{}) {
	s.bus.Emit(context.Background(), name, s.threadID, data)
}

var _ EventSink = (*threadSink)(nil)

// Orchestrator drives compiled workflows to a terminal status. Each invoke
// owns its thread's state exclusively; executors receive snapshots and
// return results, and every transition is checkpointed before its events are
// published.
type Orchestrator struct {
	builder      *Builder
	executors    *ExecutorRegistry
	checkpointer Checkpointer
	registry     WorkflowRegistry
	bus          EventBus
	evaluator    *ConditionEvaluator
	aborts       *abortRegistry
	logger       core.Logger

	saved      SavedWorkflowStore
	resolver   AgentResolver
	useMock    bool
	perDep     bool
	childLimit int

	unsubscribeAbort func()
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the scheduler logger.
func WithOrchestratorLogger(logger core.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAgentResolver enables agent binding validation at invoke time.
func WithAgentResolver(resolver AgentResolver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.resolver = resolver
	}
}

// WithSavedWorkflows wires the store backing savedWorkflowId lookups.
func WithSavedWorkflows(store SavedWorkflowStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.saved = store
	}
}

// WithMockMode forces the mock executor for agent steps.
func WithMockMode(useMock bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.useMock = useMock
	}
}

// WithConditionalPerDep controls multi-dependency conditional routing: when
// true (the default) each dependency routes as it finishes; when false the
// condition is evaluated once after every dependency has finished.
func WithConditionalPerDep(perDep bool) OrchestratorOption {
	return func(o *Orchestrator) {
		o.perDep = perDep
	}
}

// WithParallelChildLimit caps concurrent parallel-block children per run.
func WithParallelChildLimit(limit int) OrchestratorOption {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.childLimit = limit
		}
	}
}

// NewOrchestrator creates a scheduler over the given stores and transports.
// It subscribes to abort broadcasts so an abort issued in another process
// cancels the local run.
func NewOrchestrator(builder *Builder, executors *ExecutorRegistry, checkpointer Checkpointer, registry WorkflowRegistry, bus EventBus, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		builder:      builder,
		executors:    executors,
		checkpointer: checkpointer,
		registry:     registry,
		bus:          bus,
		aborts:       newAbortRegistry(),
		logger:       &core.NoOpLogger{},
		perDep:       true,
		childLimit:   defaultParallelChildLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	if cl, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cl.WithComponent("engine/scheduler")
	}
	o.evaluator = NewConditionEvaluator(o.logger)

	o.unsubscribeAbort = bus.Subscribe(EventWorkflowAbort, func(event Event) {
		if ctrl, ok := o.aborts.get(event.ThreadID); ok {
			ctrl.abort("aborted via broadcast")
		}
	})
	return o
}

// Close removes the abort broadcast subscription.
func (o *Orchestrator) Close() error {
	if o.unsubscribeAbort != nil {
		o.unsubscribeAbort()
		o.unsubscribeAbort = nil
	}
	return nil
}

// Running reports whether the thread is currently driven by this process.
func (o *Orchestrator) Running(threadID string) bool {
	_, ok := o.aborts.get(threadID)
	return ok
}

// Invoke runs a workflow to its terminal status and returns the aggregated
// response. The run is not tied to the caller's context: client disconnects
// do not abort it.
func (o *Orchestrator) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	run, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	final := o.drive(run)
	return buildInvokeResponse(final), nil
}

// InvokeAsync starts the workflow in the background and acknowledges with
// the threadId immediately.
func (o *Orchestrator) InvokeAsync(ctx context.Context, req *InvokeRequest) (*AsyncAck, error) {
	run, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	go o.drive(run)
	return &AsyncAck{ThreadID: run.state.ThreadID, Status: "started"}, nil
}

// Abort cancels a running thread. The first call publishes one
// workflow_abort broadcast; repeat calls while the thread is still running
// are no-ops. Aborting a finished thread is an invalid transition and an
// unknown thread is a lookup miss.
func (o *Orchestrator) Abort(ctx context.Context, threadID, reason string) error {
	ctrl, ok := o.aborts.get(threadID)
	if !ok {
		if state, err := o.checkpointer.Load(ctx, threadID); err == nil && state != nil {
			return &InvalidTransitionError{
				Entity: "workflow",
				ID:     threadID,
				From:   string(state.Status),
				To:     string(WorkflowStatusAborted),
			}
		}
		return &NotFoundError{Kind: "thread", ID: threadID}
	}

	if reason == "" {
		reason = "user requested abort"
	}
	if ctrl.abort(reason) {
		o.logger.InfoWithContext(ctx, "Workflow abort requested", map[string]interface{}{
			"operation": "workflow_abort",
			"thread_id": threadID,
			"reason":    reason,
		})
		o.bus.Emit(ctx, EventWorkflowAbort, threadID, map[string]interface{}{
			"type":     EventWorkflowAbort,
			"threadId": threadID,
			"reason":   reason,
		})
	}
	return nil
}

// workflowRun is the mutable bookkeeping for one drive. All fields behind mu
// are shared between the frontier loop and parallel-block child goroutines.
type workflowRun struct {
	o        *Orchestrator
	ctrl     *abortController
	compiled *CompiledWorkflow
	state    *WorkflowState

	childSlots chan struct{}

	// saveMu orders checkpoint writes so a later snapshot is never
	// overwritten by an earlier one.
	saveMu sync.Mutex

	mu        sync.Mutex
	started   map[string]bool
	gateOpens map[string]int
	condFired map[string]int
	condTrue  map[string]int
	condOK    map[string]int // sources that finished successfully
	lastStep  string
	storeDown bool
}

func (r *workflowRun) aborted() bool {
	return r.ctrl.isAborted()
}

// prepare validates the request, compiles the workflow, persists the initial
// snapshot, and registers the abort controller. Any error here reaches the
// caller before a single step runs.
func (o *Orchestrator) prepare(ctx context.Context, req *InvokeRequest) (*workflowRun, error) {
	if req == nil {
		return nil, &ValidationError{Field: "request", Reason: "request body is required"}
	}

	workflowName := ""
	var steps []WorkflowStep
	var err error
	if req.SavedWorkflowID != "" {
		if o.saved == nil {
			return nil, &ConfigurationError{Reason: "saved workflows are not configured"}
		}
		def, derr := o.saved.Get(ctx, req.SavedWorkflowID)
		if derr != nil {
			return nil, derr
		}
		steps = def.Steps
		workflowName = def.Name
	} else {
		steps, err = ParseWorkflowSteps(req.Workflow)
		if err != nil {
			return nil, err
		}
	}

	steps = NormalizeSteps(steps)
	compiled, err := o.builder.Build(steps)
	if err != nil {
		return nil, err
	}

	if !o.useMock && o.resolver != nil {
		for i := range compiled.Steps {
			step := &compiled.Steps[i]
			if step.EffectiveKind() != StepKindAgent {
				continue
			}
			if _, rerr := o.resolver.ResolveAgent(ctx, req.ProjectID, step); rerr != nil {
				return nil, rerr
			}
		}
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if o.Running(threadID) {
		return nil, fmt.Errorf("thread %s is already running: %w", threadID, core.ErrAlreadyStarted)
	}

	// A re-invoked thread continues its agent conversations unless the
	// caller asked for fresh ones.
	var priorSessions map[string]string
	if req.ThreadID != "" && !req.StartNewConversation {
		prior, lerr := o.checkpointer.Load(ctx, threadID)
		switch {
		case lerr == nil && prior != nil:
			priorSessions = prior.SessionRefs
		case lerr != nil && !IsNotFound(lerr):
			return nil, &InfrastructureError{Component: "checkpointer", Err: lerr}
		}
	}

	state := NewWorkflowState(threadID, req.ProjectID, compiled.Steps)
	state.WorkflowName = workflowName
	state.StartNewConversation = req.StartNewConversation
	for k, v := range priorSessions {
		state.SessionRefs[k] = v
	}

	entry := &RegistryEntry{
		ThreadID:        threadID,
		WorkflowName:    workflowName,
		SavedWorkflowID: req.SavedWorkflowID,
		ProjectID:       req.ProjectID,
		Status:          WorkflowStatusRunning,
		Steps:           make([]RegistryStep, 0, len(compiled.Steps)),
		CreatedAt:       state.StartedAt,
		LastUpdate:      state.StartedAt,
		LastHeartbeat:   state.StartedAt,
	}
	for i := range compiled.Steps {
		entry.Steps = append(entry.Steps, RegistryStep{ID: compiled.Steps[i].ID, Status: RegistryStepPending})
	}
	if rerr := o.registry.Put(ctx, entry); rerr != nil {
		o.logger.WarnWithContext(ctx, "Registry write failed, continuing", map[string]interface{}{
			"operation": "workflow_invoke",
			"thread_id": threadID,
			"error":     rerr.Error(),
		})
	}

	if serr := o.checkpointer.Save(ctx, state); serr != nil {
		return nil, &InfrastructureError{Component: "checkpointer", Err: serr}
	}

	ctrl := o.aborts.create(context.Background(), threadID)

	stepIDs := make([]string, 0, len(compiled.Steps))
	for i := range compiled.Steps {
		stepIDs = append(stepIDs, compiled.Steps[i].ID)
	}
	o.bus.Emit(ctx, EventWorkflowCreated, threadID, map[string]interface{}{
		"type":         EventWorkflowCreated,
		"threadId":     threadID,
		"workflowName": workflowName,
		"projectId":    req.ProjectID,
		"steps":        stepIDs,
	})
	mode := "live"
	if o.useMock {
		mode = "mock"
	}
	telemetry.Counter("engine.workflow.invoked", "mode", mode)

	o.logger.InfoWithContext(ctx, "Workflow accepted", map[string]interface{}{
		"operation": "workflow_invoke",
		"thread_id": threadID,
		"steps":     len(compiled.Steps),
		"project":   req.ProjectID,
	})

	return &workflowRun{
		o:          o,
		ctrl:       ctrl,
		compiled:   compiled,
		state:      state,
		childSlots: make(chan struct{}, o.childLimit),
		started:    make(map[string]bool),
		gateOpens:  make(map[string]int),
		condFired:  make(map[string]int),
		condTrue:   make(map[string]int),
		condOK:     make(map[string]int),
	}, nil
}

// drive advances the ready frontier until every reachable step settled, then
// finalizes the run. Frontier steps execute concurrently; their results are
// merged here, one at a time.
func (o *Orchestrator) drive(run *workflowRun) *WorkflowState {
	threadID := run.state.ThreadID
	defer o.aborts.remove(threadID)

	results := make(chan *StepResult, len(run.compiled.Steps))
	inFlight := 0
	for {
		for _, id := range run.nextReady() {
			step := run.state.Step(id)
			inFlight++
			go func(step *WorkflowStep) {
				results <- run.executeStep(run.ctrl.ctx, step)
			}(step)
		}
		if inFlight == 0 {
			break
		}
		res := <-results
		inFlight--
		run.settle(res, true)
	}
	return run.finalize()
}

// nextReady collects and claims the steps whose dependencies all succeeded
// and whose conditional gates are fully open, ordered by (depth, id).
func (r *workflowRun) nextReady() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aborted() || r.storeDown {
		return nil
	}

	var ready []string
	for _, id := range r.compiled.executableIDs() {
		if r.started[id] {
			continue
		}
		if _, resolved := r.state.StepResults[id]; resolved {
			continue
		}
		node := r.compiled.node(id)
		if node.parallelParent != "" {
			continue
		}
		if node.gates > 0 && r.gateOpens[id] < node.gates {
			continue
		}
		depsMet := true
		for _, dep := range node.deps {
			res := r.state.StepResults[dep]
			if res == nil || res.Status != StepStatusSuccess {
				depsMet = false
				break
			}
		}
		if !depsMet {
			continue
		}
		ready = append(ready, id)
	}

	r.compiled.dag.sortReady(ready)
	for _, id := range ready {
		r.started[id] = true
	}
	return ready
}

// executeStep runs the per-step pipeline up to, but not including, result
// settlement: mark running, execute with the node's retry policy, classify.
func (r *workflowRun) executeStep(ctx context.Context, step *WorkflowStep) *StepResult {
	if ctx.Err() != nil {
		return abortedResult(step.ID, "", time.Now().UTC())
	}
	r.markRunning(step)

	executor := r.o.executors.Pick(step)
	if executor == nil {
		return failedResult(step.ID, fmt.Sprintf("invalid configuration: no executor registered for step type %s", step.EffectiveKind()), "", time.Now().UTC())
	}

	policy := r.compiled.retryFor(step)
	waits := policy.waits()
	for attempt := 1; ; attempt++ {
		res := r.invokeExecutor(ctx, executor, step)
		if res == nil {
			res = failedResult(step.ID, fmt.Sprintf("executor %s returned no result", executor.Name()), "", time.Now().UTC())
		}
		res.Attempts = attempt

		if res.Status != StepStatusFailed || attempt >= policy.MaxAttempts || !policy.Retryable(res.Error) || ctx.Err() != nil {
			return res
		}

		wait := waits.NextBackOff()
		r.o.logger.WarnWithContext(ctx, "Step failed, retrying", map[string]interface{}{
			"operation": "step_retry",
			"thread_id": r.state.ThreadID,
			"step_id":   step.ID,
			"attempt":   attempt,
			"wait":      wait.String(),
			"error":     res.Error,
		})
		select {
		case <-ctx.Done():
			aborted := abortedResult(step.ID, res.SessionRef, res.StartTime)
			aborted.Attempts = attempt
			return aborted
		case <-time.After(wait):
		}
	}
}

// invokeExecutor calls one executor attempt, converting panics into failed
// results so a broken executor cannot take the scheduler down.
func (r *workflowRun) invokeExecutor(ctx context.Context, executor Executor, step *WorkflowStep) (res *StepResult) {
	start := time.Now().UTC()
	defer func() {
		if rec := recover(); rec != nil {
			r.o.logger.ErrorWithContext(ctx, "Executor panic recovered", map[string]interface{}{
				"operation": "step_execute",
				"thread_id": r.state.ThreadID,
				"step_id":   step.ID,
				"executor":  executor.Name(),
				"panic":     fmt.Sprintf("%v", rec),
			})
			res = failedResult(step.ID, fmt.Sprintf("executor %s panicked: %v", executor.Name(), rec), "", start)
		}
	}()
	return executor.Execute(ctx, step, r.execContext(step))
}

// execContext snapshots the state for one executor attempt.
func (r *workflowRun) execContext(step *WorkflowStep) *ExecContext {
	r.mu.Lock()
	snapshot := r.state.Clone()
	r.mu.Unlock()

	ec := &ExecContext{
		ThreadID:             r.state.ThreadID,
		ProjectID:            r.state.ProjectID,
		WorkflowName:         r.state.WorkflowName,
		StartNewConversation: r.state.StartNewConversation,
		UseMock:              r.o.useMock,
		State:                snapshot,
		Events:               &threadSink{bus: r.o.bus, threadID: r.state.ThreadID},
		Heartbeat:            r.heartbeat,
	}
	if step.EffectiveKind() == StepKindParallel {
		ec.RunStep = r.runChild
	}
	return ec
}

func (r *workflowRun) heartbeat(stepID string) {
	if err := r.o.registry.UpdateHeartbeat(context.Background(), r.state.ThreadID, stepID); err != nil {
		r.o.logger.Debug("Heartbeat update failed", map[string]interface{}{
			"operation": "heartbeat",
			"thread_id": r.state.ThreadID,
			"step_id":   stepID,
			"error":     err.Error(),
		})
	}
}

// runChild executes one parallel-block child through the regular pipeline,
// bounded by the run's child slots. Children settle their own results.
func (r *workflowRun) runChild(ctx context.Context, childID string) *StepResult {
	r.mu.Lock()
	if res, ok := r.state.StepResults[childID]; ok {
		r.mu.Unlock()
		return res
	}
	if r.started[childID] {
		r.mu.Unlock()
		return failedResult(childID, fmt.Sprintf("parallel child %s is already running", childID), "", time.Now().UTC())
	}
	step := r.state.Step(childID)
	blockedBy := ""
	if step != nil {
		if node := r.compiled.node(childID); node != nil {
			for _, dep := range node.deps {
				dres := r.state.StepResults[dep]
				if dres == nil || dres.Status != StepStatusSuccess {
					blockedBy = dep
					break
				}
			}
		}
	}
	if step != nil && blockedBy == "" {
		r.started[childID] = true
	}
	r.mu.Unlock()

	if step == nil {
		return failedResult(childID, fmt.Sprintf("unknown parallel child %s", childID), "", time.Now().UTC())
	}
	if blockedBy != "" {
		res := notExecutedResult(childID, fmt.Sprintf(blockedDependencyMessage, blockedBy))
		r.settle(res, false)
		return res
	}

	select {
	case r.childSlots <- struct{}{}:
	case <-ctx.Done():
		res := abortedResult(childID, "", time.Now().UTC())
		r.settle(res, false)
		return res
	}
	defer func() { <-r.childSlots }()

	res := r.executeStep(ctx, step)
	r.settle(res, true)
	return res
}

// markRunning records the step start in the registry and on the bus.
func (r *workflowRun) markRunning(step *WorkflowStep) {
	now := time.Now().UTC()
	threadID := r.state.ThreadID

	if _, err := r.o.registry.Update(context.Background(), threadID, func(entry *RegistryEntry) error {
		line := entry.Step(step.ID)
		if line == nil {
			entry.Steps = append(entry.Steps, RegistryStep{ID: step.ID})
			line = &entry.Steps[len(entry.Steps)-1]
		}
		line.Status = RegistryStepRunning
		started := now
		line.StartedAt = &started
		entry.LastStep = step.ID
		entry.LastUpdate = now
		entry.LastHeartbeat = now
		return nil
	}); err != nil {
		r.o.logger.Warn("Registry step start update failed", map[string]interface{}{
			"operation": "step_start",
			"thread_id": threadID,
			"step_id":   step.ID,
			"error":     err.Error(),
		})
	}

	r.o.bus.Emit(context.Background(), EventStepStart, threadID, map[string]interface{}{
		"type":     EventStepStart,
		"threadId": threadID,
		"stepId":   step.ID,
		"kind":     string(step.EffectiveKind()),
		"role":     step.AgentReference(),
	})
	r.emitStepUpdate(step.ID, RegistryStepRunning, "")
}

// settle merges one terminal result: state, checkpoint, registry, events,
// conditional routing, and dependent propagation. Each step settles at most
// once; later results for the same id are dropped.
func (r *workflowRun) settle(res *StepResult, executed bool) {
	if res == nil {
		return
	}

	r.mu.Lock()
	if _, done := r.state.StepResults[res.ID]; done {
		r.mu.Unlock()
		return
	}
	r.state.MergeResult(res)
	r.lastStep = res.ID
	r.mu.Unlock()

	r.persist()
	r.recordStep(res)
	r.emitStepEvents(res, executed)
	r.routeEdges(res)
	r.propagate(res)
}

// persist checkpoints the current state. The store is fail-closed: a write
// failure aborts the run and forces a failed terminal status.
func (r *workflowRun) persist() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	snapshot := r.state.Clone()
	alreadyDown := r.storeDown
	r.mu.Unlock()
	if alreadyDown {
		return
	}

	if err := r.o.checkpointer.Save(context.Background(), snapshot); err != nil {
		r.mu.Lock()
		r.storeDown = true
		r.mu.Unlock()
		r.ctrl.abort("checkpoint store unavailable")
		r.o.logger.Error("Checkpoint save failed, aborting run", map[string]interface{}{
			"operation": "checkpoint_save",
			"thread_id": r.state.ThreadID,
			"error":     err.Error(),
		})
	}
}

// recordStep writes the per-step line into the registry.
func (r *workflowRun) recordStep(res *StepResult) {
	threadID := r.state.ThreadID
	status := RegistryStepStatusFor(res.Status)
	if _, err := r.o.registry.Update(context.Background(), threadID, func(entry *RegistryEntry) error {
		line := entry.Step(res.ID)
		if line == nil {
			entry.Steps = append(entry.Steps, RegistryStep{ID: res.ID})
			line = &entry.Steps[len(entry.Steps)-1]
		}
		line.Status = status
		line.Error = res.Error
		if res.SessionRef != "" {
			line.SessionRef = res.SessionRef
			if entry.SessionRefs == nil {
				entry.SessionRefs = make(map[string]string)
			}
			entry.SessionRefs[res.ID] = res.SessionRef
		}
		if !res.StartTime.IsZero() {
			started := res.StartTime
			line.StartedAt = &started
		}
		end := res.EndTime
		if end.IsZero() {
			end = time.Now().UTC()
		}
		line.CompletedAt = &end
		entry.LastStep = res.ID
		entry.LastUpdate = time.Now().UTC()
		return nil
	}); err != nil {
		r.o.logger.Warn("Registry step update failed", map[string]interface{}{
			"operation": "step_record",
			"thread_id": threadID,
			"step_id":   res.ID,
			"error":     err.Error(),
		})
	}
}

func (r *workflowRun) emitStepUpdate(stepID, status, sessionRef string) {
	data := map[string]interface{}{
		"type":     EventStepUpdate,
		"threadId": r.state.ThreadID,
		"stepId":   stepID,
		"status":   status,
	}
	if sessionRef != "" {
		data["sessionId"] = sessionRef
	}
	r.o.bus.Emit(context.Background(), EventStepUpdate, r.state.ThreadID, data)
}

// emitStepEvents publishes the terminal events for one settled step.
// Executed steps emit step_complete/step_failed plus a graph snapshot;
// reconciliation results (skips, blocked dependents) emit step_update only.
func (r *workflowRun) emitStepEvents(res *StepResult, executed bool) {
	threadID := r.state.ThreadID
	status := RegistryStepStatusFor(res.Status)

	if executed {
		switch res.Status {
		case StepStatusSuccess:
			r.o.bus.Emit(context.Background(), EventStepComplete, threadID, map[string]interface{}{
				"type":       EventStepComplete,
				"threadId":   threadID,
				"stepId":     res.ID,
				"status":     status,
				"output":     truncateForLog(res.Response, eventOutputLimit),
				"sessionId":  res.SessionRef,
				"durationMs": res.DurationMs,
			})
			telemetry.RecordSuccess("engine.step")
		default:
			r.o.bus.Emit(context.Background(), EventStepFailed, threadID, map[string]interface{}{
				"type":      EventStepFailed,
				"threadId":  threadID,
				"stepId":    res.ID,
				"status":    status,
				"error":     res.Error,
				"attempts":  res.Attempts,
				"sessionId": res.SessionRef,
			})
			telemetry.RecordError("engine.step", string(res.Status))
		}
	}

	r.emitStepUpdate(res.ID, status, res.SessionRef)

	if executed {
		r.mu.Lock()
		snapshot := r.state.Clone()
		r.mu.Unlock()
		r.o.bus.Emit(context.Background(), EventGraphUpdate, threadID, map[string]interface{}{
			"type":     EventGraphUpdate,
			"threadId": threadID,
			"graph":    BuildGraph(snapshot, nil, false),
		})
	}
}

// routeEdges fires the conditional edges hanging off a settled step. A
// successful source evaluates the condition; any other terminal status takes
// the false branch without evaluating.
func (r *workflowRun) routeEdges(res *StepResult) {
	edges := r.compiled.edgesFor(res.ID)
	for _, edge := range edges {
		if r.o.perDep {
			outcome := false
			if res.Status == StepStatusSuccess {
				outcome = r.evaluateEdge(edge)
			}
			r.recordRouting(edge, outcome, 1, res.Status)
			continue
		}

		// Single-shot mode: the condition fires once, after the last source
		// settles, and only when every source succeeded.
		r.mu.Lock()
		r.condFired[edge.id]++
		if res.Status == StepStatusSuccess {
			r.condOK[edge.id]++
		}
		fired, ok := r.condFired[edge.id], r.condOK[edge.id]
		total := r.compiled.edgeCounts[edge.id]
		r.mu.Unlock()
		if fired < total {
			continue
		}
		outcome := false
		if ok == total {
			outcome = r.evaluateEdge(edge)
		}
		r.recordRouting(edge, outcome, total, res.Status)
	}
}

func (r *workflowRun) evaluateEdge(edge conditionalEdge) bool {
	r.mu.Lock()
	snapshot := r.state.Clone()
	r.mu.Unlock()
	verdict := r.o.evaluator.Evaluate(edge.condition, EvalContextFromState(snapshot))
	if verdict.Error != "" {
		r.o.logger.Warn("Conditional routed false on evaluation error", map[string]interface{}{
			"operation": "conditional_route",
			"thread_id": r.state.ThreadID,
			"step_id":   edge.id,
			"error":     verdict.Error,
		})
	}
	return verdict.Result
}

// recordRouting applies one routing decision: opens the chosen branch's
// gates by weight, skips the other branch, and settles the conditional
// pseudo-step once all its edges have fired.
func (r *workflowRun) recordRouting(edge conditionalEdge, outcome bool, weight int, sourceStatus StepStatus) {
	taken, dropped := edge.trueBranch, edge.falseBranch
	if !outcome {
		taken, dropped = edge.falseBranch, edge.trueBranch
	}

	r.mu.Lock()
	if r.o.perDep {
		r.condFired[edge.id]++
	}
	if outcome {
		r.condTrue[edge.id]++
	}
	if taken != "" && taken != branchEnd {
		r.gateOpens[taken] += weight
	}
	fired := r.condFired[edge.id]
	trueCount := r.condTrue[edge.id]
	total := r.compiled.edgeCounts[edge.id]
	if !r.o.perDep {
		fired = total // single-shot routing resolves every edge at once
	}
	r.mu.Unlock()

	r.o.logger.InfoWithContext(r.ctrl.ctx, "Conditional routed", map[string]interface{}{
		"operation":     "conditional_route",
		"thread_id":     r.state.ThreadID,
		"step_id":       edge.id,
		"source":        edge.source,
		"source_status": string(sourceStatus),
		"outcome":       outcome,
		"taken":         taken,
	})

	if dropped != "" && dropped != branchEnd {
		r.skipBranch(dropped, edge.id)
	}

	if fired >= total {
		response := fmt.Sprintf("Condition evaluated to %t", outcome)
		if r.o.perDep && total > 1 && trueCount > 0 && trueCount < total {
			response = fmt.Sprintf("Condition routed per dependency: %d true, %d false", trueCount, total-trueCount)
		} else if taken != "" && taken != branchEnd {
			response += fmt.Sprintf("; routed to %s", taken)
		}
		r.settle(skippedResult(edge.id, response), false)
	}
}

// skipBranch marks a branch target that routing passed over. A target that
// some other edge already enabled or that already ran is left alone.
func (r *workflowRun) skipBranch(target, conditionalID string) {
	r.mu.Lock()
	_, resolved := r.state.StepResults[target]
	started := r.started[target]
	r.mu.Unlock()
	if resolved || started {
		return
	}
	r.settle(skippedResult(target, fmt.Sprintf("Skipped: condition %s routed to the other branch", conditionalID)), false)
}

// propagate marks unstarted dependents of a non-successful step. Failed,
// blocked, and aborted dependencies block their dependents; a skipped step
// skips its whole downstream branch.
func (r *workflowRun) propagate(res *StepResult) {
	if res.Status == StepStatusSuccess {
		return
	}
	node := r.compiled.node(res.ID)
	if node == nil {
		return
	}
	for _, depID := range node.dependents {
		r.mu.Lock()
		_, resolved := r.state.StepResults[depID]
		started := r.started[depID]
		r.mu.Unlock()
		if resolved || started {
			continue
		}
		if res.Status == StepStatusSkipped {
			r.settle(skippedResult(depID, fmt.Sprintf("Skipped: upstream branch %s was not taken", res.ID)), false)
		} else {
			r.settle(notExecutedResult(depID, fmt.Sprintf(blockedDependencyMessage, res.ID)), false)
		}
	}
}

// finalize sweeps unresolved steps, computes the terminal status, persists
// and tombstones the final snapshot, and emits the terminal events.
func (r *workflowRun) finalize() *WorkflowState {
	threadID := r.state.ThreadID

	for _, id := range r.compiled.executableIDs() {
		r.mu.Lock()
		_, resolved := r.state.StepResults[id]
		r.mu.Unlock()
		if !resolved {
			r.settle(notExecutedResult(id, ""), false)
		}
	}
	for _, id := range r.compiled.conditionalIDs() {
		r.mu.Lock()
		_, resolved := r.state.StepResults[id]
		r.mu.Unlock()
		if !resolved {
			r.settle(skippedResult(id, "Condition not reached"), false)
		}
	}

	r.mu.Lock()
	status := computeTerminalStatus(r.state, r.compiled, r.aborted())
	if r.storeDown {
		status = WorkflowStatusFailed
	}
	now := time.Now().UTC()
	r.state.Status = status
	r.state.CompletedAt = &now
	lastStep := r.lastStep
	snapshot := r.state.Clone()
	storeDown := r.storeDown
	r.mu.Unlock()

	if !storeDown {
		if err := r.o.checkpointer.Save(context.Background(), snapshot); err != nil {
			r.o.logger.Error("Final checkpoint save failed", map[string]interface{}{
				"operation": "workflow_finalize",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
		if err := r.o.checkpointer.Tombstone(context.Background(), threadID); err != nil {
			r.o.logger.Warn("Checkpoint tombstone failed", map[string]interface{}{
				"operation": "workflow_finalize",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
	}

	summary := buildSummary(r.state)
	if _, err := r.o.registry.Update(context.Background(), threadID, func(entry *RegistryEntry) error {
		entry.Status = status
		completed := now
		entry.CompletedAt = &completed
		entry.LastUpdate = now
		entry.Summary = fmt.Sprintf("%d/%d steps completed", summary.Successful, summary.Total)
		if lastStep != "" {
			entry.LastStep = lastStep
		}
		return nil
	}); err != nil {
		r.o.logger.Warn("Registry finalize update failed", map[string]interface{}{
			"operation": "workflow_finalize",
			"thread_id": threadID,
			"error":     err.Error(),
		})
	}

	r.o.bus.Emit(context.Background(), EventWorkflowStatus, threadID, map[string]interface{}{
		"type":     EventWorkflowStatus,
		"threadId": threadID,
		"status":   string(status),
		"lastStep": lastStep,
	})

	if status == WorkflowStatusFailed {
		r.o.bus.Emit(context.Background(), EventWorkflowFailed, threadID, map[string]interface{}{
			"type":     EventWorkflowFailed,
			"threadId": threadID,
			"status":   string(status),
			"lastStep": lastStep,
			"error":    firstStepError(r.state),
		})
	} else {
		r.o.bus.Emit(context.Background(), EventWorkflowComplete, threadID, map[string]interface{}{
			"type":     EventWorkflowComplete,
			"threadId": threadID,
			"status":   string(status),
			"summary": map[string]interface{}{
				"total":      summary.Total,
				"successful": summary.Successful,
				"failed":     summary.Failed,
				"blocked":    summary.Blocked,
				"duration":   summary.DurationMs,
			},
		})
	}

	r.o.logger.Info("Workflow finished", map[string]interface{}{
		"operation":  "workflow_finalize",
		"thread_id":  threadID,
		"status":     string(status),
		"successful": summary.Successful,
		"total":      summary.Total,
	})
	telemetry.Counter("engine.workflow.finished", "status", string(status))

	return r.state
}

// computeTerminalStatus classifies a finished run. Skipped steps do not
// count: a workflow whose taken branch succeeded is completed even though
// the other branch never ran.
func computeTerminalStatus(state *WorkflowState, compiled *CompiledWorkflow, runAborted bool) WorkflowStatus {
	success, nonSuccess := 0, 0
	anyAborted := false
	for _, id := range compiled.executableIDs() {
		res := state.StepResults[id]
		if res == nil {
			nonSuccess++
			continue
		}
		switch res.Status {
		case StepStatusSuccess:
			success++
		case StepStatusSkipped:
		case StepStatusAborted:
			anyAborted = true
			nonSuccess++
		default:
			nonSuccess++
		}
	}
	switch {
	case anyAborted || (runAborted && nonSuccess > 0):
		return WorkflowStatusAborted
	case nonSuccess == 0:
		return WorkflowStatusCompleted
	case success > 0:
		return WorkflowStatusPartial
	default:
		return WorkflowStatusFailed
	}
}

// firstStepError returns the first failed step's error in declaration order.
func firstStepError(state *WorkflowState) string {
	for i := range state.Steps {
		if res := state.StepResults[state.Steps[i].ID]; res != nil && res.Status == StepStatusFailed && res.Error != "" {
			return res.Error
		}
	}
	return ""
}

func notExecutedResult(stepID, errMsg string) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:        stepID,
		Status:    StepStatusNotExecuted,
		Error:     errMsg,
		StartTime: now,
		EndTime:   now,
	}
}

func skippedResult(stepID, response string) *StepResult {
	now := time.Now().UTC()
	return &StepResult{
		ID:        stepID,
		Status:    StepStatusSkipped,
		Response:  response,
		StartTime: now,
		EndTime:   now,
	}
}

// buildSummary aggregates step results for responses and terminal events.
func buildSummary(state *WorkflowState) *InvokeSummary {
	summary := &InvokeSummary{Total: len(state.Steps)}
	for _, res := range state.StepResults {
		switch res.Status {
		case StepStatusSuccess:
			summary.Successful++
		case StepStatusFailed, StepStatusAborted:
			summary.Failed++
		case StepStatusBlocked, StepStatusNotExecuted:
			summary.Blocked++
		}
	}
	if state.CompletedAt != nil {
		summary.DurationMs = state.CompletedAt.Sub(state.StartedAt).Milliseconds()
	} else {
		summary.DurationMs = state.UpdatedAt.Sub(state.StartedAt).Milliseconds()
	}
	return summary
}

// buildInvokeResponse shapes the terminal state into the invoke payload.
func buildInvokeResponse(state *WorkflowState) *InvokeResponse {
	results := make(map[string]string, len(state.StepOutputs))
	for k, v := range state.StepOutputs {
		results[k] = v
	}
	sessions := make(map[string]string, len(state.SessionRefs))
	for k, v := range state.SessionRefs {
		sessions[k] = v
	}
	return &InvokeResponse{
		ThreadID:   state.ThreadID,
		SessionIDs: sessions,
		Results:    results,
		Status:     state.Status,
		Summary:    buildSummary(state),
	}
}

// Text renders the response as a newline-joined human summary.
func (r *InvokeResponse) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s: %s\n", r.ThreadID, r.Status)
	if r.Summary != nil {
		fmt.Fprintf(&b, "%d/%d steps successful in %dms\n", r.Summary.Successful, r.Summary.Total, r.Summary.DurationMs)
	}
	ids := make([]string, 0, len(r.Results))
	for id := range r.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "\n%s:\n%s\n", id, r.Results[id])
	}
	return b.String()
}
