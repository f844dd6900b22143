package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/budget"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/events"
	"github.com/agentgrid/backend/internal/hiring"
	"github.com/agentgrid/backend/internal/metrics"
	"github.com/agentgrid/backend/internal/policy"
	"github.com/agentgrid/backend/internal/registry"
)

var errCancelled = errors.New("goal cancelled")

// SeedSource is the learner's auto-approval lookup: a distributed, approved
// seed matching the action grants latitude without a human in the loop.
type SeedSource interface {
	AutoGrant(agentTypeID, action, risk string) (*core.PrecedentSeed, bool)
}

// Config tunes the executor.
type Config struct {
	GoalWorkers       int
	StepWorkers       int
	EstimatedStepCost float64       // debited per step before Think
	ApprovalDeadline  time.Duration // cap when the step carries no SLA
	RetryBase         time.Duration // exponential backoff base
}

func (c Config) withDefaults() Config {
	if c.GoalWorkers <= 0 {
		c.GoalWorkers = 4
	}
	if c.StepWorkers <= 0 {
		c.StepWorkers = 8
	}
	if c.EstimatedStepCost <= 0 {
		c.EstimatedStepCost = 0.50
	}
	if c.ApprovalDeadline <= 0 {
		c.ApprovalDeadline = 24 * time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	return c
}

// RunState is a goal run's lifecycle.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// GoalRun is the tracked state of one goal execution.
type GoalRun struct {
	CorrelationID   string     `json:"correlation_id"`
	HiredInstanceID string     `json:"hired_instance_id"`
	GoalInstanceID  string     `json:"goal_instance_id"`
	State           RunState   `json:"state"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`

	cancelCh  chan struct{}
	cancelled bool
	inflight  map[string]bool // approval IDs awaiting a decision
}

// Deliverable is a goal output surfaced to the customer.
type Deliverable struct {
	DeliverableID   string                 `json:"deliverable_id"`
	HiredInstanceID string                 `json:"hired_instance_id"`
	GoalInstanceID  string                 `json:"goal_instance_id"`
	CorrelationID   string                 `json:"correlation_id"`
	StepID          string                 `json:"step_id"`
	Status          string                 `json:"status"` // published, retracted
	Content         map[string]interface{} `json:"content"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Engine drives goal executions.
type Engine struct {
	registry  *registry.Genesis
	instances *hiring.Store
	budget    *budget.Accountant
	approvals *approval.Service
	enforcer  *policy.Enforcer
	log       *audit.Log
	tools     *AdapterRegistry
	knowledge *KnowledgeRouter
	seeds     SeedSource
	emitter   events.EventEmitter
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config

	mu           sync.Mutex
	runs         map[string]*GoalRun
	memory       map[string]map[string]interface{} // corr|step -> outputs
	deliverables []Deliverable
	goalSem      chan struct{}
}

// New creates the engine. The seed source may be nil until the learner is
// wired in.
func New(reg *registry.Genesis, instances *hiring.Store, acct *budget.Accountant,
	approvals *approval.Service, enforcer *policy.Enforcer, log *audit.Log,
	tools *AdapterRegistry, knowledge *KnowledgeRouter, emitter events.EventEmitter,
	m *metrics.Metrics, clk clock.Clock, cfg Config) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		registry:  reg,
		instances: instances,
		budget:    acct,
		approvals: approvals,
		enforcer:  enforcer,
		log:       log,
		tools:     tools,
		knowledge: knowledge,
		emitter:   emitter,
		metrics:   m,
		clock:     clk,
		cfg:       cfg,
		runs:      make(map[string]*GoalRun),
		memory:    make(map[string]map[string]interface{}),
		goalSem:   make(chan struct{}, cfg.GoalWorkers),
	}
}

// SetSeedSource wires the learner's auto-approval lookup.
func (e *Engine) SetSeedSource(s SeedSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeds = s
}

// ============================================================================
// GOAL LIFECYCLE
// ============================================================================

// StartGoal launches a goal execution on the bounded goal pool and returns
// its correlation ID immediately.
func (e *Engine) StartGoal(ctx context.Context, instanceID, goalInstanceID, correlationID string) (string, error) {
	run, err := e.prepare(instanceID, goalInstanceID, correlationID)
	if err != nil {
		return "", err
	}
	go func() {
		e.goalSem <- struct{}{}
		defer func() { <-e.goalSem }()
		e.execute(context.WithoutCancel(ctx), run)
	}()
	return run.CorrelationID, nil
}

// ExecuteGoal runs a goal to completion on the caller's goroutine. Re-running
// a finished correlation resumes from the first step the audit log does not
// record.
func (e *Engine) ExecuteGoal(ctx context.Context, instanceID, goalInstanceID, correlationID string) (string, error) {
	run, err := e.prepare(instanceID, goalInstanceID, correlationID)
	if err != nil {
		return "", err
	}
	return run.CorrelationID, e.execute(ctx, run)
}

func (e *Engine) prepare(instanceID, goalInstanceID, correlationID string) (*GoalRun, error) {
	inst, ok := e.instances.GetInstance(instanceID)
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown instance "+instanceID)
	}
	if inst.Lifecycle != core.LifecycleActive {
		return nil, core.NewError(core.KindPrecondition, core.ReasonInstanceSuspended,
			fmt.Sprintf("instance %s is %s, not active", instanceID, inst.Lifecycle))
	}
	found := false
	for _, g := range inst.Goals {
		if g.GoalInstanceID == goalInstanceID {
			found = true
			break
		}
	}
	if !found {
		return nil, core.NewError(core.KindNotFound, "", "unknown goal "+goalInstanceID)
	}

	if correlationID == "" {
		correlationID = "corr-" + uuid.NewString()[:8]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, ok := e.runs[correlationID]; ok && prior.State == RunRunning {
		return nil, core.NewError(core.KindConflict, core.ReasonConflict,
			"correlation "+correlationID+" is already executing")
	}
	run := &GoalRun{
		CorrelationID:   correlationID,
		HiredInstanceID: instanceID,
		GoalInstanceID:  goalInstanceID,
		State:           RunRunning,
		StartedAt:       e.clock.Now(),
		cancelCh:        make(chan struct{}),
		inflight:        make(map[string]bool),
	}
	e.runs[correlationID] = run
	return run, nil
}

// Cancel requests a deterministic stop: the run aborts at the next safe
// point, in-flight approvals defer, and the instance interrupts.
func (e *Engine) Cancel(correlationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[correlationID]
	if !ok {
		return core.NewError(core.KindNotFound, "", "unknown goal run "+correlationID)
	}
	if run.State != RunRunning {
		return core.NewError(core.KindConflict, core.ReasonConflict,
			"goal run "+correlationID+" is "+string(run.State))
	}
	if !run.cancelled {
		run.cancelled = true
		close(run.cancelCh)
	}
	return nil
}

// Run returns a goal run's tracked state.
func (e *Engine) Run(correlationID string) (*GoalRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[correlationID]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// ============================================================================
// EXECUTION
// ============================================================================

func (e *Engine) execute(ctx context.Context, run *GoalRun) error {
	inst, _ := e.instances.GetInstance(run.HiredInstanceID)
	customerID, _ := e.instances.CustomerOf(run.HiredInstanceID)

	def, ok := e.registry.GetAgentType(inst.AgentTypeID)
	if !ok {
		return e.finish(ctx, run, customerID,
			core.NewError(core.KindNotFound, "", "unknown agent type "+inst.AgentTypeID))
	}
	var goal core.Goal
	for _, g := range inst.Goals {
		if g.GoalInstanceID == run.GoalInstanceID {
			goal = g
		}
	}

	// Planner errors are fatal to the goal.
	plan, err := BuildPlan(e.registry, def, goal)
	if err != nil {
		return e.finish(ctx, run, customerID, err)
	}

	stepSem := make(chan struct{}, e.cfg.StepWorkers)
	for _, level := range plan.Levels() {
		if err := e.runLevel(ctx, run, inst, customerID, plan, level, stepSem); err != nil {
			return e.finish(ctx, run, customerID, err)
		}
	}
	return e.finish(ctx, run, customerID, nil)
}

// runLevel executes the independent components of one depth level, in
// parallel when there is more than one.
func (e *Engine) runLevel(ctx context.Context, run *GoalRun, inst *core.AgentInstance,
	customerID string, plan *Plan, level []Component, stepSem chan struct{}) error {
	if len(level) == 1 {
		return e.runComponent(ctx, run, inst, customerID, plan, level[0])
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(level))
	for _, comp := range level {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			stepSem <- struct{}{}
			defer func() { <-stepSem }()
			if err := e.runComponent(ctx, run, inst, customerID, plan, c); err != nil {
				errCh <- err
			}
		}(comp)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

// runComponent runs one SCC. Acyclic components execute once. Cyclic
// components run two passes under distinct idempotency suffixes; identical
// outputs across passes mean the loop makes no progress and the plan is
// declared deadlocked.
func (e *Engine) runComponent(ctx context.Context, run *GoalRun, inst *core.AgentInstance,
	customerID string, plan *Plan, comp Component) error {
	if !comp.Cyclic {
		for _, idx := range comp.Steps {
			step := plan.Steps[idx]
			outputs, err := e.executeStep(ctx, run, inst, customerID, step, step.StepID, true)
			if err != nil {
				return err
			}
			e.remember(run.CorrelationID, step.StepID, outputs)
		}
		return nil
	}

	first := make(map[string]map[string]interface{})
	for _, idx := range comp.Steps {
		step := plan.Steps[idx]
		outputs, err := e.executeStep(ctx, run, inst, customerID, step, step.StepID, false)
		if err != nil {
			return err
		}
		first[step.StepID] = outputs
	}

	progressed := false
	final := make(map[string]map[string]interface{})
	for _, idx := range comp.Steps {
		step := plan.Steps[idx]
		outputs, err := e.executeStep(ctx, run, inst, customerID, step, step.StepID+"@2", false)
		if err != nil {
			return err
		}
		final[step.StepID] = outputs
		if canonicalOutputs(outputs) != canonicalOutputs(first[step.StepID]) {
			progressed = true
		}
	}

	if !progressed {
		names := make([]string, 0, len(comp.Steps))
		for _, idx := range comp.Steps {
			names = append(names, plan.Steps[idx].StepID)
		}
		sort.Strings(names)
		return core.NewError(core.KindPlanDeadlock, core.ReasonPlanDeadlock,
			fmt.Sprintf("cycle %v produced identical outputs across iterations", names))
	}

	for _, idx := range comp.Steps {
		step := plan.Steps[idx]
		if err := e.recordCompletion(ctx, run, customerID, step, final[step.StepID]); err != nil {
			return err
		}
		e.remember(run.CorrelationID, step.StepID, final[step.StepID])
	}
	return nil
}

// executeStep runs one Think-Act-Observe cycle. callStepID is the
// idempotency identity for tool invocation; it differs from step.StepID only
// on iterative re-passes.
func (e *Engine) executeStep(ctx context.Context, run *GoalRun, inst *core.AgentInstance,
	customerID string, step core.PlanStep, callStepID string, record bool) (map[string]interface{}, error) {
	started := e.clock.Now()

	// Durable resume: a recorded completion is not re-executed.
	if record {
		done, err := e.log.HasStepCompleted(ctx, customerID, run.CorrelationID, step.StepID)
		if err != nil {
			return nil, err
		}
		if done {
			e.metrics.RecordStep("skipped", step.SkillKey, 0)
			return e.recall(run.CorrelationID, step.StepID), nil
		}
	}

	skill, ok := e.registry.GetSkill(step.SkillID)
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown skill "+step.SkillID)
	}

	// Budget first. A refusal suspends the instance and escalates to a
	// human via an emergency budget request.
	if _, err := e.budget.Debit(ctx, budget.DebitRequest{
		InstanceID:    inst.HiredInstanceID,
		CorrelationID: run.CorrelationID,
		StepID:        callStepID,
		CostUSD:       e.cfg.EstimatedStepCost,
	}); err != nil {
		if core.KindOf(err) == core.KindBudget {
			e.suspendAndEscalate(ctx, run, inst, customerID, step)
		}
		return nil, err
	}

	// Knowledge lookup, classified before dispatch.
	knowledgeNote := ""
	if e.knowledge != nil {
		note, err := e.knowledge.Route(ctx, inst.AgentTypeID, skill.Contract.Think)
		if err != nil {
			slog.Warn("knowledge lookup failed", "step", step.StepID, "error", err)
		} else {
			knowledgeNote = note
		}
	}

	// Think: pure planning, no external effect.
	think := skill.Contract.Think
	confidence := 0.90
	if knowledgeNote != "" {
		think = think + " [informed: " + knowledgeNote + "]"
		confidence = 0.95
	}

	// Safe point: cancellation is honored before Act.
	if err := e.checkCancelled(ctx, run); err != nil {
		return nil, err
	}

	tool := ""
	if len(skill.Tools) > 0 {
		tool = skill.Tools[0]
	}
	action := "skill.invoke"
	if step.ExternalEffect {
		action = "publish"
	}

	decision, err := e.gate(ctx, run, inst, customerID, step, skill, action, tool, think, confidence)
	if err != nil {
		return nil, err
	}

	result, err := e.invokeWithRetry(ctx, run, ToolCall{
		CorrelationID: run.CorrelationID,
		StepID:        callStepID,
		InstanceID:    inst.HiredInstanceID,
		SkillID:       skill.SkillID,
		Tool:          tool,
		Action:        action,
		Inputs:        step.Inputs,
	}, step.RetryCount)
	if err != nil {
		e.metrics.RecordStep("failed", step.SkillKey, e.clock.Now().Sub(started).Seconds())
		return nil, err
	}

	// Observe: settle the real cost and record the outcome.
	outputs := result.Outputs
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	if decision.HasObligation(policy.ObligationTrialMode) {
		outputs["watermark"] = "trial"
	}
	if _, err := e.budget.Debit(ctx, budget.DebitRequest{
		InstanceID:    inst.HiredInstanceID,
		CorrelationID: run.CorrelationID,
		StepID:        callStepID + "/settle",
		TokensIn:      result.TokensIn,
		TokensOut:     result.TokensOut,
		CostUSD:       result.CostUSD,
	}); err != nil && core.KindOf(err) != core.KindBudget {
		return nil, err
	}

	if record {
		if err := e.recordCompletion(ctx, run, customerID, step, outputs); err != nil {
			return nil, err
		}
	}
	e.collectDeliverable(run, step, outputs)
	e.metrics.RecordStep("completed", step.SkillKey, e.clock.Now().Sub(started).Seconds())

	// Safe point: cancellation is honored after Observe.
	if err := e.checkCancelled(ctx, run); err != nil {
		return nil, err
	}
	return outputs, nil
}

// gate enforces policy for the Act phase. External effects go through the
// approval flow: an approved seed grants auto-approval with an informational
// record, otherwise a human decides before any egress happens. The adapter
// is never invoked without a recorded ALLOW.
func (e *Engine) gate(ctx context.Context, run *GoalRun, inst *core.AgentInstance,
	customerID string, step core.PlanStep, skill *core.Skill, action, tool, think string,
	confidence float64) (policy.Decision, error) {

	sub := policy.Subject{
		CustomerID:  customerID,
		AgentID:     inst.AgentID,
		InstanceID:  inst.HiredInstanceID,
		AgentTypeID: inst.AgentTypeID,
		Trial:       inst.Trial,
		Suspended:   inst.Lifecycle == core.LifecycleInterrupted || inst.Lifecycle == core.LifecycleRetired,
	}
	res := policy.Resource{
		Type:        "skill",
		ID:          skill.SkillID,
		SkillID:     skill.SkillID,
		SkillStatus: string(skill.Status),
		Tool:        tool,
	}
	pctx := policy.Context{
		BudgetExceeded: e.budget.Exceeded(inst.HiredInstanceID),
		AllowedTools:   skill.Tools,
		EstimatedCost:  e.cfg.EstimatedStepCost,
	}

	risk := e.enforcer.Engine().RiskOf(action)
	taoCtx := core.TAOContext{Think: think, Act: skill.Contract.Act, Observe: skill.Contract.Observe}

	// Seed latitude: skip the human round-trip but keep the record.
	if step.ExternalEffect && e.seedSource() != nil {
		if seed, ok := e.seedSource().AutoGrant(inst.AgentTypeID, action, risk); ok {
			ap, err := e.approvals.CreateAuto(ctx, approval.CreateRequest{
				CorrelationID: run.CorrelationID,
				CustomerID:    customerID,
				AgentID:       inst.AgentID,
				AgentTypeID:   inst.AgentTypeID,
				Action:        action,
				Risk:          risk,
				Context:       taoCtx,
			}, seed.SeedID, confidence)
			if err != nil {
				return policy.Decision{}, err
			}
			pctx.Approved = true
			pctx.ApprovalID = ap.ApprovalID
		}
	}

	d, err := e.enforcer.Enforce(ctx, customerID, run.CorrelationID, sub, action, res, pctx)
	if err != nil {
		return policy.Decision{}, err
	}
	if !d.Denied() {
		return d, nil
	}
	if d.Reason != core.ReasonApprovalRequired {
		// Non-approval denials are fatal to the step, never retried.
		return policy.Decision{}, core.NewError(core.KindPolicyDeny, d.Reason,
			"policy denied "+action+" on "+skill.SkillID)
	}

	deadline := e.clock.Now().Add(e.cfg.ApprovalDeadline)
	if step.SLA > 0 && step.SLA < e.cfg.ApprovalDeadline {
		deadline = e.clock.Now().Add(step.SLA)
	}
	ap, err := e.approvals.Create(ctx, approval.CreateRequest{
		CorrelationID: run.CorrelationID,
		CustomerID:    customerID,
		AgentID:       inst.AgentID,
		AgentTypeID:   inst.AgentTypeID,
		Action:        action,
		Risk:          risk,
		Confidence:    confidence,
		Context:       taoCtx,
		Deadline:      deadline,
	})
	if err != nil {
		return policy.Decision{}, err
	}

	e.trackApproval(run, ap.ApprovalID, true)
	e.emit("approval.requested", run.CorrelationID, map[string]interface{}{
		"approval_id": ap.ApprovalID, "action": action, "risk": risk,
	})

	var state core.ApprovalState
	select {
	case state = <-e.approvals.Await(ap.ApprovalID):
	case <-run.cancelCh:
		return policy.Decision{}, errCancelled
	case <-ctx.Done():
		return policy.Decision{}, ctx.Err()
	}
	e.trackApproval(run, ap.ApprovalID, false)

	switch state {
	case core.ApprovalApproved:
	case core.ApprovalExpired:
		return policy.Decision{}, core.NewError(core.KindApprovalExpired, core.ReasonApprovalExpired,
			"approval "+ap.ApprovalID+" expired before a decision")
	default:
		return policy.Decision{}, core.NewError(core.KindPolicyDeny, core.ReasonApprovalRequired,
			"approval "+ap.ApprovalID+" was "+string(state))
	}

	// Re-ask with the approval attached so the ALLOW that precedes the
	// external effect is on the chain.
	pctx.Approved = true
	pctx.ApprovalID = ap.ApprovalID
	d, err = e.enforcer.Enforce(ctx, customerID, run.CorrelationID, sub, action, res, pctx)
	if err != nil {
		return policy.Decision{}, err
	}
	if d.Denied() {
		return policy.Decision{}, core.NewError(core.KindPolicyDeny, d.Reason,
			"policy denied "+action+" after approval "+ap.ApprovalID)
	}
	return d, nil
}

// invokeWithRetry drives the adapter with exponential backoff and jitter for
// transient failures, up to the skill's declared retry count.
func (e *Engine) invokeWithRetry(ctx context.Context, run *GoalRun, call ToolCall, retries int) (*ToolResult, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.RetryBase << uint(attempt-1)
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-e.clock.After(backoff):
			case <-run.cancelCh:
				return nil, errCancelled
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result, err := e.tools.Invoke(ctx, call)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !core.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// ============================================================================
// COMPLETION, CANCELLATION, COMPENSATION
// ============================================================================

func (e *Engine) recordCompletion(ctx context.Context, run *GoalRun, customerID string,
	step core.PlanStep, outputs map[string]interface{}) error {
	_, err := e.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: run.CorrelationID,
		Actor:         "engine",
		EventType:     audit.EventStepCompleted,
		Payload: map[string]interface{}{
			"step_id":  step.StepID,
			"skill_id": step.SkillID,
			"outputs":  outputs,
		},
	})
	if err != nil {
		return err
	}
	e.emit("step.completed", run.CorrelationID, map[string]interface{}{
		"step_id": step.StepID, "skill_id": step.SkillID,
	})
	return nil
}

func (e *Engine) finish(ctx context.Context, run *GoalRun, customerID string, cause error) error {
	now := e.clock.Now()

	state := RunCompleted
	eventType := audit.EventGoalCompleted
	outcome := "completed"
	reason := ""

	switch {
	case cause == nil:
	case errors.Is(cause, errCancelled):
		state = RunCancelled
		eventType = audit.EventGoalCancelled
		outcome = "cancelled"
		reason = "cancelled"
	default:
		state = RunFailed
		eventType = audit.EventGoalFailed
		outcome = "failed"
		reason = cause.Error()
	}

	if state == RunCancelled {
		e.settleCancellation(ctx, run)
	}

	e.mu.Lock()
	run.State = state
	run.Reason = reason
	run.FinishedAt = &now
	deliverables := 0
	for _, d := range e.deliverables {
		if d.CorrelationID == run.CorrelationID {
			deliverables++
		}
	}
	e.mu.Unlock()

	if _, err := e.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: run.CorrelationID,
		Actor:         "engine",
		EventType:     eventType,
		Payload: map[string]interface{}{
			"goal_instance_id": run.GoalInstanceID,
			"deliverables":     deliverables,
			"reason":           reason,
		},
	}); err != nil {
		slog.Error("audit append failed for goal finish",
			"correlation", run.CorrelationID, "error", err)
	}

	e.metrics.RecordGoal(outcome)
	e.emit("goal."+outcome, run.CorrelationID, map[string]interface{}{
		"goal_instance_id": run.GoalInstanceID, "reason": reason,
	})

	if cause != nil && !errors.Is(cause, errCancelled) {
		return cause
	}
	// Cancellation is a deterministic outcome, not an error to the caller.
	return nil
}

// settleCancellation defers in-flight approvals and interrupts the instance.
func (e *Engine) settleCancellation(ctx context.Context, run *GoalRun) {
	e.mu.Lock()
	pending := make([]string, 0, len(run.inflight))
	for id, waiting := range run.inflight {
		if waiting {
			pending = append(pending, id)
		}
	}
	e.mu.Unlock()

	for _, id := range pending {
		if err := e.approvals.Defer(ctx, id, "goal cancelled"); err != nil {
			slog.Warn("deferring in-flight approval failed", "approval", id, "error", err)
		}
	}
	if _, err := e.instances.Interrupt(ctx, run.CorrelationID, run.HiredInstanceID, "goal_cancelled"); err != nil &&
		core.KindOf(err) != core.KindConflict {
		slog.Warn("interrupting instance on cancel failed",
			"instance", run.HiredInstanceID, "error", err)
	}
}

// suspendAndEscalate handles a budget refusal: interrupt the instance and
// open an emergency budget request for a human.
func (e *Engine) suspendAndEscalate(ctx context.Context, run *GoalRun, inst *core.AgentInstance,
	customerID string, step core.PlanStep) {
	if _, err := e.instances.Interrupt(ctx, run.CorrelationID, inst.HiredInstanceID, "budget_exceeded"); err != nil &&
		core.KindOf(err) != core.KindConflict {
		slog.Warn("interrupting instance on budget refusal failed",
			"instance", inst.HiredInstanceID, "error", err)
	}
	if _, err := e.approvals.Create(ctx, approval.CreateRequest{
		CorrelationID: run.CorrelationID,
		CustomerID:    customerID,
		AgentID:       inst.AgentID,
		AgentTypeID:   inst.AgentTypeID,
		Action:        "emergency_budget",
		Risk:          "high",
		Context: core.TAOContext{
			Think: "daily budget exhausted at step " + step.StepID,
			Act:   "request emergency budget extension",
		},
	}); err != nil {
		slog.Error("escalation approval failed", "instance", inst.HiredInstanceID, "error", err)
	}
}

// Compensate reverses the external effects of a correlation (LIFO) and
// retracts its deliverables. Used on seed vetoes.
func (e *Engine) Compensate(ctx context.Context, correlationID string) error {
	if err := e.tools.Compensate(ctx, correlationID); err != nil {
		return err
	}
	e.mu.Lock()
	for i := range e.deliverables {
		if e.deliverables[i].CorrelationID == correlationID {
			e.deliverables[i].Status = "retracted"
		}
	}
	e.mu.Unlock()
	return nil
}

// ============================================================================
// WORKING MEMORY & DELIVERABLES
// ============================================================================

func (e *Engine) remember(correlationID, stepID string, outputs map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memory[correlationID+"|"+stepID] = outputs
}

func (e *Engine) recall(correlationID, stepID string) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memory[correlationID+"|"+stepID]
}

func (e *Engine) collectDeliverable(run *GoalRun, step core.PlanStep, outputs map[string]interface{}) {
	content, ok := outputs["deliverable"]
	if !ok {
		return
	}
	d := Deliverable{
		DeliverableID:   "del-" + uuid.NewString()[:8],
		HiredInstanceID: run.HiredInstanceID,
		GoalInstanceID:  run.GoalInstanceID,
		CorrelationID:   run.CorrelationID,
		StepID:          step.StepID,
		Status:          "published",
		Content:         map[string]interface{}{"body": content},
		CreatedAt:       e.clock.Now(),
	}
	if wm, ok := outputs["watermark"]; ok {
		d.Content["watermark"] = wm
	}
	e.mu.Lock()
	e.deliverables = append(e.deliverables, d)
	e.mu.Unlock()
}

// Deliverables lists an instance's outputs, newest first.
func (e *Engine) Deliverables(instanceID string) []Deliverable {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Deliverable
	for _, d := range e.deliverables {
		if d.HiredInstanceID == instanceID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ============================================================================
// SMALL HELPERS
// ============================================================================

func (e *Engine) seedSource() SeedSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seeds
}

func (e *Engine) trackApproval(run *GoalRun, approvalID string, waiting bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if waiting {
		run.inflight[approvalID] = true
	} else {
		delete(run.inflight, approvalID)
	}
}

func (e *Engine) checkCancelled(ctx context.Context, run *GoalRun) error {
	select {
	case <-run.cancelCh:
		return errCancelled
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (e *Engine) emit(eventType, correlationID string, data map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(eventType, "engine", correlationID, data)
}
