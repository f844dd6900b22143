// Package tests drives the governance core end to end: hire-to-deliverable,
// budget exhaustion and recovery, audit tamper detection, skill lineage,
// deterministic cancellation and the precedent seed lifecycle.
package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/budget"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/engine"
	"github.com/agentgrid/backend/internal/hiring"
	"github.com/agentgrid/backend/internal/learner"
	"github.com/agentgrid/backend/internal/policy"
	"github.com/agentgrid/backend/internal/registry"
)

// =============================================================================
// STACK WIRING
// =============================================================================

type memDistributor struct{ revoked []string }

func (d *memDistributor) Distribute(ctx context.Context, seed core.PrecedentSeed) error { return nil }
func (d *memDistributor) Revoke(ctx context.Context, seedID string) error {
	d.revoked = append(d.revoked, seedID)
	return nil
}

// stack is the whole governance core wired in memory, the way cmd/api does it.
type stack struct {
	clk       *clock.Fake
	audits    *audit.MemoryStore
	log       *audit.Log
	reg       *registry.Genesis
	hire      *hiring.Store
	acct      *budget.Accountant
	approvals *approval.Service
	engine    *engine.Engine
	learner   *learner.Learner
	dist      *memDistributor

	pubmed   *engine.StaticAdapter
	composer *engine.StaticAdapter
	linkedin *engine.StaticAdapter
}

func newStack(t *testing.T, cfg engine.Config) *stack {
	t.Helper()
	ctx := context.Background()

	s := &stack{
		clk:    clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)),
		audits: audit.NewMemoryStore(),
		dist:   &memDistributor{},
	}
	s.log = audit.NewLog(s.audits, s.clk, nil)
	s.reg = registry.NewGenesis(s.log, s.clk)
	if err := registry.SeedDemoCatalog(ctx, s.reg); err != nil {
		t.Fatalf("seeding the demo catalog failed: %v", err)
	}

	s.hire = hiring.NewStore(s.reg, s.log, s.clk)
	s.hire.PutCustomer(core.Customer{CustomerID: "cust-1", Tier: "pro"})

	enforcer := policy.NewEnforcer(policy.NewEngine(), s.log, policy.NewDenialStore(), nil, s.clk)
	s.approvals = approval.NewService(approval.Defaults{
		DecisionDeadline: 24 * time.Hour,
		DeferExtension:   24 * time.Hour,
		VetoWindow:       24 * time.Hour,
	}, enforcer, s.log, s.clk, nil)
	s.approvals.RegisterGovernor("cust-1", "gov-1")

	s.acct = budget.NewAccountant(s.hire, s.log, s.clk, nil)
	s.acct.SetAuthorizer(s.approvals)

	tools := engine.NewAdapterRegistry()
	s.pubmed = &engine.StaticAdapter{Tool: "pubmed", Outputs: map[string]interface{}{"sources": "pmid:42"}}
	s.composer = &engine.StaticAdapter{Tool: "composer", Outputs: map[string]interface{}{"deliverable": "draft text"}}
	s.linkedin = &engine.StaticAdapter{Tool: "linkedin", Outputs: map[string]interface{}{"deliverable": "published post"}}
	tools.Register("pubmed", s.pubmed)
	tools.Register("composer", s.composer)
	tools.Register("linkedin", s.linkedin)

	s.engine = engine.New(s.reg, s.hire, s.acct, s.approvals, enforcer, s.log,
		tools, nil, nil, nil, s.clk, cfg)

	s.learner = learner.New(s.approvals, s.reg, s.log, s.dist, s.clk, nil, learner.Config{})
	s.learner.SetCompensator(s.engine)
	s.learner.SetSuspender(s.hire)
	s.engine.SetSeedSource(s.learner)

	return s
}

// hireActive walks a subscription through hire, configure, goal and activate.
func (s *stack) hireActive(t *testing.T, trial bool) (*core.AgentInstance, core.Goal) {
	t.Helper()
	ctx := context.Background()

	sub, err := s.hire.CreateSubscription("cust-1", "MKT_HEALTH_v1", trial)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	inst, err := s.hire.Hire(ctx, "setup", sub.SubscriptionID)
	if err != nil {
		t.Fatalf("Hire: %v", err)
	}
	if _, err := s.hire.Configure(ctx, "setup", inst.HiredInstanceID, map[string]interface{}{
		"channels": []interface{}{"linkedin"},
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	goal, err := s.hire.AddGoal(ctx, "setup", inst.HiredInstanceID, "weekly_blog", "weekly",
		map[string]interface{}{"topic": "telehealth"})
	if err != nil {
		t.Fatalf("AddGoal: %v", err)
	}
	active, err := s.hire.Activate(ctx, "setup", inst.HiredInstanceID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return active, *goal
}

// governor approves every pending request until the test ends.
func (s *stack) governor(t *testing.T) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, ap := range s.approvals.List(ctx, "cust-1", core.ApprovalPending) {
				s.approvals.Decide(ctx, ap.ApprovalID, "gov-1", core.ApprovalApproved, "ok")
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func (s *stack) countEvents(t *testing.T, chainID, eventType string) int {
	t.Helper()
	entries, err := s.audits.Range(context.Background(), chainID, 0, 0)
	if err != nil {
		t.Fatalf("reading chain %s: %v", chainID, err)
	}
	n := 0
	for _, e := range entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// =============================================================================
// 1. HIRE TO DELIVERABLE: the full happy path under human governance
// =============================================================================

func TestE2E_HireToDeliverable(t *testing.T) {
	s := newStack(t, engine.Config{})
	inst, goal := s.hireActive(t, false)
	s.governor(t)

	corr, err := s.engine.ExecuteGoal(context.Background(), inst.HiredInstanceID, goal.GoalInstanceID, "corr-e2e-1")
	if err != nil {
		t.Fatalf("ExecuteGoal: %v", err)
	}

	run, ok := s.engine.Run(corr)
	if !ok || run.State != engine.RunCompleted {
		t.Fatalf("run should be completed, got %+v", run)
	}

	// Every step on the chain, in a chain that verifies.
	if got := s.countEvents(t, "cust-1", audit.EventStepCompleted); got != 3 {
		t.Errorf("expected 3 STEP_COMPLETED events, got %d", got)
	}
	if got := s.countEvents(t, "cust-1", audit.EventGoalCompleted); got != 1 {
		t.Errorf("expected 1 GOAL_COMPLETED event, got %d", got)
	}
	result, err := s.log.Verify(context.Background(), "cust-1", 0, 0)
	if err != nil || !result.OK {
		t.Fatalf("customer chain should verify clean: ok=%v err=%v", result.OK, err)
	}

	// The external effect went through exactly one human approval.
	approved := s.approvals.List(context.Background(), "cust-1", core.ApprovalApproved)
	if len(approved) != 1 {
		t.Fatalf("expected 1 approved request, got %d", len(approved))
	}
	if approved[0].Action != "publish" || approved[0].Auto {
		t.Errorf("approval should be a human publish decision, got %+v", approved[0])
	}

	// Deliverables surfaced without a trial watermark.
	dels := s.engine.Deliverables(inst.HiredInstanceID)
	if len(dels) != 2 {
		t.Fatalf("expected 2 deliverables, got %d", len(dels))
	}
	for _, d := range dels {
		if d.Status != "published" {
			t.Errorf("deliverable %s should be published, got %s", d.DeliverableID, d.Status)
		}
		if _, ok := d.Content["watermark"]; ok {
			t.Errorf("non-trial deliverable %s should carry no watermark", d.DeliverableID)
		}
	}

	// The ledger charged the day.
	spent, limit, _ := s.acct.Utilisation(inst.HiredInstanceID)
	if spent <= 0 || spent > limit {
		t.Errorf("spend should be positive and within the cap: spent=%.2f limit=%.2f", spent, limit)
	}
}

// =============================================================================
// 2. BUDGET EXHAUSTION: refusal, emergency grant, durable resume
// =============================================================================

func TestE2E_BudgetExhaustionAndEmergencyGrant(t *testing.T) {
	// Three steps at ~10 USD against a 25 USD cap: the publish step trips
	// the 100% gate.
	s := newStack(t, engine.Config{EstimatedStepCost: 10})
	inst, goal := s.hireActive(t, false)
	s.governor(t)
	ctx := context.Background()

	_, err := s.engine.ExecuteGoal(ctx, inst.HiredInstanceID, goal.GoalInstanceID, "corr-e2e-2")
	if core.KindOf(err) != core.KindBudget {
		t.Fatalf("expected a budget refusal, got %v", err)
	}

	// The refusal suspended the instance and escalated.
	got, _ := s.hire.GetInstance(inst.HiredInstanceID)
	if got.Lifecycle != core.LifecycleInterrupted {
		t.Fatalf("instance should be interrupted, got %s", got.Lifecycle)
	}

	var emergency *core.ApprovalRequest
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && emergency == nil {
		for _, ap := range s.approvals.List(ctx, "cust-1", core.ApprovalApproved) {
			if ap.Action == "emergency_budget" {
				ap := ap
				emergency = &ap
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if emergency == nil {
		t.Fatal("expected an approved emergency_budget request")
	}

	// The grant unlocks the day; resume and replay the same correlation.
	if err := s.acct.ExtendBudget(ctx, inst.HiredInstanceID, 10, emergency.ApprovalID, "corr-e2e-2"); err != nil {
		t.Fatalf("ExtendBudget: %v", err)
	}
	if _, err := s.hire.Resume(ctx, "corr-e2e-2", inst.HiredInstanceID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	researchCalls := len(s.pubmed.Invoked())
	if _, err := s.engine.ExecuteGoal(ctx, inst.HiredInstanceID, goal.GoalInstanceID, "corr-e2e-2"); err != nil {
		t.Fatalf("re-run after grant should complete: %v", err)
	}

	// The completed steps were not re-executed.
	if len(s.pubmed.Invoked()) != researchCalls {
		t.Errorf("research step should resume from the chain, not re-run")
	}
	run, _ := s.engine.Run("corr-e2e-2")
	if run.State != engine.RunCompleted {
		t.Fatalf("run should complete after the grant, got %s", run.State)
	}
	if len(s.engine.Deliverables(inst.HiredInstanceID)) == 0 {
		t.Error("expected deliverables after the resumed run")
	}
}

// =============================================================================
// 3. TAMPER DETECTION: a mutated entry quarantines the chain
// =============================================================================

func TestE2E_TamperQuarantinesChain(t *testing.T) {
	s := newStack(t, engine.Config{})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := s.log.Append(ctx, audit.Event{
			ChainID:       "cust-1",
			CorrelationID: "corr-e2e-3",
			Actor:         "test",
			EventType:     audit.EventStepCompleted,
			Payload:       map[string]interface{}{"step_id": fmt.Sprintf("s%d", i)},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Rewrite history on entry 2.
	if !s.audits.Corrupt("cust-1", 2, func(e *core.AuditEntry) {
		e.Payload["step_id"] = "forged"
	}) {
		t.Fatal("corrupting entry 2 should succeed")
	}

	result, err := s.log.Verify(ctx, "cust-1", 0, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.OK || result.FirstBadSeq != 2 {
		t.Fatalf("verification should fail at seq 2, got %+v", result)
	}

	// The quarantined chain refuses writes, so no governed action can
	// proceed for this customer.
	_, err = s.log.Append(ctx, audit.Event{ChainID: "cust-1", Actor: "test", EventType: audit.EventStepCompleted})
	if core.KindOf(err) != core.KindIntegrity {
		t.Fatalf("append to a quarantined chain should fail with INTEGRITY, got %v", err)
	}

	// Other customers are unaffected.
	if _, err := s.log.Append(ctx, audit.Event{ChainID: "cust-2", Actor: "test", EventType: audit.EventStepCompleted}); err != nil {
		t.Fatalf("other chains should keep accepting writes: %v", err)
	}

	// An operator acknowledgment reopens the chain.
	s.log.Acknowledge("cust-1")
	if _, err := s.log.Append(ctx, audit.Event{ChainID: "cust-1", Actor: "test", EventType: audit.EventStepCompleted}); err != nil {
		t.Fatalf("append after acknowledgment should succeed: %v", err)
	}
}

// =============================================================================
// 4. SKILL LINEAGE: collisions, improvement, deprecation propagation
// =============================================================================

func TestE2E_SkillLineageAndDeprecation(t *testing.T) {
	s := newStack(t, engine.Config{})
	ctx := context.Background()

	input := registry.SkillInput{
		Name:         "screen portfolios",
		SkillKey:     "screen_portfolios",
		IndustryCode: "FIN",
		Tools:        []string{"bloomberg"},
		Contract: core.TAOContract{
			Think: "select screening criteria", Act: "run the screen", Observe: "rank the results",
		},
		FailureModes: []string{"market data unavailable"},
	}

	v1, err := s.reg.CertifySkill(ctx, "corr-e2e-4", input)
	if err != nil {
		t.Fatalf("CertifySkill: %v", err)
	}
	if v1.SkillID != "SKILL-FIN-001" {
		t.Fatalf("first FIN skill should be SKILL-FIN-001, got %s", v1.SkillID)
	}

	// Re-certifying the identical body is a conflict pointing at the original.
	if _, err := s.reg.CertifySkill(ctx, "corr-e2e-4", input); core.KindOf(err) != core.KindConflict {
		t.Fatalf("identical re-certification should conflict, got %v", err)
	}

	// An improved body versions the lineage and retires the predecessor.
	improved := input
	improved.Contract.Observe = "rank the results and flag outliers"
	v2, err := s.reg.CertifySkill(ctx, "corr-e2e-4", improved)
	if err != nil {
		t.Fatalf("improved certification: %v", err)
	}
	if v2.SkillID != "SKILL-FIN-001-v2" || v2.Supersedes != "SKILL-FIN-001" {
		t.Fatalf("improvement should become SKILL-FIN-001-v2, got %+v", v2)
	}
	resolved, err := s.reg.ResolveSkill("screen_portfolios")
	if err != nil || resolved.SkillID != v2.SkillID {
		t.Fatalf("the key should resolve to the new head: %v %v", resolved, err)
	}

	// The superseded version keeps resolving by ID during the grace window.
	old, _ := s.reg.GetSkill("SKILL-FIN-001")
	if old.Status != core.SkillDeprecated {
		t.Errorf("predecessor should be deprecated, got %s", old.Status)
	}

	// Deprecating a skill an agent type depends on blocks new hires.
	head, err := s.reg.ResolveSkill("research_topics")
	if err != nil {
		t.Fatalf("ResolveSkill(research_topics): %v", err)
	}
	if err := s.reg.DeprecateSkill(ctx, "corr-e2e-4", head.SkillID, "tool sunset"); err != nil {
		t.Fatalf("DeprecateSkill: %v", err)
	}
	_, err = s.hire.CreateSubscription("cust-1", "MKT_HEALTH_v1", false)
	if core.ReasonOf(err) != core.ReasonVersionUpgrade {
		t.Fatalf("hires should be blocked pending migration, got %v", err)
	}

	// Past the grace window the key stops resolving entirely.
	s.clk.Advance(31 * 24 * time.Hour)
	if _, err := s.reg.ResolveSkill("research_topics"); core.KindOf(err) != core.KindPolicyDeny {
		t.Fatalf("resolution past grace should be refused, got %v", err)
	}
}

// =============================================================================
// 5. CANCELLATION: deterministic stop before the external effect
// =============================================================================

func TestE2E_CancellationIsDeterministic(t *testing.T) {
	s := newStack(t, engine.Config{})
	inst, goal := s.hireActive(t, false)
	ctx := context.Background()

	// No governor: the run parks on the publish approval.
	corr, err := s.engine.StartGoal(ctx, inst.HiredInstanceID, goal.GoalInstanceID, "corr-e2e-5")
	if err != nil {
		t.Fatalf("StartGoal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.approvals.List(ctx, "cust-1", core.ApprovalPending)) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	pending := s.approvals.List(ctx, "cust-1", core.ApprovalPending)
	if len(pending) != 1 {
		t.Fatalf("expected the publish approval to be pending, got %d", len(pending))
	}

	if err := s.engine.Cancel(corr); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	for time.Now().Before(deadline) {
		if run, _ := s.engine.Run(corr); run.State == engine.RunCancelled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	run, _ := s.engine.Run(corr)
	if run.State != engine.RunCancelled {
		t.Fatalf("run should be cancelled, got %s", run.State)
	}

	// The approval deferred, the instance interrupted, nothing egressed.
	ap, err := s.approvals.Get(ctx, pending[0].ApprovalID)
	if err != nil || ap.State != core.ApprovalDeferred {
		t.Fatalf("in-flight approval should defer on cancel, got %v %v", ap, err)
	}
	got, _ := s.hire.GetInstance(inst.HiredInstanceID)
	if got.Lifecycle != core.LifecycleInterrupted {
		t.Errorf("instance should be interrupted, got %s", got.Lifecycle)
	}
	if n := len(s.linkedin.Invoked()); n != 0 {
		t.Errorf("the external effect must not run after cancel, got %d calls", n)
	}
	if got := s.countEvents(t, "cust-1", audit.EventGoalCancelled); got != 1 {
		t.Errorf("expected 1 GOAL_CANCELLED event, got %d", got)
	}
}

// =============================================================================
// 6. SEED LIFECYCLE: mine, certify, auto-approve, veto, compensate
// =============================================================================

func TestE2E_SeedLifecycle(t *testing.T) {
	s := newStack(t, engine.Config{})
	inst, goal := s.hireActive(t, false)
	ctx := context.Background()

	// Three consistent human approvals make a pattern.
	for i := 0; i < 3; i++ {
		ap, err := s.approvals.Create(ctx, approval.CreateRequest{
			CorrelationID: fmt.Sprintf("corr-seed-%d", i),
			CustomerID:    "cust-1",
			AgentTypeID:   "MKT_HEALTH_v1",
			Action:        "publish",
			Risk:          "high",
			Confidence:    0.95,
			Context:       core.TAOContext{Think: "t", Act: "a", Observe: "o"},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.approvals.Decide(ctx, ap.ApprovalID, "gov-1", core.ApprovalApproved, "fine"); err != nil {
			t.Fatalf("Decide: %v", err)
		}
	}
	if n := s.learner.Mine(ctx); n != 1 {
		t.Fatalf("mining should draft exactly 1 seed, got %d", n)
	}

	drafts := s.learner.List(core.SeedDraft)
	seed, err := s.learner.Review(ctx, drafts[0].SeedID, learner.ReviewInput{
		Outcome: core.SeedApproved, Note: "narrow, justified",
		ConsistentL0L1: true, Specific: true, Justified: true,
		ReusableScope: true, NonWeakening: true,
	})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if seed.SeedID != "HC-001" {
		t.Fatalf("approved seed should take the industry ID HC-001, got %s", seed.SeedID)
	}

	// With the seed live, the goal completes with no human in the loop.
	if _, err := s.engine.ExecuteGoal(ctx, inst.HiredInstanceID, goal.GoalInstanceID, "corr-e2e-6"); err != nil {
		t.Fatalf("seeded run should complete unattended: %v", err)
	}
	var auto *core.ApprovalRequest
	for _, ap := range s.approvals.List(ctx, "cust-1", core.ApprovalApproved) {
		if ap.Auto {
			ap := ap
			auto = &ap
		}
	}
	if auto == nil || auto.SeedID != "HC-001" || auto.DecidedBy != "seed:HC-001" {
		t.Fatalf("expected an informational auto-approval from HC-001, got %+v", auto)
	}

	// The governor vetoes inside the window: the effect reverses and the
	// seed takes a false positive.
	vetoed, err := s.learner.RecordVeto(ctx, auto.ApprovalID, "gov-1", inst.HiredInstanceID, "off brand")
	if err != nil {
		t.Fatalf("RecordVeto: %v", err)
	}
	if vetoed.State != core.ApprovalDenied {
		t.Errorf("vetoed approval should be DENIED, got %s", vetoed.State)
	}
	if n := len(s.linkedin.Compensated()); n != 1 {
		t.Errorf("the publish should be compensated exactly once, got %d", n)
	}
	for _, d := range s.engine.Deliverables(inst.HiredInstanceID) {
		if d.Status != "retracted" {
			t.Errorf("deliverable %s should be retracted after the veto, got %s", d.DeliverableID, d.Status)
		}
	}
	charged, _ := s.learner.Get("HC-001")
	if charged.FalsePositiveCount != 1 {
		t.Errorf("seed should carry 1 false positive, got %d", charged.FalsePositiveCount)
	}
	if got := s.countEvents(t, "cust-1", audit.EventSeedVetoed); got != 1 {
		t.Errorf("expected 1 SEED_VETOED event, got %d", got)
	}
}
