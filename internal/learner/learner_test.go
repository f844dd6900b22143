package learner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/policy"
	"github.com/agentgrid/backend/internal/registry"
)

// memDistributor records pushes and revocations.
type memDistributor struct {
	mu          sync.Mutex
	distributed []core.PrecedentSeed
	revoked     []string
}

func (d *memDistributor) Distribute(ctx context.Context, seed core.PrecedentSeed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.distributed = append(d.distributed, seed)
	return nil
}

func (d *memDistributor) Revoke(ctx context.Context, seedID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, seedID)
	return nil
}

type fakeCompensator struct {
	err   error
	calls []string
}

func (c *fakeCompensator) Compensate(ctx context.Context, correlationID string) error {
	c.calls = append(c.calls, correlationID)
	return c.err
}

type fakeSuspender struct {
	instances []string
	reasons   []string
}

func (s *fakeSuspender) Interrupt(ctx context.Context, correlationID, instanceID, reason string) (*core.AgentInstance, error) {
	s.instances = append(s.instances, instanceID)
	s.reasons = append(s.reasons, reason)
	return &core.AgentInstance{HiredInstanceID: instanceID, Lifecycle: core.LifecycleInterrupted}, nil
}

func testLearner(t *testing.T) (*Learner, *approval.Service, *clock.Fake, *memDistributor) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	log := audit.NewLog(audit.NewMemoryStore(), clk, nil)
	reg := registry.NewGenesis(log, clk)
	require.NoError(t, registry.SeedDemoCatalog(context.Background(), reg))

	enforcer := policy.NewEnforcer(policy.NewEngine(), log, policy.NewDenialStore(), nil, clk)
	approvals := approval.NewService(approval.Defaults{
		DecisionDeadline: 24 * time.Hour,
		DeferExtension:   24 * time.Hour,
		VetoWindow:       24 * time.Hour,
	}, enforcer, log, clk, nil)
	approvals.RegisterGovernor("cust-1", "gov-1")

	dist := &memDistributor{}
	return New(approvals, reg, log, dist, clk, nil, Config{}), approvals, clk, dist
}

// approveN runs n human approvals of the same shape through the service.
func approveN(t *testing.T, s *approval.Service, n int, action, risk string, confidence float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ap, err := s.Create(ctx, approval.CreateRequest{
			CorrelationID: fmt.Sprintf("corr-%s-%d", risk, i),
			CustomerID:    "cust-1",
			AgentID:       "agent-1",
			AgentTypeID:   "MKT_HEALTH_v1",
			Action:        action,
			Risk:          risk,
			Confidence:    confidence,
			Context:       core.TAOContext{Think: "t", Act: "a", Observe: "o"},
		})
		require.NoError(t, err)
		_, err = s.Decide(ctx, ap.ApprovalID, "gov-1", core.ApprovalApproved, "fine")
		require.NoError(t, err)
	}
}

// draftAndApprove mines one seed and walks it through certification.
func draftAndApprove(t *testing.T, l *Learner, approvals *approval.Service) core.PrecedentSeed {
	t.Helper()
	approveN(t, approvals, 3, "publish", "high", 0.95)
	require.Equal(t, 1, l.Mine(context.Background()))

	drafts := l.List(core.SeedDraft)
	require.Len(t, drafts, 1)
	seed, err := l.Review(context.Background(), drafts[0].SeedID, ReviewInput{
		Outcome: core.SeedApproved, Note: "narrow and justified",
		ConsistentL0L1: true, Specific: true, Justified: true,
		ReusableScope: true, NonWeakening: true,
	})
	require.NoError(t, err)
	return *seed
}

// ============================================================================
// MINING
// ============================================================================

func TestMineDraftsSeedFromRecurringApprovals(t *testing.T) {
	l, approvals, _, _ := testLearner(t)
	ctx := context.Background()

	approveN(t, approvals, 3, "publish", "high", 0.95)
	assert.Equal(t, 1, l.Mine(ctx))

	drafts := l.List(core.SeedDraft)
	require.Len(t, drafts, 1)
	seed := drafts[0]
	assert.True(t, strings.HasPrefix(seed.SeedID, "draft-"))
	assert.Equal(t, "publish", seed.Action)
	assert.Equal(t, "high", seed.RiskBucket)
	assert.Equal(t, []string{"MKT_HEALTH_v1"}, seed.AppliesTo)
	assert.Equal(t, "auto_approval", seed.SeedType)

	// The same group never drafts twice.
	assert.Equal(t, 0, l.Mine(ctx))
}

func TestMineThresholds(t *testing.T) {
	l, approvals, _, _ := testLearner(t)
	ctx := context.Background()

	// Two approvals are not a pattern.
	approveN(t, approvals, 2, "publish", "high", 0.95)
	assert.Equal(t, 0, l.Mine(ctx))

	// Confident enough in count, not in confidence.
	approveN(t, approvals, 3, "send_outreach", "medium", 0.85)
	assert.Equal(t, 0, l.Mine(ctx))

	// The third publish approval completes the pattern; the weak group still
	// drafts nothing.
	approveN(t, approvals, 1, "publish", "high", 0.95)
	assert.Equal(t, 1, l.Mine(ctx))
}

func TestMineIgnoresStaleAndAutoApprovals(t *testing.T) {
	l, approvals, clk, _ := testLearner(t)
	ctx := context.Background()

	approveN(t, approvals, 3, "publish", "high", 0.95)
	// Outside the lookback window the history no longer counts.
	clk.Advance(15 * 24 * time.Hour)
	assert.Equal(t, 0, l.Mine(ctx))

	// Auto-approvals never feed mining, no matter how many.
	for i := 0; i < 4; i++ {
		_, err := approvals.CreateAuto(ctx, approval.CreateRequest{
			CorrelationID: fmt.Sprintf("corr-auto-%d", i),
			CustomerID:    "cust-1",
			AgentTypeID:   "MKT_HEALTH_v1",
			Action:        "post_update",
			Risk:          "medium",
		}, "HC-001", 0.97)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, l.Mine(ctx))
}

// ============================================================================
// REVIEW
// ============================================================================

func TestReviewApprovalRequiresEveryCriterion(t *testing.T) {
	l, approvals, _, _ := testLearner(t)
	ctx := context.Background()

	approveN(t, approvals, 3, "publish", "high", 0.95)
	require.Equal(t, 1, l.Mine(ctx))
	draftID := l.List(core.SeedDraft)[0].SeedID

	_, err := l.Review(ctx, draftID, ReviewInput{
		Outcome:        core.SeedApproved,
		ConsistentL0L1: true, Specific: true, Justified: true,
		ReusableScope: true, // NonWeakening missing
	})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = l.Review(ctx, draftID, ReviewInput{Outcome: "SHRUGGED"})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = l.Review(ctx, "no-such-seed", ReviewInput{Outcome: core.SeedRejected})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	// A rejection closes the draft; reviewing again conflicts.
	rejected, err := l.Review(ctx, draftID, ReviewInput{Outcome: core.SeedRejected, Note: "too broad"})
	require.NoError(t, err)
	assert.Equal(t, core.SeedRejected, rejected.Status)
	assert.Equal(t, "too broad", rejected.ReviewNote)

	_, err = l.Review(ctx, draftID, ReviewInput{Outcome: core.SeedRejected})
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestReviewApprovedAssignsIndustryIDAndDistributes(t *testing.T) {
	l, approvals, _, dist := testLearner(t)

	seed := draftAndApprove(t, l, approvals)

	// MKT_HEALTH_v1's first required skill is healthcare, so the public ID
	// numbers inside HC.
	assert.Equal(t, "HC-001", seed.SeedID)
	assert.Equal(t, core.SeedApproved, seed.Status)
	require.NotNil(t, seed.ApprovedAt)

	// Retrievable under the public ID only.
	_, ok := l.Get("HC-001")
	assert.True(t, ok)
	assert.Empty(t, l.List(core.SeedDraft))

	require.Len(t, dist.distributed, 1)
	assert.Equal(t, "HC-001", dist.distributed[0].SeedID)
}

// ============================================================================
// AUTO-GRANT & PRECEDENT LOOKUP
// ============================================================================

func TestAutoGrantMatchesScopeExactly(t *testing.T) {
	l, approvals, _, _ := testLearner(t)

	draftAndApprove(t, l, approvals)

	granted, ok := l.AutoGrant("MKT_HEALTH_v1", "publish", "high")
	require.True(t, ok)
	assert.Equal(t, "HC-001", granted.SeedID)

	_, ok = l.AutoGrant("MKT_HEALTH_v1", "publish", "medium")
	assert.False(t, ok)
	_, ok = l.AutoGrant("MKT_HEALTH_v1", "send_outreach", "high")
	assert.False(t, ok)
	_, ok = l.AutoGrant("FIN_ADVISOR_v1", "publish", "high")
	assert.False(t, ok)
}

func TestLookupPrecedentAnswersFromApprovedSeeds(t *testing.T) {
	l, approvals, _, _ := testLearner(t)

	// Drafts answer nothing.
	approveN(t, approvals, 3, "publish", "high", 0.95)
	require.Equal(t, 1, l.Mine(context.Background()))
	_, ok := l.LookupPrecedent("MKT_HEALTH_v1", "do I have approval to publish?")
	assert.False(t, ok)

	drafts := l.List(core.SeedDraft)
	_, err := l.Review(context.Background(), drafts[0].SeedID, ReviewInput{
		Outcome: core.SeedApproved, ConsistentL0L1: true, Specific: true,
		Justified: true, ReusableScope: true, NonWeakening: true,
	})
	require.NoError(t, err)

	answer, ok := l.LookupPrecedent("MKT_HEALTH_v1", "do I have approval to publish?")
	require.True(t, ok)
	assert.Contains(t, answer, "publish")

	_, ok = l.LookupPrecedent("FIN_ADVISOR_v1", "do I have approval to publish?")
	assert.False(t, ok)
}

// ============================================================================
// VETO
// ============================================================================

func autoApproveOnce(t *testing.T, approvals *approval.Service, seedID, corr string) *core.ApprovalRequest {
	t.Helper()
	ap, err := approvals.CreateAuto(context.Background(), approval.CreateRequest{
		CorrelationID: corr,
		CustomerID:    "cust-1",
		AgentTypeID:   "MKT_HEALTH_v1",
		Action:        "publish",
		Risk:          "high",
	}, seedID, 0.97)
	require.NoError(t, err)
	return ap
}

func TestRecordVetoCompensatesAndChargesSeed(t *testing.T) {
	l, approvals, _, dist := testLearner(t)
	ctx := context.Background()

	seed := draftAndApprove(t, l, approvals)
	comp := &fakeCompensator{}
	l.SetCompensator(comp)

	ap := autoApproveOnce(t, approvals, seed.SeedID, "corr-v1")
	vetoed, err := l.RecordVeto(ctx, ap.ApprovalID, "gov-1", "hi-1", "off brand")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalDenied, vetoed.State)
	assert.Equal(t, []string{"corr-v1"}, comp.calls)

	got, _ := l.Get(seed.SeedID)
	assert.Equal(t, 1, got.FalsePositiveCount)
	assert.Equal(t, core.SeedApproved, got.Status)

	// Two more vetoes hit the false-positive limit: the seed deprecates and
	// its distribution is revoked.
	for i := 2; i <= 3; i++ {
		ap := autoApproveOnce(t, approvals, seed.SeedID, fmt.Sprintf("corr-v%d", i))
		_, err := l.RecordVeto(ctx, ap.ApprovalID, "gov-1", "hi-1", "again")
		require.NoError(t, err)
	}

	got, _ = l.Get(seed.SeedID)
	assert.Equal(t, core.SeedDeprecated, got.Status)
	assert.Equal(t, []string{seed.SeedID}, dist.revoked)

	_, ok := l.AutoGrant("MKT_HEALTH_v1", "publish", "high")
	assert.False(t, ok)
}

func TestRecordVetoSuspendsWhenCompensationFails(t *testing.T) {
	l, approvals, _, _ := testLearner(t)
	ctx := context.Background()

	seed := draftAndApprove(t, l, approvals)
	comp := &fakeCompensator{err: errors.New("tool cannot retract")}
	susp := &fakeSuspender{}
	l.SetCompensator(comp)
	l.SetSuspender(susp)

	ap := autoApproveOnce(t, approvals, seed.SeedID, "corr-stuck")
	_, err := l.RecordVeto(ctx, ap.ApprovalID, "gov-1", "hi-9", "leaked PHI")
	require.NoError(t, err)

	require.Len(t, susp.instances, 1)
	assert.Equal(t, "hi-9", susp.instances[0])
	assert.Equal(t, "veto_compensation_failed", susp.reasons[0])
}

func TestRecordVetoPropagatesApprovalErrors(t *testing.T) {
	l, approvals, _, _ := testLearner(t)
	ctx := context.Background()

	// A human approval is not vetoable; the learner surfaces the refusal.
	approveN(t, approvals, 1, "publish", "high", 0.95)
	human := approvals.List(ctx, "cust-1", core.ApprovalApproved)[0]
	_, err := l.RecordVeto(ctx, human.ApprovalID, "gov-1", "hi-1", "regret")
	assert.Equal(t, core.KindPrecondition, core.KindOf(err))
}
