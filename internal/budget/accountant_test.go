package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
)

// fakeInstances satisfies InstanceSource with a fixed daily cap.
type fakeInstances struct {
	cap float64
}

func (f *fakeInstances) GetInstance(id string) (*core.AgentInstance, bool) {
	if id == "missing" {
		return nil, false
	}
	return &core.AgentInstance{HiredInstanceID: id, BudgetDailyUSD: f.cap}, true
}

func (f *fakeInstances) CustomerOf(id string) (string, bool) { return "cust-1", true }

// fakeAuthorizer approves a single approval ID.
type fakeAuthorizer struct{ approved string }

func (f *fakeAuthorizer) IsApproved(id string) bool { return id == f.approved }

func testAccountant(t *testing.T, cap float64) (*Accountant, *audit.MemoryStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := audit.NewMemoryStore()
	log := audit.NewLog(store, clk, nil)
	return NewAccountant(&fakeInstances{cap: cap}, log, clk, nil), store, clk
}

func debit(corr, step string, cost float64) DebitRequest {
	return DebitRequest{
		InstanceID:    "hi-1",
		CorrelationID: corr,
		StepID:        step,
		TokensIn:      100,
		TokensOut:     200,
		CostUSD:       cost,
	}
}

func TestDebitIsIdempotentPerCorrelationStep(t *testing.T) {
	a, _, _ := testAccountant(t, 10)
	ctx := context.Background()

	first, err := a.Debit(ctx, debit("corr-1", "draft", 2.0))
	require.NoError(t, err)

	repeat, err := a.Debit(ctx, debit("corr-1", "draft", 2.0))
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, repeat.CreatedAt)

	spent, _, _ := a.Utilisation("hi-1")
	assert.InDelta(t, 2.0, spent, 1e-9)

	// A different correlation is a fresh charge.
	_, err = a.Debit(ctx, debit("corr-2", "draft", 2.0))
	require.NoError(t, err)
	spent, _, _ = a.Utilisation("hi-1")
	assert.InDelta(t, 4.0, spent, 1e-9)
}

func TestDebitHundredPercentGate(t *testing.T) {
	a, _, _ := testAccountant(t, 10)
	ctx := context.Background()

	_, err := a.Debit(ctx, debit("corr-1", "s1", 10.0))
	require.NoError(t, err)

	_, err = a.Debit(ctx, debit("corr-1", "s2", 0.01))
	require.Error(t, err)
	assert.Equal(t, core.KindBudget, core.KindOf(err))
	assert.Equal(t, core.ReasonBudgetExceeded, core.ReasonOf(err))

	// A zero-cost debit at exactly 100% still succeeds.
	_, err = a.Debit(ctx, debit("corr-1", "s3", 0))
	assert.NoError(t, err)

	assert.True(t, a.Exceeded("hi-1"))
}

func TestThresholdsFireOnceOnUpwardCrossing(t *testing.T) {
	a, store, _ := testAccountant(t, 10)
	ctx := context.Background()

	countEvents := func(eventType string) int {
		entries, err := store.Range(ctx, "cust-1", 0, 0)
		require.NoError(t, err)
		n := 0
		for _, e := range entries {
			if e.EventType == eventType {
				n++
			}
		}
		return n
	}

	_, err := a.Debit(ctx, debit("c", "s1", 7.9)) // 79%
	require.NoError(t, err)
	assert.Equal(t, 0, countEvents(audit.EventBudgetWarn))

	_, err = a.Debit(ctx, debit("c", "s2", 0.2)) // 81%, crosses 80
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetWarn))
	assert.Equal(t, 0, countEvents(audit.EventBudgetNotify))

	_, err = a.Debit(ctx, debit("c", "s3", 0.5)) // 86%, no re-fire
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetWarn))

	_, err = a.Debit(ctx, debit("c", "s4", 1.0)) // 96%, crosses 95
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetNotify))

	_, err = a.Debit(ctx, debit("c", "s5", 0.3)) // 99%, no re-fire
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetWarn))
	assert.Equal(t, 1, countEvents(audit.EventBudgetNotify))
}

func TestConfiguredThresholdsOverrideDefaults(t *testing.T) {
	a, store, _ := testAccountant(t, 10)
	a.SetThresholds(0.50, 0.60)
	ctx := context.Background()

	countEvents := func(eventType string) int {
		entries, err := store.Range(ctx, "cust-1", 0, 0)
		require.NoError(t, err)
		n := 0
		for _, e := range entries {
			if e.EventType == eventType {
				n++
			}
		}
		return n
	}

	_, err := a.Debit(ctx, debit("c", "s1", 5.5)) // 55%, crosses the 50% warn
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetWarn))
	assert.Equal(t, 0, countEvents(audit.EventBudgetNotify))

	_, err = a.Debit(ctx, debit("c", "s2", 1.0)) // 65%, crosses the 60% notify
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetNotify))

	// Out-of-order values keep what is already set.
	a.SetThresholds(0.9, 0.2)
	_, err = a.Debit(ctx, debit("c", "s3", 1.0)) // 75%, nothing new crosses
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(audit.EventBudgetWarn))
	assert.Equal(t, 1, countEvents(audit.EventBudgetNotify))
}

func TestSingleDebitCrossingBothThresholds(t *testing.T) {
	a, store, _ := testAccountant(t, 10)
	ctx := context.Background()

	_, err := a.Debit(ctx, debit("c", "s1", 9.9))
	require.NoError(t, err)

	entries, _ := store.Range(ctx, "cust-1", 0, 0)
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, audit.EventBudgetWarn)
	assert.Contains(t, types, audit.EventBudgetNotify)
}

func TestLedgerResetsAtMidnightUTC(t *testing.T) {
	a, _, clk := testAccountant(t, 10)
	ctx := context.Background()

	_, err := a.Debit(ctx, debit("c", "s1", 10.0))
	require.NoError(t, err)
	assert.True(t, a.Exceeded("hi-1"))

	clk.Advance(13 * time.Hour) // past midnight UTC
	assert.False(t, a.Exceeded("hi-1"))

	_, err = a.Debit(ctx, debit("c", "s1", 2.0)) // same (corr, step), new day
	require.NoError(t, err)
	spent, _, _ := a.Utilisation("hi-1")
	assert.InDelta(t, 2.0, spent, 1e-9)
}

func TestExtendBudgetRequiresApprovedGrant(t *testing.T) {
	a, _, _ := testAccountant(t, 10)
	ctx := context.Background()

	// No authorizer wired: refused.
	err := a.ExtendBudget(ctx, "hi-1", 5.0, "ap-1", "corr-1")
	require.Error(t, err)
	assert.Equal(t, core.KindAuthz, core.KindOf(err))

	a.SetAuthorizer(&fakeAuthorizer{approved: "ap-good"})

	err = a.ExtendBudget(ctx, "hi-1", 5.0, "ap-other", "corr-1")
	assert.Equal(t, core.KindAuthz, core.KindOf(err))

	err = a.ExtendBudget(ctx, "hi-1", -5.0, "ap-good", "corr-1")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	require.NoError(t, a.ExtendBudget(ctx, "hi-1", 5.0, "ap-good", "corr-1"))

	// The extension raises today's cap, unblocking further debits.
	_, err = a.Debit(ctx, debit("c", "s1", 12.0))
	require.NoError(t, err)
	spent, cap, _ := a.Utilisation("hi-1")
	assert.InDelta(t, 12.0, spent, 1e-9)
	assert.InDelta(t, 15.0, cap, 1e-9)
}

func TestAggregateByDayAndMonth(t *testing.T) {
	a, _, clk := testAccountant(t, 100)
	ctx := context.Background()

	_, err := a.Debit(ctx, debit("c1", "s1", 1.0))
	require.NoError(t, err)
	clk.Advance(24 * time.Hour)
	_, err = a.Debit(ctx, debit("c2", "s1", 2.0))
	require.NoError(t, err)

	day := a.Aggregate("hi-1", "2026-08-24")
	assert.InDelta(t, 1.0, day.CostUSD, 1e-9)
	assert.Equal(t, 1, day.Entries)
	assert.Equal(t, int64(100), day.TokensIn)

	month := a.Aggregate("hi-1", "2026-08")
	assert.InDelta(t, 3.0, month.CostUSD, 1e-9)
	assert.Equal(t, 2, month.Entries)
	assert.Equal(t, int64(400), month.TokensOut)
}

func TestEntriesReturnsLedgerRows(t *testing.T) {
	a, _, clk := testAccountant(t, 100)
	ctx := context.Background()

	_, err := a.Debit(ctx, debit("c1", "s1", 1.0))
	require.NoError(t, err)
	_, err = a.Debit(ctx, debit("c1", "s2", 2.0))
	require.NoError(t, err)

	rows := a.Entries("hi-1", Day(clk.Now()))
	require.Len(t, rows, 2)
	assert.Equal(t, "s1", rows[0].StepID)
	assert.Equal(t, "debit", rows[0].EventType)
}
