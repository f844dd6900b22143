package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
)

func newTestLog() (*Log, *MemoryStore, *clock.Fake) {
	store := NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewLog(store, clk, nil), store, clk
}

func TestAppendChainsHashes(t *testing.T) {
	log, store, _ := newTestLog()
	ctx := context.Background()

	seq1, err := log.Append(ctx, Event{
		ChainID:       "cust-1",
		CorrelationID: "corr-1",
		Actor:         "test",
		EventType:     EventRequestReceived,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)

	seq2, err := log.Append(ctx, Event{
		ChainID:       "cust-1",
		CorrelationID: "corr-1",
		Actor:         "test",
		EventType:     EventPolicyDecision,
		Payload:       map[string]interface{}{"effect": "ALLOW"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)

	first, ok, err := store.Get(ctx, "cust-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, GenesisPrevHash, first.PrevHash)

	second, ok, err := store.Get(ctx, "cust-1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, EntryHash(second), second.Hash)
}

func TestChainsArePartitionedByTenant(t *testing.T) {
	log, _, _ := newTestLog()
	ctx := context.Background()

	seqA, err := log.Append(ctx, Event{ChainID: "cust-a", EventType: EventRequestReceived})
	require.NoError(t, err)
	seqB, err := log.Append(ctx, Event{ChainID: "cust-b", EventType: EventRequestReceived})
	require.NoError(t, err)

	// Both chains start at seq 1 with the genesis prev hash.
	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestVerifyCleanChain(t *testing.T) {
	log, _, _ := newTestLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, Event{ChainID: "cust-1", EventType: EventStepCompleted,
			Payload: map[string]interface{}{"step_id": "s", "n": i}})
		require.NoError(t, err)
	}

	res, err := log.Verify(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(5), res.Checked)
}

func TestVerifyDetectsTamperAndQuarantines(t *testing.T) {
	log, store, _ := newTestLog()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, Event{ChainID: "cust-1", EventType: EventBudgetDebit,
			Payload: map[string]interface{}{"cost_usd": float64(i)}})
		require.NoError(t, err)
	}

	ok := store.Corrupt("cust-1", 2, func(e *core.AuditEntry) {
		e.Payload["cost_usd"] = 999.0
	})
	require.True(t, ok)

	res, err := log.Verify(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(2), res.FirstBadSeq)

	// The quarantined chain refuses further appends.
	_, err = log.Append(ctx, Event{ChainID: "cust-1", EventType: EventBudgetDebit})
	require.Error(t, err)
	assert.Equal(t, core.KindIntegrity, core.KindOf(err))

	// Other chains are unaffected.
	_, err = log.Append(ctx, Event{ChainID: "cust-2", EventType: EventBudgetDebit})
	assert.NoError(t, err)

	// Operator acknowledgement reopens the chain.
	log.Acknowledge("cust-1")
	_, err = log.Append(ctx, Event{ChainID: "cust-1", EventType: EventBudgetDebit})
	assert.NoError(t, err)
}

func TestVerifyNeverDeclaresSuffixValid(t *testing.T) {
	log, store, _ := newTestLog()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := log.Append(ctx, Event{ChainID: "cust-1", EventType: EventStepCompleted})
		require.NoError(t, err)
	}
	store.Corrupt("cust-1", 3, func(e *core.AuditEntry) { e.Actor = "intruder" })

	res, err := log.Verify(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	// The walk stops at the first bad entry; entries after it are unchecked.
	assert.Equal(t, uint64(3), res.Checked)
}

func TestVerifySubrangeAnchorsOnPredecessor(t *testing.T) {
	log, _, _ := newTestLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, Event{ChainID: "cust-1", EventType: EventStepCompleted})
		require.NoError(t, err)
	}

	res, err := log.Verify(ctx, "cust-1", 3, 5)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(3), res.Checked)
}

// timestampColumnStore loses sub-microsecond precision on every read, the
// way a TIMESTAMPTZ column does.
type timestampColumnStore struct {
	*MemoryStore
}

func microTrunc(e core.AuditEntry) core.AuditEntry {
	e.Timestamp = e.Timestamp.Truncate(time.Microsecond)
	return e
}

func (s *timestampColumnStore) Last(ctx context.Context, chainID string) (core.AuditEntry, bool, error) {
	e, ok, err := s.MemoryStore.Last(ctx, chainID)
	return microTrunc(e), ok, err
}

func (s *timestampColumnStore) Get(ctx context.Context, chainID string, seq uint64) (core.AuditEntry, bool, error) {
	e, ok, err := s.MemoryStore.Get(ctx, chainID, seq)
	return microTrunc(e), ok, err
}

func (s *timestampColumnStore) Range(ctx context.Context, chainID string, from, to uint64) ([]core.AuditEntry, error) {
	entries, err := s.MemoryStore.Range(ctx, chainID, from, to)
	for i := range entries {
		entries[i] = microTrunc(entries[i])
	}
	return entries, err
}

func TestVerifySurvivesTimestampColumnRoundTrip(t *testing.T) {
	// A nanosecond-precision wall clock over a store with microsecond
	// timestamp resolution. The hashed form must match what comes back.
	store := &timestampColumnStore{MemoryStore: NewMemoryStore()}
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 987654321, time.UTC))
	log := NewLog(store, clk, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, Event{ChainID: "cust-1", EventType: EventStepCompleted,
			Payload: map[string]interface{}{"n": i}})
		require.NoError(t, err)
		clk.Advance(333 * time.Nanosecond)
	}

	res, err := log.Verify(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, "untampered chain must verify after the store round-trip")
	assert.Equal(t, uint64(3), res.Checked)

	// The chain stays open for appends.
	_, err = log.Append(ctx, Event{ChainID: "cust-1", EventType: EventStepCompleted})
	assert.NoError(t, err)
}

func TestHasStepCompleted(t *testing.T) {
	log, _, _ := newTestLog()
	ctx := context.Background()

	_, err := log.Append(ctx, Event{
		ChainID:       "cust-1",
		CorrelationID: "corr-9",
		EventType:     EventStepCompleted,
		Payload:       map[string]interface{}{"step_id": "draft"},
	})
	require.NoError(t, err)

	done, err := log.HasStepCompleted(ctx, "cust-1", "corr-9", "draft")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = log.HasStepCompleted(ctx, "cust-1", "corr-9", "publish")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = log.HasStepCompleted(ctx, "cust-1", "corr-other", "draft")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStreamFilters(t *testing.T) {
	log, _, _ := newTestLog()
	ctx := context.Background()

	_, _ = log.Append(ctx, Event{ChainID: "c", CorrelationID: "a", EventType: EventStepCompleted})
	_, _ = log.Append(ctx, Event{ChainID: "c", CorrelationID: "b", EventType: EventGoalCompleted})
	_, _ = log.Append(ctx, Event{ChainID: "c", CorrelationID: "a", EventType: EventGoalCompleted})

	ch, err := log.Stream(ctx, "c", Filter{CorrelationID: "a"})
	require.NoError(t, err)
	var got []core.AuditEntry
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventStepCompleted, got[0].EventType)
	assert.Equal(t, EventGoalCompleted, got[1].EventType)
}

func TestCanonicalIsStableAcrossKeyOrder(t *testing.T) {
	e := core.AuditEntry{
		Seq:       1,
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		EventType: EventPolicyDecision,
		PrevHash:  GenesisPrevHash,
		Payload:   map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"z": true, "y": false}},
	}
	assert.Equal(t, string(Canonical(e)), string(Canonical(e)))
	assert.Equal(t, EntryHash(e), EntryHash(e))
}
