// Package audit implements the append-only, hash-chained event sink that is
// the record of record for every governance decision. Each logical chain is
// partitioned by tenant; appends serialize through a per-chain writer lock
// and block until the backing store has accepted the row.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/metrics"
)

// ============================================================================
// EVENT TYPES
// ============================================================================

const (
	EventRequestReceived      = "REQUEST_RECEIVED"
	EventPolicyDecision       = "POLICY_DECISION"
	EventApprovalStateChanged = "APPROVAL_STATE_CHANGED"
	EventBudgetWarn           = "BUDGET_WARN"
	EventBudgetNotify         = "BUDGET_NOTIFY"
	EventBudgetDebit          = "BUDGET_DEBIT"
	EventBudgetEmergencyGrant = "BUDGET_EMERGENCY_GRANT"
	EventStepCompleted        = "STEP_COMPLETED"
	EventGoalCompleted        = "GOAL_COMPLETED"
	EventGoalFailed           = "GOAL_FAILED"
	EventGoalCancelled        = "GOAL_CANCELLED"
	EventSeedDrafted          = "SEED_DRAFTED"
	EventSeedReviewed         = "SEED_REVIEWED"
	EventSeedVetoed           = "SEED_VETOED"
	EventChainQuarantined     = "CHAIN_QUARANTINED"
	EventSkillCertified       = "SKILL_CERTIFIED"
	EventSkillDeprecated      = "SKILL_DEPRECATED"
	EventInstanceLifecycle    = "INSTANCE_LIFECYCLE"
)

// GenesisPrevHash is the prev_hash of every chain's first entry.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is the caller-facing append request. ChainID partitions by tenant.
type Event struct {
	ChainID       string
	CorrelationID string
	Actor         string
	EventType     string
	Payload       map[string]interface{}
}

// VerifyResult reports a forward walk over a chain. When OK is false,
// FirstBadSeq is the first inconsistent sequence; nothing after it is
// declared valid.
type VerifyResult struct {
	OK          bool   `json:"ok"`
	FirstBadSeq uint64 `json:"first_bad_seq,omitempty"`
	Checked     uint64 `json:"checked"`
}

// Filter narrows a Stream call. Zero values match everything.
type Filter struct {
	CorrelationID string
	EventType     string
	FromSeq       uint64
}

// ============================================================================
// LOG
// ============================================================================

// Log manages all chains against a single ChainStore.
type Log struct {
	mu          sync.Mutex
	store       ChainStore
	clock       clock.Clock
	metrics     *metrics.Metrics
	locks       map[string]*sync.Mutex // per-chain writer lock
	quarantined map[string]string      // chainID -> reason
}

// NewLog creates an audit log over the given store.
func NewLog(store ChainStore, clk clock.Clock, m *metrics.Metrics) *Log {
	if clk == nil {
		clk = clock.System{}
	}
	return &Log{
		store:       store,
		clock:       clk,
		metrics:     m,
		locks:       make(map[string]*sync.Mutex),
		quarantined: make(map[string]string),
	}
}

func (l *Log) chainLock(chainID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[chainID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[chainID] = lk
	}
	return lk
}

// Append writes one entry to the chain and blocks until it is durable.
// Callers MUST NOT proceed with the action they attempted to log when an
// error is returned.
func (l *Log) Append(ctx context.Context, ev Event) (uint64, error) {
	if ev.ChainID == "" {
		ev.ChainID = "default"
	}

	if reason, quarantined := l.quarantineReason(ev.ChainID); quarantined {
		return 0, core.NewError(core.KindIntegrity, core.ReasonIntegrity,
			"chain "+ev.ChainID+" is quarantined: "+reason)
	}

	lk := l.chainLock(ev.ChainID)
	lk.Lock()
	defer lk.Unlock()

	last, exists, err := l.store.Last(ctx, ev.ChainID)
	if err != nil {
		return 0, core.WrapError(core.KindAuditDurability, core.ReasonAuditDurability,
			"reading chain head", err)
	}

	// Truncated to microseconds so the hashed form survives a TIMESTAMPTZ
	// round-trip; postgres drops sub-microsecond precision on read-back.
	entry := core.AuditEntry{
		Seq:           1,
		Timestamp:     l.clock.Now().Truncate(time.Microsecond),
		CorrelationID: ev.CorrelationID,
		Actor:         ev.Actor,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		PrevHash:      GenesisPrevHash,
	}
	if exists {
		entry.Seq = last.Seq + 1
		entry.PrevHash = last.Hash
	}
	entry.Hash = EntryHash(entry)

	if err := l.store.Append(ctx, ev.ChainID, entry); err != nil {
		l.Quarantine(ev.ChainID, "append rejected by store")
		return 0, core.WrapError(core.KindAuditDurability, core.ReasonAuditDurability,
			"append rejected by store", err)
	}

	l.metrics.RecordAuditAppend(ev.EventType)
	return entry.Seq, nil
}

// Verify walks the chain forward from seq `from` through `to` (0 = open end)
// recomputing every hash. On the first mismatch it refuses to declare the
// suffix valid.
func (l *Log) Verify(ctx context.Context, chainID string, from, to uint64) (VerifyResult, error) {
	if chainID == "" {
		chainID = "default"
	}
	if from == 0 {
		from = 1
	}

	entries, err := l.store.Range(ctx, chainID, from, to)
	if err != nil {
		return VerifyResult{}, core.WrapError(core.KindAuditDurability,
			core.ReasonAuditDurability, "reading chain range", err)
	}

	prevHash := GenesisPrevHash
	if from > 1 {
		prev, ok, err := l.store.Get(ctx, chainID, from-1)
		if err != nil || !ok {
			return VerifyResult{}, core.NewError(core.KindValidation, "",
				"verification range must start at an existing entry")
		}
		prevHash = prev.Hash
	}

	result := VerifyResult{OK: true}
	for _, e := range entries {
		result.Checked++
		if e.PrevHash != prevHash || EntryHash(e) != e.Hash {
			result.OK = false
			result.FirstBadSeq = e.Seq
			l.metrics.RecordVerifyFailure()
			l.Quarantine(chainID, "hash mismatch at seq")
			slog.Error("audit chain tamper detected",
				"chain", chainID, "first_bad_seq", e.Seq)
			return result, nil
		}
		prevHash = e.Hash
	}
	return result, nil
}

// Stream returns entries matching the filter. The channel closes when the
// range is exhausted or the context is cancelled.
func (l *Log) Stream(ctx context.Context, chainID string, f Filter) (<-chan core.AuditEntry, error) {
	if chainID == "" {
		chainID = "default"
	}
	entries, err := l.store.Range(ctx, chainID, f.FromSeq, 0)
	if err != nil {
		return nil, err
	}

	out := make(chan core.AuditEntry)
	go func() {
		defer close(out)
		for _, e := range entries {
			if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
				continue
			}
			if f.EventType != "" && e.EventType != f.EventType {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// HasStepCompleted reports whether a STEP_COMPLETED entry exists for the
// (correlation_id, step_id) pair. Goal resumption skips such steps.
func (l *Log) HasStepCompleted(ctx context.Context, chainID, correlationID, stepID string) (bool, error) {
	if chainID == "" {
		chainID = "default"
	}
	return l.store.HasEvent(ctx, chainID, EventStepCompleted, correlationID, stepID)
}

// Quarantine marks a chain as refusing further appends until an operator
// acknowledges the incident.
func (l *Log) Quarantine(chainID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, already := l.quarantined[chainID]; already {
		return
	}
	l.quarantined[chainID] = reason
	l.metrics.SetChainsQuarantined(len(l.quarantined))
	slog.Error("audit chain quarantined", "chain", chainID, "reason", reason)
}

// Acknowledge clears a quarantine after operator review.
func (l *Log) Acknowledge(chainID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.quarantined, chainID)
	l.metrics.SetChainsQuarantined(len(l.quarantined))
	slog.Info("audit chain quarantine acknowledged", "chain", chainID)
}

func (l *Log) quarantineReason(chainID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, ok := l.quarantined[chainID]
	return reason, ok
}

// ============================================================================
// CANONICALIZATION & HASHING
// ============================================================================

// Canonical returns the deterministic, key-sorted, whitespace-free JSON
// encoding of an entry minus its hash field. encoding/json sorts map keys
// recursively, which is exactly the stability we need across re-encodes.
func Canonical(e core.AuditEntry) []byte {
	m := map[string]interface{}{
		"seq":            e.Seq,
		"timestamp":      e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		"correlation_id": e.CorrelationID,
		"actor":          e.Actor,
		"event_type":     e.EventType,
		"prev_hash":      e.PrevHash,
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	b, err := json.Marshal(m)
	if err != nil {
		// Payloads are built from JSON-decoded values; marshal cannot fail
		// for them. A panic here means a programming error upstream.
		panic("audit: non-serializable payload: " + err.Error())
	}
	return b
}

// EntryHash computes H(prev_hash || canonical(entry \ {hash})) as lowercase hex.
func EntryHash(e core.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(e.PrevHash)))
	h.Write(Canonical(e))
	return hex.EncodeToString(h.Sum(nil))
}
