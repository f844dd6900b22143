// Package budget meters hired-instance spend against a per-instance daily
// cap. Debits are idempotent on (correlation_id, step_id); the 80% and 95%
// thresholds emit audit events, the 100% gate refuses.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/metrics"
)

// Default thresholds as fractions of the daily cap; overridable via
// SetThresholds.
const (
	WarnThreshold   = 0.80
	NotifyThreshold = 0.95
)

// InstanceSource resolves instances and their owning customers. Satisfied by
// hiring.Store.
type InstanceSource interface {
	GetInstance(instanceID string) (*core.AgentInstance, bool)
	CustomerOf(instanceID string) (string, bool)
}

// GrantAuthorizer reports whether an approval is in the APPROVED state.
// Satisfied by approval.Service.
type GrantAuthorizer interface {
	IsApproved(approvalID string) bool
}

// DebitRequest is one metered charge against an instance-day.
type DebitRequest struct {
	InstanceID    string
	CorrelationID string
	StepID        string
	TokensIn      int64
	TokensOut     int64
	CostUSD       float64
}

// Usage is an aggregation over ledger entries.
type Usage struct {
	InstanceID string  `json:"instance_id"`
	Period     string  `json:"period"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	Entries    int     `json:"entries"`
}

// Accountant owns the instance-day ledgers.
type Accountant struct {
	mu     sync.Mutex
	ledger map[string][]core.BudgetLedgerEntry // instance|day -> entries
	seen   map[string]core.BudgetLedgerEntry   // instance|day|corr|step -> entry
	grants map[string]float64                  // instance|day -> extra USD

	instances  InstanceSource
	authorizer GrantAuthorizer
	log        *audit.Log
	clock      clock.Clock
	metrics    *metrics.Metrics

	warn   float64
	notify float64
}

// NewAccountant creates the accountant. The authorizer may be wired later via
// SetAuthorizer to break the budget<->approval construction cycle.
func NewAccountant(instances InstanceSource, log *audit.Log, clk clock.Clock, m *metrics.Metrics) *Accountant {
	if clk == nil {
		clk = clock.System{}
	}
	return &Accountant{
		ledger:    make(map[string][]core.BudgetLedgerEntry),
		seen:      make(map[string]core.BudgetLedgerEntry),
		grants:    make(map[string]float64),
		instances: instances,
		log:       log,
		clock:     clk,
		metrics:   m,
		warn:      WarnThreshold,
		notify:    NotifyThreshold,
	}
}

// SetThresholds overrides the warn/notify fractions from configuration.
// Out-of-order or out-of-range values keep the defaults.
func (a *Accountant) SetThresholds(warn, notify float64) {
	if warn <= 0 || notify <= warn || notify > 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warn = warn
	a.notify = notify
}

// SetAuthorizer wires the approval lookup used by emergency grants.
func (a *Accountant) SetAuthorizer(g GrantAuthorizer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authorizer = g
}

// Day formats a time as the UTC ledger day.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func dayKey(instanceID, day string) string { return instanceID + "|" + day }

// ============================================================================
// DEBIT
// ============================================================================

// Debit charges the instance's ledger for today. A repeat of the same
// (correlation_id, step_id) returns the original entry without charging
// again. A debit that would push spend past the cap is refused; a zero-cost
// debit at exactly 100% still succeeds.
func (a *Accountant) Debit(ctx context.Context, req DebitRequest) (*core.BudgetLedgerEntry, error) {
	if req.CostUSD < 0 {
		return nil, core.NewError(core.KindValidation, "", "cost_usd must be non-negative")
	}

	inst, ok := a.instances.GetInstance(req.InstanceID)
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown instance "+req.InstanceID)
	}

	day := Day(a.clock.Now())
	key := dayKey(req.InstanceID, day)
	idem := key + "|" + req.CorrelationID + "|" + req.StepID

	a.mu.Lock()
	if prior, dup := a.seen[idem]; dup {
		a.mu.Unlock()
		cp := prior
		return &cp, nil
	}

	cap := inst.BudgetDailyUSD + a.grants[key]
	spent := spentLocked(a.ledger[key])
	if spent+req.CostUSD > cap {
		a.mu.Unlock()
		a.metrics.RecordBudgetRefusal(req.InstanceID)
		return nil, core.NewError(core.KindBudget, core.ReasonBudgetExceeded,
			fmt.Sprintf("debit of %.4f would exceed daily cap %.2f (spent %.4f)", req.CostUSD, cap, spent))
	}

	entry := core.BudgetLedgerEntry{
		InstanceID:    req.InstanceID,
		Day:           day,
		CorrelationID: req.CorrelationID,
		StepID:        req.StepID,
		TokensIn:      req.TokensIn,
		TokensOut:     req.TokensOut,
		CostUSD:       req.CostUSD,
		EventType:     "debit",
		CreatedAt:     a.clock.Now(),
	}
	a.ledger[key] = append(a.ledger[key], entry)
	a.seen[idem] = entry

	before := utilisation(spent, cap)
	after := utilisation(spent+req.CostUSD, cap)
	warn, notify := a.warn, a.notify
	a.mu.Unlock()

	a.metrics.SetBudgetUtilisation(req.InstanceID, after)
	a.auditDebit(ctx, req, after)
	if crossed(before, after, warn) {
		a.auditThreshold(ctx, audit.EventBudgetWarn, req, after)
	}
	if crossed(before, after, notify) {
		a.auditThreshold(ctx, audit.EventBudgetNotify, req, after)
	}

	return &entry, nil
}

func spentLocked(entries []core.BudgetLedgerEntry) float64 {
	var total float64
	for _, e := range entries {
		if e.EventType == "debit" {
			total += e.CostUSD
		}
	}
	return total
}

func utilisation(spent, cap float64) float64 {
	if cap <= 0 {
		return 1
	}
	return spent / cap
}

// crossed reports a strict upward crossing of the threshold, so each
// threshold fires exactly once per instance-day.
func crossed(before, after, threshold float64) bool {
	return before < threshold && after >= threshold
}

// ============================================================================
// EMERGENCY GRANTS
// ============================================================================

// ExtendBudget raises today's cap by amountUSD. The grant must reference an
// APPROVED emergency_budget approval; anything else is refused.
func (a *Accountant) ExtendBudget(ctx context.Context, instanceID string, amountUSD float64, approvalID, correlationID string) error {
	if amountUSD <= 0 {
		return core.NewError(core.KindValidation, "", "grant amount must be positive")
	}

	a.mu.Lock()
	authorizer := a.authorizer
	a.mu.Unlock()
	if authorizer == nil || !authorizer.IsApproved(approvalID) {
		return core.NewError(core.KindAuthz, core.ReasonApprovalRequired,
			"emergency grant requires an approved emergency_budget request")
	}

	if _, ok := a.instances.GetInstance(instanceID); !ok {
		return core.NewError(core.KindNotFound, "", "unknown instance "+instanceID)
	}

	day := Day(a.clock.Now())
	key := dayKey(instanceID, day)

	a.mu.Lock()
	a.grants[key] += amountUSD
	a.ledger[key] = append(a.ledger[key], core.BudgetLedgerEntry{
		InstanceID:    instanceID,
		Day:           day,
		CorrelationID: correlationID,
		CostUSD:       amountUSD,
		EventType:     "emergency_grant",
		CreatedAt:     a.clock.Now(),
	})
	a.mu.Unlock()

	customerID, _ := a.instances.CustomerOf(instanceID)
	if _, err := a.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: correlationID,
		Actor:         "budget",
		EventType:     audit.EventBudgetEmergencyGrant,
		Payload: map[string]interface{}{
			"instance_id": instanceID,
			"day":         day,
			"amount_usd":  amountUSD,
			"approval_id": approvalID,
		},
	}); err != nil {
		slog.Error("audit append failed for emergency grant", "instance", instanceID, "error", err)
	}
	return nil
}

// ============================================================================
// READS
// ============================================================================

// Exceeded reports whether the instance has no headroom left today. Used by
// the PDP for Context.BudgetExceeded.
func (a *Accountant) Exceeded(instanceID string) bool {
	inst, ok := a.instances.GetInstance(instanceID)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := dayKey(instanceID, Day(a.clock.Now()))
	return spentLocked(a.ledger[key]) >= inst.BudgetDailyUSD+a.grants[key]
}

// Utilisation returns (spent, cap, spent/cap) for today.
func (a *Accountant) Utilisation(instanceID string) (float64, float64, float64) {
	inst, ok := a.instances.GetInstance(instanceID)
	if !ok {
		return 0, 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := dayKey(instanceID, Day(a.clock.Now()))
	cap := inst.BudgetDailyUSD + a.grants[key]
	spent := spentLocked(a.ledger[key])
	return spent, cap, utilisation(spent, cap)
}

// Entries returns the ledger rows for an instance-day, oldest first.
func (a *Accountant) Entries(instanceID, day string) []core.BudgetLedgerEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	src := a.ledger[dayKey(instanceID, day)]
	out := make([]core.BudgetLedgerEntry, len(src))
	copy(out, src)
	return out
}

// Aggregate sums ledger entries for an instance whose day matches the given
// prefix: "2026-08-24" for a day, "2026-08" for a month.
func (a *Accountant) Aggregate(instanceID, periodPrefix string) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := Usage{InstanceID: instanceID, Period: periodPrefix}
	var keys []string
	for k := range a.ledger {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, e := range a.ledger[k] {
			if e.InstanceID != instanceID || e.EventType != "debit" {
				continue
			}
			if len(e.Day) < len(periodPrefix) || e.Day[:len(periodPrefix)] != periodPrefix {
				continue
			}
			usage.TokensIn += e.TokensIn
			usage.TokensOut += e.TokensOut
			usage.CostUSD += e.CostUSD
			usage.Entries++
		}
	}
	return usage
}

func (a *Accountant) auditDebit(ctx context.Context, req DebitRequest, after float64) {
	customerID, _ := a.instances.CustomerOf(req.InstanceID)
	if _, err := a.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: req.CorrelationID,
		Actor:         "budget",
		EventType:     audit.EventBudgetDebit,
		Payload: map[string]interface{}{
			"instance_id": req.InstanceID,
			"step_id":     req.StepID,
			"cost_usd":    req.CostUSD,
			"tokens_in":   req.TokensIn,
			"tokens_out":  req.TokensOut,
			"utilisation": after,
		},
	}); err != nil {
		slog.Error("audit append failed for budget debit", "instance", req.InstanceID, "error", err)
	}
}

func (a *Accountant) auditThreshold(ctx context.Context, eventType string, req DebitRequest, after float64) {
	customerID, _ := a.instances.CustomerOf(req.InstanceID)
	if _, err := a.log.Append(ctx, audit.Event{
		ChainID:       customerID,
		CorrelationID: req.CorrelationID,
		Actor:         "budget",
		EventType:     eventType,
		Payload: map[string]interface{}{
			"instance_id": req.InstanceID,
			"utilisation": after,
		},
	}); err != nil {
		slog.Error("audit append failed for budget threshold", "instance", req.InstanceID, "error", err)
	}
}
