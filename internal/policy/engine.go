// Package policy is the Policy Decision Point. Decide is a pure function of
// (subject, action, resource, context, ruleset version); the Enforcer is the
// PEP wrapper that assigns decision IDs, writes the audit trail and keeps
// the queryable denial records.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/metrics"
)

// Decision is the PDP's answer.
type Decision struct {
	Effect         Effect       `json:"effect"`
	Reason         string       `json:"reason,omitempty"`
	DecisionID     string       `json:"decision_id"`
	Obligations    []Obligation `json:"obligations,omitempty"`
	RulesetVersion string       `json:"ruleset_version"`
}

// Denied is a convenience check.
func (d Decision) Denied() bool { return d.Effect == Deny }

// HasObligation reports whether the decision carries the given obligation.
func (d Decision) HasObligation(typ string) bool {
	for _, o := range d.Obligations {
		if o.Type == typ {
			return true
		}
	}
	return false
}

// ============================================================================
// ENGINE (PDP)
// ============================================================================

// Engine evaluates layered rules. Side-effect-free: rule mutation bumps the
// ruleset version, and Decide never touches anything but its arguments.
type Engine struct {
	mu      sync.RWMutex
	actions map[string]ActionSpec
	rules   []Rule // kept sorted by layer
	version string
	serial  int
}

// NewEngine creates an engine with the platform L0 action registry.
func NewEngine() *Engine {
	e := &Engine{actions: make(map[string]ActionSpec)}
	for _, spec := range DefaultActionSpecs() {
		e.actions[spec.Action] = spec
	}
	e.bumpVersion()
	return e
}

// AddRule installs a tightening rule. L0 rules are reserved for the platform
// and refused here.
func (e *Engine) AddRule(r Rule) error {
	if r.Layer == L0Platform {
		return core.NewError(core.KindValidation, "", "L0 rules are immutable")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append(e.rules, r)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Layer < e.rules[j].Layer })
	e.bumpVersion()
	return nil
}

func (e *Engine) bumpVersion() {
	e.serial++
	e.version = fmt.Sprintf("ruleset-v%d", e.serial)
}

// Decide evaluates the layered ruleset. Deterministic and side-effect-free;
// the returned DecisionID is empty; the Enforcer assigns it.
func (e *Engine) Decide(sub Subject, action string, res Resource, ctx Context) Decision {
	e.mu.RLock()
	spec, known := e.actions[action]
	rules := e.rules
	version := e.version
	e.mu.RUnlock()

	deny := func(reason string) Decision {
		return Decision{Effect: Deny, Reason: reason, RulesetVersion: version}
	}

	// Default posture: deny anything outside the action registry.
	if !known {
		return deny(core.ReasonScopeOutOfBounds)
	}

	// L0 structural floor, evaluated before any installed rule.
	if sub.Suspended {
		return deny(core.ReasonInstanceSuspended)
	}
	if ctx.BudgetExceeded {
		return deny(core.ReasonBudgetExceeded)
	}
	if res.SkillStatus == string(core.SkillDeprecated) && ctx.GraceExpired {
		return deny(core.ReasonSkillDeprecated)
	}
	if res.Tool != "" && len(ctx.AllowedTools) > 0 && !contains(ctx.AllowedTools, res.Tool) {
		return deny(core.ReasonToolNotAuthorized)
	}
	if action == "approval.decide" && !ctx.Governor {
		return deny(core.ReasonDeciderUnauthorized)
	}

	// Installed rules, L1 → L3 in order. Any match tightens to deny.
	for _, r := range rules {
		if r.Action != "*" && r.Action != action {
			continue
		}
		if r.Matches != nil && r.Matches(sub, res, ctx) {
			return deny(r.Reason)
		}
	}

	// Approval gate: external effects that require a human decision are
	// denied with approval_required until a terminal APPROVED covers them.
	if spec.RequireApproval && !ctx.Approved {
		return Decision{
			Effect:         Deny,
			Reason:         core.ReasonApprovalRequired,
			Obligations:    []Obligation{{Type: ObligationRequireApproval}},
			RulesetVersion: version,
		}
	}

	var obligations []Obligation
	if sub.Trial {
		obligations = append(obligations, Obligation{Type: ObligationTrialMode})
	}
	if ctx.EstimatedCost > 0 {
		obligations = append(obligations, Obligation{Type: ObligationBudgetDebit, Units: ctx.EstimatedCost})
	}

	return Decision{Effect: Allow, Obligations: obligations, RulesetVersion: version}
}

// RiskOf returns the declared risk bucket for an action.
func (e *Engine) RiskOf(action string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if spec, ok := e.actions[action]; ok {
		return spec.Risk
	}
	return "high"
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ============================================================================
// ENFORCER (PEP)
// ============================================================================

// Enforcer wraps the engine: every decision is written to the audit chain
// before the caller sees it, and denials become queryable records.
type Enforcer struct {
	engine  *Engine
	log     *audit.Log
	denials *DenialStore
	metrics *metrics.Metrics
	clock   clock.Clock
}

// NewEnforcer builds the PEP.
func NewEnforcer(engine *Engine, log *audit.Log, denials *DenialStore, m *metrics.Metrics, clk clock.Clock) *Enforcer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Enforcer{engine: engine, log: log, denials: denials, metrics: m, clock: clk}
}

// Engine exposes the underlying PDP for rule installation.
func (p *Enforcer) Engine() *Engine { return p.engine }

// Enforce evaluates and records a decision. The returned error is only set
// when the audit append fails, in which case the caller must abort the action.
func (p *Enforcer) Enforce(ctx context.Context, chainID, correlationID string, sub Subject, action string, res Resource, pctx Context) (Decision, error) {
	d := p.engine.Decide(sub, action, res, pctx)
	d.DecisionID = uuid.NewString()

	p.metrics.RecordPolicyDecision(string(d.Effect), d.Reason)

	_, err := p.log.Append(ctx, audit.Event{
		ChainID:       chainID,
		CorrelationID: correlationID,
		Actor:         "pdp",
		EventType:     audit.EventPolicyDecision,
		Payload: map[string]interface{}{
			"decision_id": d.DecisionID,
			"effect":      string(d.Effect),
			"reason":      d.Reason,
			"action":      action,
			"resource":    res.Type + ":" + res.ID,
			"ruleset":     d.RulesetVersion,
		},
	})
	if err != nil {
		return Decision{}, err
	}

	if d.Denied() && p.denials != nil {
		p.denials.Record(core.PolicyDenialRecord{
			CorrelationID: correlationID,
			DecisionID:    d.DecisionID,
			Action:        action,
			Reason:        d.Reason,
			Details:       map[string]interface{}{"resource": res.Type + ":" + res.ID},
			CreatedAt:     p.clock.Now(),
		})
	}
	return d, nil
}

// ============================================================================
// DENIAL RECORDS
// ============================================================================

// DenialStore keeps the queryable trace of PDP denies.
type DenialStore struct {
	mu      sync.RWMutex
	records []core.PolicyDenialRecord
}

func NewDenialStore() *DenialStore {
	return &DenialStore{}
}

func (s *DenialStore) Record(r core.PolicyDenialRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

// Query filters denial records; empty arguments match everything.
func (s *DenialStore) Query(correlationID, action, reason string) []core.PolicyDenialRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.PolicyDenialRecord
	for _, r := range s.records {
		if correlationID != "" && r.CorrelationID != correlationID {
			continue
		}
		if action != "" && r.Action != action {
			continue
		}
		if reason != "" && r.Reason != reason {
			continue
		}
		out = append(out, r)
	}
	return out
}
