// Package learner mines approval history into precedent seeds: recurring
// human-approved patterns that, once reviewed by the certification authority,
// grant narrow auto-approval latitude. Approved seeds are distributed to each
// eligible instance's precedent cache; a governor veto reverses the effect
// and charges the seed with a false positive.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/metrics"
	"github.com/agentgrid/backend/internal/registry"
)

// Config mirrors the learner section of the service configuration. The
// minimums are policy floors: construction refuses anything weaker.
type Config struct {
	MinSeedApprovals   int
	MinSeedConfidence  float64
	LookbackDays       int
	FalsePositiveLimit int
	MineInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSeedApprovals < 3 {
		c.MinSeedApprovals = 3
	}
	if c.MinSeedConfidence < 0.9 {
		c.MinSeedConfidence = 0.9
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 14
	}
	if c.FalsePositiveLimit <= 0 {
		c.FalsePositiveLimit = 3
	}
	if c.MineInterval <= 0 {
		c.MineInterval = 24 * time.Hour
	}
	return c
}

// Compensator reverses the external effects of a correlation. Satisfied by
// engine.Engine.
type Compensator interface {
	Compensate(ctx context.Context, correlationID string) error
}

// Suspender interrupts an instance when compensation is impossible.
// Satisfied by hiring.Store.
type Suspender interface {
	Interrupt(ctx context.Context, correlationID, instanceID, reason string) (*core.AgentInstance, error)
}

// Distributor pushes approved seeds to the per-instance precedent caches.
// The Redis distributor is the production implementation; tests use the
// in-memory one.
type Distributor interface {
	Distribute(ctx context.Context, seed core.PrecedentSeed) error
	Revoke(ctx context.Context, seedID string) error
}

// ReviewInput carries the certification authority's assessment against the
// five criteria. Any false criterion blocks APPROVED.
type ReviewInput struct {
	Outcome        core.SeedStatus `json:"outcome"` // APPROVED, REJECTED, REVISED, DEFERRED
	Note           string          `json:"note"`
	ConsistentL0L1 bool            `json:"consistent_l0_l1"`
	Specific       bool            `json:"specific"`
	Justified      bool            `json:"justified"`
	ReusableScope  bool            `json:"reusable_scope"`
	NonWeakening   bool            `json:"non_weakening"`
}

func (r ReviewInput) criteriaMet() bool {
	return r.ConsistentL0L1 && r.Specific && r.Justified && r.ReusableScope && r.NonWeakening
}

// Learner owns the seed store and the mining loop.
type Learner struct {
	mu      sync.Mutex
	seeds   map[string]*core.PrecedentSeed // internal ID -> seed
	byGroup map[string]string              // group key -> internal ID, dedupes drafts
	serial  map[string]int                 // industry prefix -> last public number

	approvals   *approval.Service
	registry    *registry.Genesis
	log         *audit.Log
	distributor Distributor
	compensator Compensator
	suspender   Suspender
	clock       clock.Clock
	metrics     *metrics.Metrics
	cfg         Config
}

// New creates the learner.
func New(approvals *approval.Service, reg *registry.Genesis, log *audit.Log,
	dist Distributor, clk clock.Clock, m *metrics.Metrics, cfg Config) *Learner {
	if clk == nil {
		clk = clock.System{}
	}
	return &Learner{
		seeds:       make(map[string]*core.PrecedentSeed),
		byGroup:     make(map[string]string),
		serial:      make(map[string]int),
		approvals:   approvals,
		registry:    reg,
		log:         log,
		distributor: dist,
		clock:       clk,
		metrics:     m,
		cfg:         cfg.withDefaults(),
	}
}

// SetCompensator and SetSuspender break the construction cycle with the
// engine and the hiring store.
func (l *Learner) SetCompensator(c Compensator) { l.mu.Lock(); l.compensator = c; l.mu.Unlock() }
func (l *Learner) SetSuspender(s Suspender)     { l.mu.Lock(); l.suspender = s; l.mu.Unlock() }

// ============================================================================
// MINING
// ============================================================================

// Run executes the daily batch until the context ends.
func (l *Learner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.cfg.MineInterval):
			if n := l.Mine(ctx); n > 0 {
				slog.Info("learner drafted seeds", "count", n)
			}
		}
	}
}

// Mine scans terminally APPROVED human decisions inside the lookback window,
// groups them by {agent_type, action, risk_bucket} and drafts a seed for
// every group with enough consistent, confident approvals. Returns the
// number of new drafts.
func (l *Learner) Mine(ctx context.Context) int {
	cutoff := l.clock.Now().AddDate(0, 0, -l.cfg.LookbackDays)

	type group struct {
		agentTypeID string
		action      string
		risk        string
		count       int
		confidence  float64
		example     core.TAOContext
	}
	groups := make(map[string]*group)

	for _, ap := range l.approvals.List(ctx, "", core.ApprovalApproved) {
		if ap.Auto || ap.DecidedAt == nil || ap.DecidedAt.Before(cutoff) {
			continue
		}
		key := ap.AgentTypeID + "|" + ap.Action + "|" + ap.Risk
		g, ok := groups[key]
		if !ok {
			g = &group{agentTypeID: ap.AgentTypeID, action: ap.Action, risk: ap.Risk, example: ap.Context}
			groups[key] = g
		}
		g.count++
		g.confidence += ap.Confidence
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	drafted := 0
	for _, key := range keys {
		g := groups[key]
		mean := g.confidence / float64(g.count)
		if g.count < l.cfg.MinSeedApprovals || mean < l.cfg.MinSeedConfidence {
			continue
		}

		l.mu.Lock()
		if _, exists := l.byGroup[key]; exists {
			l.mu.Unlock()
			continue
		}
		seed := &core.PrecedentSeed{
			SeedID:   "draft-" + uuid.NewString()[:8],
			SeedType: "auto_approval",
			Principle: fmt.Sprintf("%s actions of risk %s by %s are routinely approved",
				g.action, g.risk, g.agentTypeID),
			Rationale: fmt.Sprintf("%d approvals at mean confidence %.2f within %d days",
				g.count, mean, l.cfg.LookbackDays),
			Example:    g.example,
			AppliesTo:  []string{g.agentTypeID},
			Action:     g.action,
			RiskBucket: g.risk,
			Status:     core.SeedDraft,
			CreatedAt:  l.clock.Now(),
		}
		l.seeds[seed.SeedID] = seed
		l.byGroup[key] = seed.SeedID
		l.mu.Unlock()

		l.metrics.RecordSeedDrafted()
		l.auditSeed(ctx, audit.EventSeedDrafted, seed, "")
		drafted++
	}
	return drafted
}

// ============================================================================
// REVIEW & DISTRIBUTION
// ============================================================================

// Review applies the certification authority's outcome. APPROVED requires
// every criterion, assigns the public seed ID and distributes; REVISED sends
// the draft back; REJECTED and DEFERRED keep the record with the note.
func (l *Learner) Review(ctx context.Context, seedID string, in ReviewInput) (*core.PrecedentSeed, error) {
	switch in.Outcome {
	case core.SeedApproved, core.SeedRejected, core.SeedRevised, core.SeedDeferred:
	default:
		return nil, core.NewError(core.KindValidation, "",
			"outcome must be APPROVED, REJECTED, REVISED or DEFERRED")
	}

	l.mu.Lock()
	seed, ok := l.seeds[seedID]
	if !ok {
		l.mu.Unlock()
		return nil, core.NewError(core.KindNotFound, "", "unknown seed "+seedID)
	}
	if seed.Status != core.SeedDraft && seed.Status != core.SeedRevised {
		status := seed.Status
		l.mu.Unlock()
		return nil, core.NewError(core.KindConflict, core.ReasonConflict,
			"seed "+seedID+" already reviewed: "+string(status))
	}

	if in.Outcome == core.SeedApproved {
		if !in.criteriaMet() {
			l.mu.Unlock()
			return nil, core.NewError(core.KindValidation, "",
				"approval requires all five review criteria")
		}
		publicID := l.assignPublicIDLocked(seed)
		delete(l.seeds, seedID)
		seed.SeedID = publicID
		l.seeds[publicID] = seed
		now := l.clock.Now()
		seed.ApprovedAt = &now
	}
	seed.Status = in.Outcome
	seed.ReviewNote = in.Note
	cp := *seed
	l.mu.Unlock()

	l.metrics.RecordSeedReview(string(in.Outcome))
	l.auditSeed(ctx, audit.EventSeedReviewed, &cp, in.Note)

	if in.Outcome == core.SeedApproved && l.distributor != nil {
		if err := l.distributor.Distribute(ctx, cp); err != nil {
			slog.Error("seed distribution failed", "seed", cp.SeedID, "error", err)
		}
	}
	return &cp, nil
}

// assignPublicIDLocked numbers the seed within the industry of the agent
// type it applies to, e.g. HC-001.
func (l *Learner) assignPublicIDLocked(seed *core.PrecedentSeed) string {
	prefix := "GEN"
	if len(seed.AppliesTo) > 0 {
		if def, ok := l.registry.GetAgentType(seed.AppliesTo[0]); ok && len(def.RequiredSkillKeys) > 0 {
			if skill, err := l.registry.ResolveSkill(def.RequiredSkillKeys[0]); err == nil {
				prefix = skill.IndustryCode
			}
		}
	}
	l.serial[prefix]++
	return fmt.Sprintf("%s-%03d", prefix, l.serial[prefix])
}

// Get returns a seed by ID.
func (l *Learner) Get(seedID string) (*core.PrecedentSeed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.seeds[seedID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// List returns seeds, optionally filtered by status, oldest first.
func (l *Learner) List(status core.SeedStatus) []core.PrecedentSeed {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []core.PrecedentSeed
	for _, s := range l.seeds {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ============================================================================
// AUTO-APPROVAL & PRECEDENT LOOKUP
// ============================================================================

// AutoGrant returns an approved, non-deprecated seed covering the action.
// Implements engine.SeedSource.
func (l *Learner) AutoGrant(agentTypeID, action, risk string) (*core.PrecedentSeed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.seeds {
		if s.Status != core.SeedApproved {
			continue
		}
		if s.Action != action || s.RiskBucket != risk {
			continue
		}
		for _, t := range s.AppliesTo {
			if t == agentTypeID {
				cp := *s
				return &cp, true
			}
		}
	}
	return nil, false
}

// LookupPrecedent answers constitutional queries from approved seeds.
// Implements engine.PrecedentSource.
func (l *Learner) LookupPrecedent(agentTypeID, query string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := strings.ToLower(query)
	for _, s := range l.seeds {
		if s.Status != core.SeedApproved {
			continue
		}
		applies := false
		for _, t := range s.AppliesTo {
			if t == agentTypeID {
				applies = true
			}
		}
		if !applies {
			continue
		}
		if strings.Contains(q, s.Action) || strings.Contains(q, "approval") || strings.Contains(q, "authority") {
			return s.Principle, true
		}
	}
	return "", false
}

// ============================================================================
// VETO
// ============================================================================

// RecordVeto handles a governor's veto of a seed-granted auto-approval:
// deny the informational record, compensate the effect, and charge the seed.
// When compensation fails the instance is suspended instead of leaving the
// effect standing. Crossing the false-positive limit deprecates the seed.
func (l *Learner) RecordVeto(ctx context.Context, approvalID, principalID, instanceID, reason string) (*core.ApprovalRequest, error) {
	ap, err := l.approvals.Veto(ctx, approvalID, principalID, reason)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	compensator := l.compensator
	suspender := l.suspender
	l.mu.Unlock()

	if compensator != nil {
		if cerr := compensator.Compensate(ctx, ap.CorrelationID); cerr != nil {
			slog.Error("veto compensation failed, suspending instance",
				"approval", approvalID, "instance", instanceID, "error", cerr)
			if suspender != nil && instanceID != "" {
				if _, serr := suspender.Interrupt(ctx, ap.CorrelationID, instanceID, "veto_compensation_failed"); serr != nil {
					slog.Error("suspension after failed compensation also failed",
						"instance", instanceID, "error", serr)
				}
			}
		}
	}

	var deprecated *core.PrecedentSeed
	l.mu.Lock()
	if seed, ok := l.seeds[ap.SeedID]; ok {
		seed.FalsePositiveCount++
		if seed.FalsePositiveCount >= l.cfg.FalsePositiveLimit && seed.Status == core.SeedApproved {
			seed.Status = core.SeedDeprecated
			cp := *seed
			deprecated = &cp
		}
	}
	l.mu.Unlock()

	l.auditVeto(ctx, ap, reason)
	if deprecated != nil {
		if l.distributor != nil {
			if err := l.distributor.Revoke(ctx, deprecated.SeedID); err != nil {
				slog.Error("seed revocation failed", "seed", deprecated.SeedID, "error", err)
			}
		}
		l.auditSeed(ctx, audit.EventSeedReviewed, deprecated, "deprecated: false positive limit")
	}
	return ap, nil
}

// ============================================================================
// AUDIT
// ============================================================================

func (l *Learner) auditSeed(ctx context.Context, eventType string, seed *core.PrecedentSeed, note string) {
	payload := map[string]interface{}{
		"seed_id":     seed.SeedID,
		"status":      string(seed.Status),
		"action":      seed.Action,
		"risk_bucket": seed.RiskBucket,
		"applies_to":  strings.Join(seed.AppliesTo, ","),
	}
	if note != "" {
		payload["note"] = note
	}
	if _, err := l.log.Append(ctx, audit.Event{
		ChainID:   "platform",
		Actor:     "learner",
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		slog.Error("audit append failed for seed event", "seed", seed.SeedID, "error", err)
	}
}

func (l *Learner) auditVeto(ctx context.Context, ap *core.ApprovalRequest, reason string) {
	if _, err := l.log.Append(ctx, audit.Event{
		ChainID:       ap.CustomerID,
		CorrelationID: ap.CorrelationID,
		Actor:         "learner",
		EventType:     audit.EventSeedVetoed,
		Payload: map[string]interface{}{
			"approval_id": ap.ApprovalID,
			"seed_id":     ap.SeedID,
			"reason":      reason,
		},
	}); err != nil {
		slog.Error("audit append failed for veto", "approval", ap.ApprovalID, "error", err)
	}
}
