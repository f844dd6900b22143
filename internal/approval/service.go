// Package approval implements the human-in-the-loop decision service.
// Requests are created PENDING with a deadline; the first terminal decision
// wins, later ones conflict. Expiry is enforced both lazily on read and
// eagerly by a deadline watcher, transitioning each request at most once.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/metrics"
	"github.com/agentgrid/backend/internal/policy"
)

// Defaults govern deadlines when the caller does not set one.
type Defaults struct {
	DecisionDeadline time.Duration // PENDING -> EXPIRED
	DeferExtension   time.Duration // added on DEFERRED
	VetoWindow       time.Duration // governor veto window on auto-approvals
}

// Notifier receives approval state changes for push delivery. The audit entry
// is always written before the notifier sees the change.
type Notifier interface {
	ApprovalChanged(req core.ApprovalRequest)
}

// CreateRequest is the input for a new approval.
type CreateRequest struct {
	CorrelationID string
	CustomerID    string
	AgentID       string
	AgentTypeID   string
	Action        string
	Risk          string
	Confidence    float64 // agent's confidence in its own think phase
	Context       core.TAOContext
	Deadline      time.Time // zero = now + Defaults.DecisionDeadline
}

// Service owns approval requests for all tenants.
type Service struct {
	mu        sync.Mutex
	requests  map[string]*core.ApprovalRequest
	waiters   map[string]chan core.ApprovalState // closed after send on terminal
	governors map[string]map[string]bool         // customerID -> principal set

	defaults Defaults
	enforcer *policy.Enforcer
	log      *audit.Log
	clock    clock.Clock
	metrics  *metrics.Metrics
	notifier Notifier

	wake chan struct{}
}

// NewService creates the approval service.
func NewService(defaults Defaults, enforcer *policy.Enforcer, log *audit.Log, clk clock.Clock, m *metrics.Metrics) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if defaults.DecisionDeadline <= 0 {
		defaults.DecisionDeadline = 24 * time.Hour
	}
	if defaults.DeferExtension <= 0 {
		defaults.DeferExtension = defaults.DecisionDeadline
	}
	if defaults.VetoWindow <= 0 {
		defaults.VetoWindow = 24 * time.Hour
	}
	return &Service{
		requests:  make(map[string]*core.ApprovalRequest),
		waiters:   make(map[string]chan core.ApprovalState),
		governors: make(map[string]map[string]bool),
		defaults:  defaults,
		enforcer:  enforcer,
		log:       log,
		clock:     clk,
		metrics:   m,
		wake:      make(chan struct{}, 1),
	}
}

// SetNotifier wires push delivery. Safe to call once during startup.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// RegisterGovernor authorizes a principal to decide for a customer.
func (s *Service) RegisterGovernor(customerID, principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.governors[customerID]
	if !ok {
		set = make(map[string]bool)
		s.governors[customerID] = set
	}
	set[principalID] = true
}

func (s *Service) isGovernor(customerID, principalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.governors[customerID][principalID]
}

// ============================================================================
// CREATE
// ============================================================================

// Create opens a PENDING approval and returns it. The state-change audit
// entry is durable before the caller or any notifier sees the request.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*core.ApprovalRequest, error) {
	now := s.clock.Now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(s.defaults.DecisionDeadline)
	}

	ap := &core.ApprovalRequest{
		ApprovalID:    "ap-" + uuid.NewString()[:8],
		CorrelationID: req.CorrelationID,
		CustomerID:    req.CustomerID,
		AgentID:       req.AgentID,
		AgentTypeID:   req.AgentTypeID,
		Action:        req.Action,
		Risk:          req.Risk,
		Confidence:    req.Confidence,
		Context:       req.Context,
		Deadline:      deadline,
		State:         core.ApprovalPending,
		CreatedAt:     now,
	}

	if err := s.auditTransition(ctx, ap, "", core.ApprovalPending); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[ap.ApprovalID] = ap
	s.waiters[ap.ApprovalID] = make(chan core.ApprovalState, 1)
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.metrics.RecordApprovalTransition(string(core.ApprovalPending))
	s.metrics.SetApprovalsPending(pending)
	s.notify(*ap)
	s.poke()

	cp := *ap
	return &cp, nil
}

// CreateAuto records a seed-granted auto-approval, already APPROVED, so the
// customer sees an informational record they can veto within the window.
func (s *Service) CreateAuto(ctx context.Context, req CreateRequest, seedID string, confidence float64) (*core.ApprovalRequest, error) {
	now := s.clock.Now()
	ap := &core.ApprovalRequest{
		ApprovalID:    "ap-" + uuid.NewString()[:8],
		CorrelationID: req.CorrelationID,
		CustomerID:    req.CustomerID,
		AgentID:       req.AgentID,
		AgentTypeID:   req.AgentTypeID,
		Action:        req.Action,
		Risk:          req.Risk,
		Context:       req.Context,
		Deadline:      now.Add(s.defaults.VetoWindow),
		State:         core.ApprovalApproved,
		Confidence:    confidence,
		Auto:          true,
		SeedID:        seedID,
		DecidedBy:     "seed:" + seedID,
		DecidedAt:     &now,
		CreatedAt:     now,
	}

	if err := s.auditTransition(ctx, ap, core.ApprovalPending, core.ApprovalApproved); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[ap.ApprovalID] = ap
	s.mu.Unlock()

	s.metrics.RecordApprovalTransition(string(core.ApprovalApproved))
	s.notify(*ap)

	cp := *ap
	return &cp, nil
}

// ============================================================================
// DECIDE
// ============================================================================

// Decide applies a governor's decision. The decider is authorized through the
// PDP; an already-terminal request conflicts regardless of whether the new
// decision agrees with the old one.
func (s *Service) Decide(ctx context.Context, approvalID, principalID string, decision core.ApprovalState, reason string) (*core.ApprovalRequest, error) {
	switch decision {
	case core.ApprovalApproved, core.ApprovalDenied, core.ApprovalDeferred, core.ApprovalEscalated:
	default:
		return nil, core.NewError(core.KindValidation, "", "decision must be APPROVED, DENIED, DEFERRED or ESCALATED")
	}

	ap, err := s.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	d, err := s.enforcer.Enforce(ctx, ap.CustomerID, ap.CorrelationID,
		policy.Subject{CustomerID: ap.CustomerID, PrincipalID: principalID},
		"approval.decide",
		policy.Resource{Type: "approval", ID: approvalID},
		policy.Context{Governor: s.isGovernor(ap.CustomerID, principalID)})
	if err != nil {
		return nil, err
	}
	if d.Denied() {
		return nil, core.NewError(core.KindAuthz, d.Reason,
			"principal "+principalID+" may not decide approvals for "+ap.CustomerID)
	}

	s.mu.Lock()
	stored, ok := s.requests[approvalID]
	if !ok {
		s.mu.Unlock()
		return nil, core.NewError(core.KindNotFound, "", "unknown approval "+approvalID)
	}
	if stored.State.Terminal() {
		state := stored.State
		s.mu.Unlock()
		return nil, core.NewError(core.KindConflict, core.ReasonConflict,
			"approval "+approvalID+" already "+string(state))
	}

	from := stored.State
	now := s.clock.Now()
	stored.State = decision
	stored.Reason = reason
	stored.DecidedBy = principalID
	if decision == core.ApprovalDeferred {
		stored.Deadline = now.Add(s.defaults.DeferExtension)
	}
	if decision.Terminal() {
		stored.DecidedAt = &now
	}
	cp := *stored
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &cp, from, decision); err != nil {
		// The transition happened in memory; the chain is the record of
		// record, so surface the durability failure to the decider.
		return nil, err
	}

	s.finishTransition(cp)
	return &cp, nil
}

// Defer moves a PENDING request to DEFERRED on behalf of the system, used
// when the goal that opened it is cancelled. No PDP check: there is no human
// decider here.
func (s *Service) Defer(ctx context.Context, approvalID, reason string) error {
	s.mu.Lock()
	stored, ok := s.requests[approvalID]
	if !ok {
		s.mu.Unlock()
		return core.NewError(core.KindNotFound, "", "unknown approval "+approvalID)
	}
	if stored.State != core.ApprovalPending {
		state := stored.State
		s.mu.Unlock()
		return core.NewError(core.KindConflict, core.ReasonConflict,
			"approval "+approvalID+" is "+string(state)+", not deferrable")
	}
	from := stored.State
	stored.State = core.ApprovalDeferred
	stored.Reason = reason
	stored.Deadline = s.clock.Now().Add(s.defaults.DeferExtension)
	cp := *stored
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &cp, from, core.ApprovalDeferred); err != nil {
		return err
	}
	s.finishTransition(cp)
	return nil
}

// Veto flips an auto-approved request to DENIED inside the veto window.
// Returns the vetoed request so the learner can compensate and charge the
// seed with a false positive.
func (s *Service) Veto(ctx context.Context, approvalID, principalID, reason string) (*core.ApprovalRequest, error) {
	s.mu.Lock()
	stored, ok := s.requests[approvalID]
	if !ok {
		s.mu.Unlock()
		return nil, core.NewError(core.KindNotFound, "", "unknown approval "+approvalID)
	}
	if !stored.Auto {
		s.mu.Unlock()
		return nil, core.NewError(core.KindPrecondition, "", "only auto-approvals can be vetoed")
	}
	if s.clock.Now().After(stored.Deadline) {
		s.mu.Unlock()
		return nil, core.NewError(core.KindPrecondition, core.ReasonSeedVetoed,
			"veto window for "+approvalID+" has closed")
	}
	if stored.State != core.ApprovalApproved {
		state := stored.State
		s.mu.Unlock()
		return nil, core.NewError(core.KindConflict, core.ReasonConflict,
			"approval "+approvalID+" is "+string(state)+", not vetoable")
	}

	from := stored.State
	now := s.clock.Now()
	stored.State = core.ApprovalDenied
	stored.Reason = reason
	stored.DecidedBy = principalID
	stored.DecidedAt = &now
	cp := *stored
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &cp, from, core.ApprovalDenied); err != nil {
		return nil, err
	}
	s.metrics.RecordSeedVeto()
	s.finishTransition(cp)
	return &cp, nil
}

// ============================================================================
// READS & AWAIT
// ============================================================================

// Get returns a request, applying lazy expiry first.
func (s *Service) Get(ctx context.Context, approvalID string) (*core.ApprovalRequest, error) {
	s.expireIfDue(ctx, approvalID)

	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.requests[approvalID]
	if !ok {
		return nil, core.NewError(core.KindNotFound, "", "unknown approval "+approvalID)
	}
	cp := *ap
	return &cp, nil
}

// IsApproved reports whether the approval is terminally APPROVED. Used by the
// budget accountant for emergency grants.
func (s *Service) IsApproved(approvalID string) bool {
	ap, err := s.Get(context.Background(), approvalID)
	return err == nil && ap.State == core.ApprovalApproved
}

// List returns a customer's approvals, optionally filtered by state, newest
// first.
func (s *Service) List(ctx context.Context, customerID string, state core.ApprovalState) []core.ApprovalRequest {
	s.sweepExpired(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.ApprovalRequest
	for _, ap := range s.requests {
		if customerID != "" && ap.CustomerID != customerID {
			continue
		}
		if state != "" && ap.State != state {
			continue
		}
		out = append(out, *ap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Await returns a channel that delivers the terminal state exactly once and
// then closes. An already-terminal request yields immediately.
func (s *Service) Await(approvalID string) <-chan core.ApprovalState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ap, ok := s.requests[approvalID]
	if !ok {
		ch := make(chan core.ApprovalState)
		close(ch)
		return ch
	}
	if ap.State.Terminal() {
		ch := make(chan core.ApprovalState, 1)
		ch <- ap.State
		close(ch)
		return ch
	}
	ch, ok := s.waiters[approvalID]
	if !ok {
		ch = make(chan core.ApprovalState, 1)
		s.waiters[approvalID] = ch
	}
	return ch
}

// ============================================================================
// EXPIRY
// ============================================================================

// Run is the eager deadline watcher. It sleeps until the earliest pending
// deadline and expires whatever is due, re-arming after every wake. Create
// and Decide poke it so a new earlier deadline shortens the sleep.
func (s *Service) Run(ctx context.Context) {
	for {
		next, ok := s.nextDeadline()
		var timer <-chan time.Time
		if ok {
			wait := next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
			timer = s.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer:
		}
		s.sweepExpired(ctx)
	}
}

func (s *Service) nextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, ap := range s.requests {
		if ap.State.Terminal() || ap.State == core.ApprovalEscalated {
			continue
		}
		if !found || ap.Deadline.Before(next) {
			next = ap.Deadline
			found = true
		}
	}
	return next, found
}

func (s *Service) sweepExpired(ctx context.Context) {
	s.mu.Lock()
	var due []string
	now := s.clock.Now()
	for id, ap := range s.requests {
		if !ap.State.Terminal() && !now.Before(ap.Deadline) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.expireIfDue(ctx, id)
	}
}

// expireIfDue transitions a past-deadline request to EXPIRED. The in-lock
// state check makes the transition happen exactly once no matter how many
// paths race here.
func (s *Service) expireIfDue(ctx context.Context, approvalID string) {
	s.mu.Lock()
	ap, ok := s.requests[approvalID]
	if !ok || ap.State.Terminal() || s.clock.Now().Before(ap.Deadline) {
		s.mu.Unlock()
		return
	}
	from := ap.State
	now := s.clock.Now()
	ap.State = core.ApprovalExpired
	ap.Reason = core.ReasonApprovalExpired
	ap.DecidedAt = &now
	cp := *ap
	s.mu.Unlock()

	if err := s.auditTransition(ctx, &cp, from, core.ApprovalExpired); err != nil {
		slog.Error("audit append failed for approval expiry", "approval", approvalID, "error", err)
	}
	s.finishTransition(cp)
}

// ============================================================================
// INTERNAL
// ============================================================================

func (s *Service) finishTransition(ap core.ApprovalRequest) {
	s.metrics.RecordApprovalTransition(string(ap.State))

	s.mu.Lock()
	if ap.State.Terminal() {
		if ch, ok := s.waiters[ap.ApprovalID]; ok {
			ch <- ap.State
			close(ch)
			delete(s.waiters, ap.ApprovalID)
		}
		if ap.DecidedAt != nil {
			s.metrics.RecordApprovalLatency(ap.DecidedAt.Sub(ap.CreatedAt).Seconds())
		}
	}
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.metrics.SetApprovalsPending(pending)
	s.notify(ap)
	s.poke()
}

func (s *Service) pendingLocked() int {
	n := 0
	for _, ap := range s.requests {
		if ap.State == core.ApprovalPending {
			n++
		}
	}
	return n
}

func (s *Service) auditTransition(ctx context.Context, ap *core.ApprovalRequest, from, to core.ApprovalState) error {
	payload := map[string]interface{}{
		"approval_id": ap.ApprovalID,
		"action":      ap.Action,
		"risk":        ap.Risk,
		"from":        string(from),
		"to":          string(to),
	}
	if ap.DecidedBy != "" {
		payload["decided_by"] = ap.DecidedBy
	}
	if ap.Auto {
		payload["auto"] = true
		payload["seed_id"] = ap.SeedID
		payload["confidence"] = ap.Confidence
	}
	_, err := s.log.Append(ctx, audit.Event{
		ChainID:       ap.CustomerID,
		CorrelationID: ap.CorrelationID,
		Actor:         "approval",
		EventType:     audit.EventApprovalStateChanged,
		Payload:       payload,
	})
	return err
}

func (s *Service) notify(ap core.ApprovalRequest) {
	if s.notifier != nil {
		s.notifier.ApprovalChanged(ap)
	}
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
