package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/budget"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/learner"
	"github.com/agentgrid/backend/internal/middleware"
)

// ============================================================================
// SUBSCRIPTIONS & INSTANCES
// ============================================================================

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID  string `json:"customer_id"`
		AgentTypeID string `json:"agent_type_id"`
		Trial       bool   `json:"trial"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if p, ok := middleware.PrincipalFrom(r.Context()); ok && !p.Platform {
		body.CustomerID = p.CustomerID
	}
	sub, err := s.hiring.CreateSubscription(body.CustomerID, body.AgentTypeID, body.Trial)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleHire(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hiring.Hire(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["subscription_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if p, ok := middleware.PrincipalFrom(r.Context()); ok && !p.Platform {
		customerID = p.CustomerID
	}
	writeJSON(w, http.StatusOK, s.hiring.ListInstances(customerID))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.hiring.GetInstance(mux.Vars(r)["hired_instance_id"])
	if !ok {
		writeError(w, r, core.NewError(core.KindNotFound, "", "unknown instance"))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var config map[string]interface{}
	if !decodeJSON(w, r, &config) {
		return
	}
	inst, err := s.hiring.Configure(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"], config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hiring.Activate(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "customer_request"
	}
	inst, err := s.hiring.Interrupt(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"], body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hiring.Resume(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	inst, err := s.hiring.Retire(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleAddGoal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GoalTemplateID string                 `json:"goal_template_id"`
		Frequency      string                 `json:"frequency"`
		Settings       map[string]interface{} `json:"settings"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	goal, err := s.hiring.AddGoal(r.Context(), middleware.CorrelationID(r.Context()),
		mux.Vars(r)["hired_instance_id"], body.GoalTemplateID, body.Frequency, body.Settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

// ============================================================================
// EXECUTION
// ============================================================================

func (s *Server) handleStartGoal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HiredInstanceID string `json:"hired_instance_id"`
		GoalInstanceID  string `json:"goal_instance_id"`
		CorrelationID   string `json:"correlation_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = middleware.CorrelationID(r.Context())
	}
	corr, err := s.engine.StartGoal(r.Context(), body.HiredInstanceID, body.GoalInstanceID, body.CorrelationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"goal_id":        body.GoalInstanceID,
		"correlation_id": corr,
	})
}

func (s *Server) handleGoalStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.engine.Run(mux.Vars(r)["correlation_id"])
	if !ok {
		writeError(w, r, core.NewError(core.KindNotFound, "", "unknown goal run"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelGoal(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(mux.Vars(r)["correlation_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDeliverables(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("hired_instance_id")
	if instanceID == "" {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "hired_instance_id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Deliverables(instanceID))
}

// ============================================================================
// APPROVALS
// ============================================================================

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customerID := q.Get("customer_id")
	if p, ok := middleware.PrincipalFrom(r.Context()); ok && !p.Platform {
		customerID = p.CustomerID
	}
	list := s.approvals.List(r.Context(), customerID, core.ApprovalState(q.Get("state")))

	agentID, correlationID := q.Get("agent_id"), q.Get("correlation_id")
	out := list[:0]
	for _, ap := range list {
		if agentID != "" && ap.AgentID != agentID {
			continue
		}
		if correlationID != "" && ap.CorrelationID != correlationID {
			continue
		}
		out = append(out, ap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ap, err := s.approvals.Get(r.Context(), mux.Vars(r)["approval_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	principalID := ""
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		principalID = p.PrincipalID
	}
	ap, err := s.approvals.Decide(r.Context(), mux.Vars(r)["approval_id"], principalID,
		core.ApprovalState(body.Decision), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) handleVetoApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HiredInstanceID string `json:"hired_instance_id"`
		Reason          string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	principalID := ""
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		principalID = p.PrincipalID
	}
	ap, err := s.learner.RecordVeto(r.Context(), mux.Vars(r)["approval_id"],
		principalID, body.HiredInstanceID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// ============================================================================
// SEEDS
// ============================================================================

func (s *Server) handleListSeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.learner.List(core.SeedStatus(r.URL.Query().Get("status"))))
}

func (s *Server) handleReviewSeed(w http.ResponseWriter, r *http.Request) {
	var in learner.ReviewInput
	if !decodeJSON(w, r, &in) {
		return
	}
	seed, err := s.learner.Review(r.Context(), mux.Vars(r)["seed_id"], in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seed)
}

// ============================================================================
// GOVERNANCE & OPERATIONS
// ============================================================================

func (s *Server) handlePolicyDenials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK,
		s.denials.Query(q.Get("correlation_id"), q.Get("action"), q.Get("reason")))
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chain := q.Get("chain")
	from, _ := strconv.ParseUint(q.Get("from"), 10, 64)
	to, _ := strconv.ParseUint(q.Get("to"), 10, 64)

	result, err := s.log.Verify(r.Context(), chain, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromSeq, _ := strconv.ParseUint(q.Get("from"), 10, 64)
	ch, err := s.log.Stream(r.Context(), q.Get("chain"), audit.Filter{
		CorrelationID: q.Get("correlation_id"),
		EventType:     q.Get("event_type"),
		FromSeq:       fromSeq,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries := []core.AuditEntry{}
	for e := range ch {
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := q.Get("hired_instance_id")
	day := q.Get("day")
	if instanceID == "" || day == "" {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "hired_instance_id and day are required")
		return
	}
	writeJSON(w, http.StatusOK, s.budget.Entries(instanceID, day))
}

func (s *Server) handleUsageAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := q.Get("hired_instance_id")
	period := q.Get("period")
	switch q.Get("bucket") {
	case "day":
		if len(period) != 10 {
			writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "period must be YYYY-MM-DD for bucket=day")
			return
		}
	case "month":
		if len(period) != 7 {
			writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "period must be YYYY-MM for bucket=month")
			return
		}
	default:
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "bucket must be day or month")
		return
	}
	writeJSON(w, http.StatusOK, s.budget.Aggregate(instanceID, period))
}

func (s *Server) handleExtendBudget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmountUSD  float64 `json:"amount_usd"`
		ApprovalID string  `json:"approval_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	instanceID := mux.Vars(r)["hired_instance_id"]
	if err := s.budget.ExtendBudget(r.Context(), instanceID, body.AmountUSD,
		body.ApprovalID, middleware.CorrelationID(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	spent, limit, utilisation := s.budget.Utilisation(instanceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hired_instance_id": instanceID,
		"day":               budget.Day(s.clock.Now()),
		"spent_usd":         spent,
		"limit_usd":         limit,
		"utilisation":       utilisation,
	})
}
