// Package metrics registers the Prometheus instruments for the governance
// core. All Record* methods are nil-safe so components can run without a
// registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration core.
type Metrics struct {
	// Policy metrics
	PolicyDecisions *prometheus.CounterVec

	// Approval metrics
	ApprovalStates   *prometheus.CounterVec
	ApprovalLatency  prometheus.Histogram
	ApprovalsPending prometheus.Gauge

	// Budget metrics
	BudgetUtilisation *prometheus.GaugeVec
	BudgetRefusals    *prometheus.CounterVec

	// Execution metrics
	StepsCompleted *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	GoalsFinished  *prometheus.CounterVec

	// Audit metrics
	AuditAppends      *prometheus.CounterVec
	AuditVerifyFails  prometheus.Counter
	ChainsQuarantined prometheus.Gauge

	// Learner metrics
	SeedsDrafted  prometheus.Counter
	SeedsReviewed *prometheus.CounterVec
	SeedVetoes    prometheus.Counter
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		PolicyDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_policy_decisions_total",
				Help: "PDP decisions by effect and reason",
			},
			[]string{"effect", "reason"},
		),

		ApprovalStates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_approval_transitions_total",
				Help: "Approval state transitions",
			},
			[]string{"state"},
		),

		ApprovalLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "core_approval_decision_seconds",
				Help:    "Time from approval creation to terminal state",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400},
			},
		),

		ApprovalsPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "core_approvals_pending",
				Help: "Approvals currently awaiting a decision",
			},
		),

		BudgetUtilisation: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "core_budget_utilisation",
				Help: "Instance-day budget utilisation (0-1+)",
			},
			[]string{"instance_id"},
		),

		BudgetRefusals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_budget_refusals_total",
				Help: "Debits refused at the 100% gate",
			},
			[]string{"instance_id"},
		),

		StepsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_steps_total",
				Help: "Plan steps by outcome",
			},
			[]string{"outcome"}, // completed, failed, skipped
		),

		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "core_step_duration_seconds",
				Help:    "Duration of Think-Act-Observe cycles",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"skill_key"},
		),

		GoalsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_goals_total",
				Help: "Goal executions by outcome",
			},
			[]string{"outcome"}, // completed, failed, cancelled
		),

		AuditAppends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_audit_appends_total",
				Help: "Audit chain appends by event type",
			},
			[]string{"event_type"},
		),

		AuditVerifyFails: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_audit_verify_failures_total",
				Help: "Chain verifications that found a tampered entry",
			},
		),

		ChainsQuarantined: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "core_audit_chains_quarantined",
				Help: "Chains currently refusing appends",
			},
		),

		SeedsDrafted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_seeds_drafted_total",
				Help: "Precedent seeds drafted by the learner",
			},
		),

		SeedsReviewed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "core_seeds_reviewed_total",
				Help: "Seed review outcomes",
			},
			[]string{"outcome"},
		),

		SeedVetoes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "core_seed_vetoes_total",
				Help: "Governor vetoes of seed auto-approvals",
			},
		),
	}
}

func (m *Metrics) RecordPolicyDecision(effect, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.PolicyDecisions.WithLabelValues(effect, reason).Inc()
}

func (m *Metrics) RecordApprovalTransition(state string) {
	if m == nil {
		return
	}
	m.ApprovalStates.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordApprovalLatency(seconds float64) {
	if m == nil {
		return
	}
	m.ApprovalLatency.Observe(seconds)
}

func (m *Metrics) SetApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.ApprovalsPending.Set(float64(n))
}

func (m *Metrics) SetBudgetUtilisation(instanceID string, utilisation float64) {
	if m == nil {
		return
	}
	m.BudgetUtilisation.WithLabelValues(instanceID).Set(utilisation)
}

func (m *Metrics) RecordBudgetRefusal(instanceID string) {
	if m == nil {
		return
	}
	m.BudgetRefusals.WithLabelValues(instanceID).Inc()
}

func (m *Metrics) RecordStep(outcome, skillKey string, seconds float64) {
	if m == nil {
		return
	}
	m.StepsCompleted.WithLabelValues(outcome).Inc()
	m.StepDuration.WithLabelValues(skillKey).Observe(seconds)
}

func (m *Metrics) RecordGoal(outcome string) {
	if m == nil {
		return
	}
	m.GoalsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAuditAppend(eventType string) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordVerifyFailure() {
	if m == nil {
		return
	}
	m.AuditVerifyFails.Inc()
}

func (m *Metrics) SetChainsQuarantined(n int) {
	if m == nil {
		return
	}
	m.ChainsQuarantined.Set(float64(n))
}

func (m *Metrics) RecordSeedDrafted() {
	if m == nil {
		return
	}
	m.SeedsDrafted.Inc()
}

func (m *Metrics) RecordSeedReview(outcome string) {
	if m == nil {
		return
	}
	m.SeedsReviewed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSeedVeto() {
	if m == nil {
		return
	}
	m.SeedVetoes.Inc()
}
