package policy

// ============================================================================
// RULE MODEL
// ============================================================================
// Rules are layered L0 (immutable platform floor) → L1 (tenant) → L2 (agent
// type) → L3 (instance override). Evaluation walks the layers in order and a
// lower layer may only tighten: it can add denies and obligations, never
// convert a deny into an allow.

// Layer identifies where a rule was installed.
type Layer int

const (
	L0Platform Layer = iota
	L1Tenant
	L2AgentType
	L3Instance
)

func (l Layer) String() string {
	switch l {
	case L0Platform:
		return "L0"
	case L1Tenant:
		return "L1"
	case L2AgentType:
		return "L2"
	case L3Instance:
		return "L3"
	}
	return "?"
}

// Effect is the outcome of a decision.
type Effect string

const (
	Allow Effect = "ALLOW"
	Deny  Effect = "DENY"
)

// Obligation types attached to ALLOW decisions.
const (
	ObligationRequireApproval = "require_approval"
	ObligationBudgetDebit     = "budget_debit"
	ObligationTrialMode       = "trial_mode"
)

// Obligation is a duty the PEP must discharge alongside an ALLOW.
type Obligation struct {
	Type  string  `json:"type"`
	Units float64 `json:"units,omitempty"`
}

// Subject is who is acting.
type Subject struct {
	CustomerID  string
	AgentID     string
	InstanceID  string
	AgentTypeID string
	PrincipalID string // human decider, for approval.decide
	Trial       bool
	Suspended   bool
}

// Resource is what is acted upon.
type Resource struct {
	Type        string // skill, tool, approval, budget, goal
	ID          string
	SkillID     string
	SkillStatus string // CERTIFIED, DEPRECATED
	Tool        string
}

// Context carries request-scoped evaluation inputs. All keys optional.
type Context struct {
	Approved        bool     // a terminal APPROVED decision covers this action
	ApprovalID      string
	BudgetExceeded  bool
	GraceExpired    bool     // deprecated skill past its 30-day grace
	AllowedTools    []string // instance's certified tool set
	EstimatedCost   float64
	Governor        bool // principal is an authorized governor for the customer
}

// ActionSpec declares a known action and its governance posture. Unknown
// actions fall to the default-deny.
type ActionSpec struct {
	Action           string
	ExternalEffect   bool
	RequireApproval  bool
	Risk             string // low, medium, high
}

// Rule is one tightening rule installed at a layer.
type Rule struct {
	ID     string
	Layer  Layer
	Action string // exact action or "*"
	Reason string // stable deny reason
	// Matches returns true when the rule denies this request. Must be a
	// pure function of its inputs.
	Matches func(sub Subject, res Resource, ctx Context) bool
}

// DefaultActionSpecs is the platform's L0 action registry.
func DefaultActionSpecs() []ActionSpec {
	return []ActionSpec{
		{Action: "skill.invoke", ExternalEffect: false, Risk: "low"},
		{Action: "knowledge.lookup", ExternalEffect: false, Risk: "low"},
		{Action: "publish", ExternalEffect: true, RequireApproval: true, Risk: "high"},
		{Action: "send_outreach", ExternalEffect: true, RequireApproval: true, Risk: "high"},
		{Action: "post_update", ExternalEffect: true, RequireApproval: true, Risk: "medium"},
		{Action: "emergency_budget", ExternalEffect: false, RequireApproval: true, Risk: "high"},
		{Action: "approval.decide", ExternalEffect: false, Risk: "medium"},
		{Action: "seed.veto", ExternalEffect: false, Risk: "medium"},
	}
}
