// Package core holds the shared domain model for the agent platform:
// certified skills, job roles, agent type definitions, subscriptions,
// hired instances, goals, approvals, budget ledger entries, audit entries
// and precedent seeds.
package core

import "time"

// ============================================================================
// CERTIFICATION REGISTRY TYPES
// ============================================================================

// SkillStatus is the certification state of a skill.
type SkillStatus string

const (
	SkillCertified  SkillStatus = "CERTIFIED"
	SkillDeprecated SkillStatus = "DEPRECATED"
)

// TAOContract is the Think→Act→Observe contract a certified skill must carry.
type TAOContract struct {
	Think   string `json:"think"`
	Act     string `json:"act"`
	Observe string `json:"observe"`
}

// Skill is a certified atomic capability. Immutable after certification.
type Skill struct {
	SkillID        string                 `json:"skill_id"` // e.g. SKILL-HC-001 or SKILL-HC-001-v2
	SkillKey       string                 `json:"skill_key"`
	Name           string                 `json:"name"`
	IndustryCode   string                 `json:"industry_code"`
	ComplianceTags []string               `json:"compliance_tags"`
	Tools          []string               `json:"tools"`
	IOSchemas      map[string]interface{} `json:"io_schemas,omitempty"`
	Contract       TAOContract            `json:"contract"`
	FailureModes   []string               `json:"failure_modes"`
	RetryCount     int                    `json:"retry_count"`
	ExternalEffect bool                   `json:"external_effect"`
	Status         SkillStatus            `json:"status"`
	Supersedes     string                 `json:"supersedes,omitempty"`
	DeprecatedAt   *time.Time             `json:"deprecated_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// JobRole bundles the skills a seniority level is expected to carry.
type JobRole struct {
	JobRoleID         string      `json:"job_role_id"`
	Name              string      `json:"name"`
	Seniority         string      `json:"seniority"`
	RequiredSkillKeys []string    `json:"required_skill_keys"`
	Status            SkillStatus `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
}

// EnforcementDefaults are the governance defaults an agent type ships with.
type EnforcementDefaults struct {
	ApprovalRequired bool `json:"approval_required"`
	Deterministic    bool `json:"deterministic"`
}

// GoalTemplate describes a goal an agent type knows how to execute.
type GoalTemplate struct {
	GoalTemplateID string     `json:"goal_template_id"`
	Name           string     `json:"name"`
	Steps          []StepSpec `json:"steps"`
}

// StepSpec is one planned step in a goal template.
type StepSpec struct {
	StepID         string        `json:"step_id"`
	SkillKey       string        `json:"skill_key"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	ExternalEffect bool          `json:"external_effect"`
	SLA            time.Duration `json:"sla,omitempty"`
}

// AgentTypeDefinition is the template instances are hired from.
type AgentTypeDefinition struct {
	AgentTypeID         string                 `json:"agent_type_id"`
	Version             int                    `json:"version"`
	Name                string                 `json:"name"`
	ConfigSchema        map[string]ConfigField `json:"config_schema"`
	RequiredSkillKeys   []string               `json:"required_skill_keys"`
	GoalTemplates       []GoalTemplate         `json:"goal_templates"`
	EnforcementDefaults EnforcementDefaults    `json:"enforcement_defaults"`
	Status              string                 `json:"status"` // draft, published, migration_required
	CreatedAt           time.Time              `json:"created_at"`
}

// ConfigField is one entry of an agent type's config schema.
type ConfigField struct {
	Type     string   `json:"type"` // string, number, bool, string_list
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
}

// Template finds a goal template by ID.
func (d *AgentTypeDefinition) Template(goalTemplateID string) (GoalTemplate, bool) {
	for _, t := range d.GoalTemplates {
		if t.GoalTemplateID == goalTemplateID {
			return t, true
		}
	}
	return GoalTemplate{}, false
}

// ============================================================================
// SUBSCRIPTION & INSTANCE TYPES
// ============================================================================

// Customer is a paying (or trialing) tenant of the platform.
type Customer struct {
	CustomerID string                 `json:"customer_id"`
	Tier       string                 `json:"tier"` // starter, pro, enterprise
	PlanLimits map[string]interface{} `json:"plan_limits,omitempty"`
}

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	SubTrialActive SubscriptionStatus = "trial_active"
	SubActive      SubscriptionStatus = "active"
	SubSuspended   SubscriptionStatus = "suspended"
	SubCancelled   SubscriptionStatus = "cancelled"
)

// Subscription binds a customer to an agent type.
type Subscription struct {
	SubscriptionID string             `json:"subscription_id"`
	CustomerID     string             `json:"customer_id"`
	AgentTypeID    string             `json:"agent_type_id"`
	Status         SubscriptionStatus `json:"status"`
	TrialEnd       *time.Time         `json:"trial_end,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Lifecycle is the state of a hired agent instance.
type Lifecycle string

const (
	LifecycleDraft       Lifecycle = "draft"
	LifecycleProvisioned Lifecycle = "provisioned"
	LifecycleActive      Lifecycle = "active"
	LifecycleInterrupted Lifecycle = "interrupted"
	LifecycleRetired     Lifecycle = "retired"
)

// AgentInstance is a provisioned, customer-scoped runtime of an agent type.
// The subscription exclusively owns the instance.
type AgentInstance struct {
	HiredInstanceID  string                 `json:"hired_instance_id"`
	SubscriptionID   string                 `json:"subscription_id"`
	AgentID          string                 `json:"agent_id"`
	AgentTypeID      string                 `json:"agent_type_id"`
	AgentTypeVersion int                    `json:"agent_type_version"`
	Config           map[string]interface{} `json:"config,omitempty"`
	Goals            []Goal                 `json:"goals,omitempty"`
	Trial            bool                   `json:"trial"`
	WorkspaceRef     string                 `json:"workspace_ref,omitempty"`
	Lifecycle        Lifecycle              `json:"lifecycle"`
	Configured       bool                   `json:"configured"`
	BudgetDailyUSD   float64                `json:"budget_daily_usd"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Goal is a recurring or one-shot execution request against a goal template.
type Goal struct {
	GoalInstanceID  string                 `json:"goal_instance_id"`
	HiredInstanceID string                 `json:"hired_instance_id"`
	GoalTemplateID  string                 `json:"goal_template_id"`
	Frequency       string                 `json:"frequency,omitempty"` // once, daily, weekly
	Settings        map[string]interface{} `json:"settings,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// PlanStep is ephemeral execution state: one node of a goal's plan DAG.
type PlanStep struct {
	StepID         string                 `json:"step_id"`
	SkillID        string                 `json:"skill_id"`
	SkillKey       string                 `json:"skill_key"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty"`
	ExternalEffect bool                   `json:"external_effect"`
	SLA            time.Duration          `json:"sla,omitempty"`
	RetryCount     int                    `json:"retry_count"`
}

// ============================================================================
// APPROVAL TYPES
// ============================================================================

// ApprovalState is the state of an approval request.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "PENDING"
	ApprovalApproved  ApprovalState = "APPROVED"
	ApprovalDenied    ApprovalState = "DENIED"
	ApprovalDeferred  ApprovalState = "DEFERRED"
	ApprovalEscalated ApprovalState = "ESCALATED"
	ApprovalExpired   ApprovalState = "EXPIRED"
)

// Terminal reports whether the state accepts no further decisions.
func (s ApprovalState) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// TAOContext carries the think/act/observe snapshot shown to the governor.
type TAOContext struct {
	Think   string `json:"think"`
	Act     string `json:"act"`
	Observe string `json:"observe"`
}

// ApprovalRequest is a governance artefact for a pending external effect.
type ApprovalRequest struct {
	ApprovalID    string        `json:"approval_id"`
	CorrelationID string        `json:"correlation_id"`
	CustomerID    string        `json:"customer_id"`
	AgentID       string        `json:"agent_id"`
	Action        string        `json:"action"`
	Risk          string        `json:"risk"` // low, medium, high
	Context       TAOContext    `json:"context"`
	Deadline      time.Time     `json:"deadline"`
	State         ApprovalState `json:"state"`
	Confidence    float64       `json:"confidence,omitempty"`
	AgentTypeID   string        `json:"agent_type_id,omitempty"`
	Auto          bool          `json:"auto,omitempty"`    // granted from a precedent seed
	SeedID        string        `json:"seed_id,omitempty"` // set when Auto
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
	DecidedBy     string        `json:"decided_by,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// PolicyDenialRecord is the queryable trace of a PDP deny.
type PolicyDenialRecord struct {
	CorrelationID string                 `json:"correlation_id"`
	DecisionID    string                 `json:"decision_id"`
	Action        string                 `json:"action"`
	Reason        string                 `json:"reason"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// ============================================================================
// BUDGET & AUDIT TYPES
// ============================================================================

// BudgetLedgerEntry is one debit against an instance-day budget.
type BudgetLedgerEntry struct {
	InstanceID    string    `json:"instance_id"`
	Day           string    `json:"day"` // YYYY-MM-DD, UTC
	CorrelationID string    `json:"correlation_id"`
	StepID        string    `json:"step_id"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	CostUSD       float64   `json:"cost_usd"`
	EventType     string    `json:"event_type"` // debit, emergency_grant
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEntry is one link of the hash chain.
type AuditEntry struct {
	Seq           uint64                 `json:"seq"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Actor         string                 `json:"actor"`
	EventType     string                 `json:"event_type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	PrevHash      string                 `json:"prev_hash"`
	Hash          string                 `json:"hash"`
}

// ============================================================================
// PRECEDENT SEED TYPES
// ============================================================================

// SeedStatus is the review state of a precedent seed.
type SeedStatus string

const (
	SeedDraft      SeedStatus = "DRAFT"
	SeedApproved   SeedStatus = "APPROVED"
	SeedRejected   SeedStatus = "REJECTED"
	SeedRevised    SeedStatus = "REVISED"
	SeedDeferred   SeedStatus = "DEFERRED"
	SeedDeprecated SeedStatus = "DEPRECATED"
)

// PrecedentSeed is a reviewed pattern granting narrow auto-approval latitude.
type PrecedentSeed struct {
	SeedID             string     `json:"seed_id"`
	SeedType           string     `json:"seed_type"`
	Principle          string     `json:"principle"`
	Rationale          string     `json:"rationale"`
	Example            TAOContext `json:"example"`
	AppliesTo          []string   `json:"applies_to"` // agent type IDs
	Action             string     `json:"action"`
	RiskBucket         string     `json:"risk_bucket"`
	Status             SeedStatus `json:"status"`
	ReviewNote         string     `json:"review_note,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	FalsePositiveCount int        `json:"false_positive_count"`
	CreatedAt          time.Time  `json:"created_at"`
}
