package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the core can surface.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION"
	KindAuthz           ErrorKind = "AUTHZ"
	KindConflict        ErrorKind = "CONFLICT"
	KindPrecondition    ErrorKind = "PRECONDITION"
	KindPolicyDeny      ErrorKind = "POLICY_DENY"
	KindBudget          ErrorKind = "BUDGET"
	KindApprovalExpired ErrorKind = "APPROVAL_EXPIRED"
	KindToolTransient   ErrorKind = "TOOL_TRANSIENT"
	KindToolPermanent   ErrorKind = "TOOL_PERMANENT"
	KindPlanDeadlock    ErrorKind = "PLAN_DEADLOCK"
	KindAuditDurability ErrorKind = "AUDIT_DURABILITY"
	KindIntegrity       ErrorKind = "INTEGRITY"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindInternal        ErrorKind = "INTERNAL"
)

// Stable reason identifiers. Returned verbatim in problem documents; the UI
// selects messaging from these, never by parsing detail text.
const (
	ReasonApprovalRequired    = "approval_required"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonTrialRestriction    = "trial_restriction"
	ReasonScopeOutOfBounds    = "scope_out_of_bounds"
	ReasonToolNotAuthorized   = "tool_not_authorized"
	ReasonInstanceSuspended   = "instance_suspended"
	ReasonSkillDeprecated     = "skill_deprecated"
	ReasonConflict            = "conflict"
	ReasonNotConfigured       = "not_configured"
	ReasonVersionUpgrade      = "version_upgrade_required"
	ReasonSeedVetoed          = "seed_vetoed"
	ReasonApprovalExpired     = "approval_expired"
	ReasonIntegrity           = "integrity"
	ReasonPlanDeadlock        = "plan_deadlock"
	ReasonAuditDurability     = "audit_durability"
	ReasonDeciderUnauthorized = "decider_unauthorized"
)

// Error is the typed error the core passes between components. The HTTP
// gateway is the only place it re-becomes a first-class response.
type Error struct {
	Kind       ErrorKind
	Reason     string
	Message    string
	Violations []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind ErrorKind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// WrapError attaches a cause.
func WrapError(kind ErrorKind, reason, msg string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg, Err: err}
}

// KindOf extracts the kind from any error, defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// ReasonOf extracts the stable reason from any error, empty when untyped.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

// Retryable reports whether the executor may retry the failed step.
func Retryable(err error) bool {
	return KindOf(err) == KindToolTransient
}
