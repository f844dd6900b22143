// Package httpapi is the HTTP gateway: it authenticates callers, propagates
// correlation IDs, translates between HTTP and the internal operations, and
// serializes failures as RFC 7807 problem documents.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/middleware"
)

// Problem is the application/problem+json body.
type Problem struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Status        int      `json:"status"`
	Detail        string   `json:"detail,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Violations    []string `json:"violations,omitempty"`
	RetryAfter    int      `json:"retry_after,omitempty"`
}

const problemTypeBase = "https://agentgrid.dev/problems/"

// statusFor maps error kinds to contractual status codes.
func statusFor(kind core.ErrorKind, reason string) int {
	switch kind {
	case core.KindValidation, core.KindPrecondition, core.KindPlanDeadlock:
		return http.StatusUnprocessableEntity
	case core.KindAuthz:
		if reason == core.ReasonDeciderUnauthorized {
			return http.StatusUnprocessableEntity
		}
		return http.StatusForbidden
	case core.KindConflict, core.KindApprovalExpired:
		return http.StatusConflict
	case core.KindPolicyDeny:
		return http.StatusForbidden
	case core.KindBudget:
		return http.StatusTooManyRequests
	case core.KindToolTransient:
		return http.StatusServiceUnavailable
	case core.KindToolPermanent:
		return http.StatusBadGateway
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError serializes any error as a problem document whose correlation_id
// matches the request.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *core.Error
	if !errors.As(err, &ce) {
		ce = &core.Error{Kind: core.KindInternal, Message: err.Error()}
	}

	status := statusFor(ce.Kind, ce.Reason)
	p := Problem{
		Type:          problemTypeBase + string(ce.Kind),
		Title:         string(ce.Kind),
		Status:        status,
		Detail:        ce.Message,
		CorrelationID: middleware.CorrelationID(r.Context()),
		Reason:        ce.Reason,
		Violations:    ce.Violations,
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		p.RetryAfter = 60
		w.Header().Set("Retry-After", "60")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(p)
}

// writeProblem emits a problem with an explicit status, for malformed input.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Problem{
		Type:          problemTypeBase + title,
		Title:         title,
		Status:        status,
		Detail:        detail,
		CorrelationID: middleware.CorrelationID(r.Context()),
	})
}

// writeJSON is the success path.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON rejects malformed bodies with 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}
