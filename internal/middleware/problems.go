package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// problem mirrors the gateway's RFC 7807 body. The middleware runs outside
// httpapi and cannot import it without a cycle, so it carries its own copy of
// the shape.
type problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfter    int    `json:"retry_after,omitempty"`
}

const problemTypeBase = "https://agentgrid.dev/problems/"

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem{
		Type:          problemTypeBase + title,
		Title:         title,
		Status:        status,
		Detail:        detail,
		CorrelationID: CorrelationID(r.Context()),
		RetryAfter:    retryAfter,
	})
}
