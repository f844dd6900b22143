package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/agentgrid/backend/internal/core"
)

// ============================================================================
// TOOL ADAPTERS
// ============================================================================

// ToolCall is one egress invocation.
type ToolCall struct {
	CorrelationID string
	StepID        string
	InstanceID    string
	SkillID       string
	Tool          string
	Action        string
	Inputs        map[string]interface{}
}

// ToolResult is what an adapter returns from Act.
type ToolResult struct {
	Outputs   map[string]interface{}
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// ToolAdapter is the single point of egress. Invoke must be safe to call
// again with the same (correlation_id, step_id); Compensate reverses a prior
// invocation where the tool supports it.
type ToolAdapter interface {
	Invoke(ctx context.Context, call ToolCall) (*ToolResult, error)
	Compensate(ctx context.Context, call ToolCall) error
}

// AdapterRegistry dispatches by tool name, deduplicates on
// (correlation_id, step_id) and keeps the compensation stack: undo runs in
// reverse invocation order.
type AdapterRegistry struct {
	mu       sync.Mutex
	adapters map[string]ToolAdapter
	results  map[string]*ToolResult // corr|step -> first result
	history  map[string][]ToolCall  // correlation -> calls, invocation order
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]ToolAdapter),
		results:  make(map[string]*ToolResult),
		history:  make(map[string][]ToolCall),
	}
}

// Register installs an adapter for a tool name.
func (r *AdapterRegistry) Register(tool string, a ToolAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[tool] = a
}

// Invoke dispatches to the tool's adapter. A repeat of a completed
// (correlation_id, step_id) returns the recorded result without touching the
// tool again.
func (r *AdapterRegistry) Invoke(ctx context.Context, call ToolCall) (*ToolResult, error) {
	key := call.CorrelationID + "|" + call.StepID

	r.mu.Lock()
	if prior, done := r.results[key]; done {
		r.mu.Unlock()
		return prior, nil
	}
	adapter, ok := r.adapters[call.Tool]
	r.mu.Unlock()
	if !ok {
		return nil, core.NewError(core.KindToolPermanent, core.ReasonToolNotAuthorized,
			"no adapter registered for tool "+call.Tool)
	}

	result, err := adapter.Invoke(ctx, call)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if prior, done := r.results[key]; done {
		// A concurrent invocation won; keep the first result.
		r.mu.Unlock()
		return prior, nil
	}
	r.results[key] = result
	r.history[call.CorrelationID] = append(r.history[call.CorrelationID], call)
	r.mu.Unlock()
	return result, nil
}

// Compensate undoes every recorded call under the correlation, most recent
// first. It stops at the first adapter failure so the caller can suspend the
// instance instead of leaving a half-reversed effect.
func (r *AdapterRegistry) Compensate(ctx context.Context, correlationID string) error {
	r.mu.Lock()
	calls := make([]ToolCall, len(r.history[correlationID]))
	copy(calls, r.history[correlationID])
	r.mu.Unlock()

	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		r.mu.Lock()
		adapter, ok := r.adapters[call.Tool]
		r.mu.Unlock()
		if !ok {
			return core.NewError(core.KindToolPermanent, "",
				"no adapter registered for tool "+call.Tool)
		}
		if err := adapter.Compensate(ctx, call); err != nil {
			return core.WrapError(core.KindToolPermanent, "",
				"compensation failed for step "+call.StepID, err)
		}
		r.mu.Lock()
		delete(r.results, call.CorrelationID+"|"+call.StepID)
		r.mu.Unlock()
	}

	r.mu.Lock()
	delete(r.history, correlationID)
	r.mu.Unlock()
	return nil
}

// StaticAdapter is a canned adapter for dev environments: it returns fixed
// outputs and records invocations so compensation can be observed.
type StaticAdapter struct {
	Tool    string
	Outputs map[string]interface{}
	Cost    float64

	mu          sync.Mutex
	invoked     []ToolCall
	compensated []ToolCall
}

func (a *StaticAdapter) Invoke(ctx context.Context, call ToolCall) (*ToolResult, error) {
	a.mu.Lock()
	a.invoked = append(a.invoked, call)
	a.mu.Unlock()

	outputs := map[string]interface{}{"tool": a.Tool}
	for k, v := range a.Outputs {
		outputs[k] = v
	}
	cost := a.Cost
	if cost == 0 {
		cost = 0.10
	}
	return &ToolResult{Outputs: outputs, TokensIn: 400, TokensOut: 900, CostUSD: cost}, nil
}

func (a *StaticAdapter) Compensate(ctx context.Context, call ToolCall) error {
	a.mu.Lock()
	a.compensated = append(a.compensated, call)
	a.mu.Unlock()
	return nil
}

// Invoked returns the calls made so far.
func (a *StaticAdapter) Invoked() []ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolCall, len(a.invoked))
	copy(out, a.invoked)
	return out
}

// Compensated returns the calls undone so far.
func (a *StaticAdapter) Compensated() []ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ToolCall, len(a.compensated))
	copy(out, a.compensated)
	return out
}

// ============================================================================
// KNOWLEDGE ROUTING
// ============================================================================

// QueryClass routes a knowledge lookup.
type QueryClass string

const (
	ClassConstitutional QueryClass = "constitutional" // authority/approval wording
	ClassDomain         QueryClass = "domain"         // facts, terminology
	ClassAmbiguous      QueryClass = "ambiguous"
)

var constitutionalMarkers = []string{
	"approval", "authority", "authorized", "permission", "policy", "allowed", "may i", "veto",
}

var domainMarkers = []string{
	"what is", "define", "terminology", "facts", "study", "research", "trend",
}

// ClassifyQuery decides where a lookup goes before dispatch.
func ClassifyQuery(query string) QueryClass {
	q := strings.ToLower(query)
	constitutional := containsAny(q, constitutionalMarkers)
	domain := containsAny(q, domainMarkers)
	switch {
	case constitutional && !domain:
		return ClassConstitutional
	case domain && !constitutional:
		return ClassDomain
	default:
		return ClassAmbiguous
	}
}

func containsAny(q string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}

// PrecedentSource is the learner's per-agent-type precedent cache.
type PrecedentSource interface {
	LookupPrecedent(agentTypeID, query string) (string, bool)
}

// KnowledgeAdapter answers domain queries from the industry knowledge base.
type KnowledgeAdapter interface {
	Lookup(ctx context.Context, query string) (string, error)
}

// KnowledgeRouter classifies then dispatches: constitutional queries hit the
// precedent store, domain queries the industry adapter, ambiguous ones try
// precedent first and fall through to domain.
type KnowledgeRouter struct {
	Precedents PrecedentSource
	Domain     KnowledgeAdapter
}

// Route resolves one lookup. A miss is not an error; it returns "".
func (r *KnowledgeRouter) Route(ctx context.Context, agentTypeID, query string) (string, error) {
	if query == "" {
		return "", nil
	}
	class := ClassifyQuery(query)

	if class == ClassConstitutional || class == ClassAmbiguous {
		if r.Precedents != nil {
			if answer, ok := r.Precedents.LookupPrecedent(agentTypeID, query); ok {
				return answer, nil
			}
		}
		if class == ClassConstitutional {
			return "", nil
		}
	}

	if r.Domain == nil {
		return "", nil
	}
	return r.Domain.Lookup(ctx, query)
}
