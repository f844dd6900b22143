package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/budget"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/core"
	"github.com/agentgrid/backend/internal/engine"
	"github.com/agentgrid/backend/internal/events"
	"github.com/agentgrid/backend/internal/hiring"
	"github.com/agentgrid/backend/internal/learner"
	"github.com/agentgrid/backend/internal/middleware"
	"github.com/agentgrid/backend/internal/policy"
	"github.com/agentgrid/backend/internal/registry"
)

// Server is the HTTP gateway. It holds no state beyond its dependencies and
// short-lived request context.
type Server struct {
	registry  *registry.Genesis
	hiring    *hiring.Store
	budget    *budget.Accountant
	approvals *approval.Service
	engine    *engine.Engine
	learner   *learner.Learner
	denials   *policy.DenialStore
	log       *audit.Log
	bus       *events.EventBus
	keys      *middleware.KeyStore
	limiter   *middleware.RateLimiter
	clock     clock.Clock
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Registry  *registry.Genesis
	Hiring    *hiring.Store
	Budget    *budget.Accountant
	Approvals *approval.Service
	Engine    *engine.Engine
	Learner   *learner.Learner
	Denials   *policy.DenialStore
	Log       *audit.Log
	Bus       *events.EventBus
	Keys      *middleware.KeyStore
	Limiter   *middleware.RateLimiter
	Clock     clock.Clock
}

// NewServer wires the gateway.
func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	return &Server{
		registry:  d.Registry,
		hiring:    d.Hiring,
		budget:    d.Budget,
		approvals: d.Approvals,
		engine:    d.Engine,
		learner:   d.Learner,
		denials:   d.Denials,
		log:       d.Log,
		bus:       d.Bus,
		keys:      d.Keys,
		limiter:   d.Limiter,
		clock:     d.Clock,
	}
}

// Router builds the full route table with the middleware chain:
// correlation -> authentication -> rate limit -> request audit.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Certification registry
	r.HandleFunc("/v1/skills", s.handleCertifySkill).Methods("POST")
	r.HandleFunc("/v1/skills", s.handleListSkills).Methods("GET")
	r.HandleFunc("/v1/skills/{skill_id}/certify", s.handleRecertifySkill).Methods("POST")
	r.HandleFunc("/v1/skills/{skill_id}/deprecate", s.handleDeprecateSkill).Methods("POST")
	r.HandleFunc("/v1/job-roles", s.handleCertifyJobRole).Methods("POST")
	r.HandleFunc("/v1/job-roles", s.handleListJobRoles).Methods("GET")
	r.HandleFunc("/v1/job-roles/{job_role_id}/certify", s.handleRecertifyJobRole).Methods("POST")
	r.HandleFunc("/v1/agent-type-definitions/{agent_type_id}", s.handlePublishAgentType).Methods("PUT")
	r.HandleFunc("/v1/agent-type-definitions/{agent_type_id}", s.handleGetAgentType).Methods("GET")
	r.HandleFunc("/v1/agent-type-definitions", s.handleListAgentTypes).Methods("GET")

	// Subscriptions & instances
	r.HandleFunc("/v1/subscriptions", s.handleCreateSubscription).Methods("POST")
	r.HandleFunc("/v1/subscriptions/{subscription_id}/hire", s.handleHire).Methods("POST")
	r.HandleFunc("/v1/hired-agents", s.handleListInstances).Methods("GET")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}", s.handleGetInstance).Methods("GET")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/configure", s.handleConfigure).Methods("POST")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/activate", s.handleActivate).Methods("POST")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/interrupt", s.handleInterrupt).Methods("POST")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/resume", s.handleResume).Methods("POST")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/retire", s.handleRetire).Methods("POST")
	r.HandleFunc("/v1/hired-agents/{hired_instance_id}/goals", s.handleAddGoal).Methods("POST")

	// Execution
	r.HandleFunc("/v1/goals", s.handleStartGoal).Methods("POST")
	r.HandleFunc("/v1/goals/{correlation_id}", s.handleGoalStatus).Methods("GET")
	r.HandleFunc("/v1/goals/{correlation_id}/cancel", s.handleCancelGoal).Methods("POST")
	r.HandleFunc("/v1/deliverables", s.handleDeliverables).Methods("GET")

	// Approvals & seeds
	r.HandleFunc("/v1/approvals", s.handleListApprovals).Methods("GET")
	r.HandleFunc("/v1/approvals/{approval_id}", s.handleGetApproval).Methods("GET")
	r.HandleFunc("/v1/approvals/{approval_id}/decide", s.handleDecideApproval).Methods("POST")
	r.HandleFunc("/v1/approvals/{approval_id}/veto", s.handleVetoApproval).Methods("POST")
	r.HandleFunc("/v1/seeds", s.handleListSeeds).Methods("GET")
	r.HandleFunc("/v1/seeds/{seed_id}/review", s.handleReviewSeed).Methods("POST")

	// Governance & operations
	r.HandleFunc("/v1/policy-denials", s.handlePolicyDenials).Methods("GET")
	r.HandleFunc("/v1/audit/verify", s.handleAuditVerify).Methods("POST")
	r.HandleFunc("/v1/audit/entries", s.handleAuditEntries).Methods("GET")
	r.HandleFunc("/v1/usage/events", s.handleUsageEvents).Methods("GET")
	r.HandleFunc("/v1/usage/aggregate", s.handleUsageAggregate).Methods("GET")
	r.HandleFunc("/v1/budget/{hired_instance_id}/extend", s.handleExtendBudget).Methods("POST")

	// Streams
	r.HandleFunc("/v1/events/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/v1/approvals/ws", s.handleApprovalSocket).Methods("GET")

	var h http.Handler = r
	h = s.auditRequests(h)
	if s.limiter != nil {
		h = s.limiter.Limit(h)
	}
	h = middleware.Authenticate(s.keys, h)
	h = middleware.Correlation(h)

	root := mux.NewRouter()
	root.Handle("/health", http.HandlerFunc(s.handleHealth)).Methods("GET")
	root.Handle("/metrics", promhttp.Handler()).Methods("GET")
	root.PathPrefix("/v1/").Handler(h)
	return cors(logRequests(root))
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, X-Customer-Id, X-Principal-Id, X-Correlation-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through so SSE and websocket upgrades keep working.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// auditRequests writes REQUEST_RECEIVED to the caller's chain before any
// mutation runs. A durability failure refuses the mutation.
func (s *Server) auditRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			chainID := ""
			if p, ok := middleware.PrincipalFrom(r.Context()); ok {
				chainID = p.CustomerID
			}
			if chainID == "" {
				chainID = "platform"
			}
			if _, err := s.log.Append(r.Context(), audit.Event{
				ChainID:       chainID,
				CorrelationID: middleware.CorrelationID(r.Context()),
				Actor:         "gateway",
				EventType:     audit.EventRequestReceived,
				Payload: map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
				},
			}); err != nil {
				writeError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================================
// EVENT STREAMS
// ============================================================================

// handleEventStream serves Server-Sent Events from the in-process bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, r, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			b, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(b)
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SocketNotifier pushes approval changes to connected governors over
// websockets. Implements approval.Notifier.
type SocketNotifier struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]string // conn -> customer filter ("" = all)
}

// NewSocketNotifier creates an empty notifier.
func NewSocketNotifier() *SocketNotifier {
	return &SocketNotifier{conns: make(map[*websocket.Conn]string)}
}

// ApprovalChanged fans the update out to matching connections. Slow or dead
// connections are dropped.
func (n *SocketNotifier) ApprovalChanged(req core.ApprovalRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for conn, filter := range n.conns {
		if filter != "" && filter != req.CustomerID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			delete(n.conns, conn)
		}
	}
}

func (n *SocketNotifier) add(conn *websocket.Conn, customerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns[conn] = customerID
}

func (n *SocketNotifier) remove(conn *websocket.Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, conn)
}

// notifier is lazily attached to the approval service by Router consumers.
var notifier = NewSocketNotifier()

// Notifier exposes the process-wide socket notifier.
func Notifier() *SocketNotifier { return notifier }

func (s *Server) handleApprovalSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	customerID := ""
	if p, ok := middleware.PrincipalFrom(r.Context()); ok && !p.Platform {
		customerID = p.CustomerID
	}
	notifier.add(conn, customerID)
	go func() {
		defer notifier.remove(conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Serve runs the gateway until the context ends, then drains with a grace
// period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
