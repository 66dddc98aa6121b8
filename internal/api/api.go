// Package api is the orchestrator's HTTP gateway: glyph compilation, run
// submission and lookup, the event stream, and Merkle audit verification,
// behind token/signature auth middleware, with graceful shutdown on
// context cancellation.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/antigravity-dev/glyphctl/internal/admission"
	"github.com/antigravity-dev/glyphctl/internal/audit"
	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/dag"
	"github.com/antigravity-dev/glyphctl/internal/eventbus"
	"github.com/antigravity-dev/glyphctl/internal/glyph"
	"github.com/antigravity-dev/glyphctl/internal/keyring"
	"github.com/antigravity-dev/glyphctl/internal/planner"
	"github.com/antigravity-dev/glyphctl/internal/queue"
	"github.com/antigravity-dev/glyphctl/internal/receipt"
	"github.com/antigravity-dev/glyphctl/internal/store"
)

// Version is stamped into GET /healthz; overridden at link time by
// cmd/glyphd's build metadata in a full release pipeline.
var Version = "dev"

// Canceler requests cooperative cancellation of an in-flight run; wired to
// the execution engine by the orchestrator.
type Canceler interface {
	Cancel(runID string) bool
}

// Server is the orchestrator's HTTP gateway.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	bus            *eventbus.Bus
	admission      *admission.Controller
	keyring        *keyring.Keyring
	queue          queue.Backend
	auditLog       *audit.Log
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware

	// Canceler, when non-nil, serves POST /runs/{id}/cancel.
	Canceler Canceler
}

// NewServer wires a gateway over the already-constructed orchestrator
// components; it owns none of their lifecycles.
func NewServer(cfg *config.Config, st *store.Store, bus *eventbus.Bus, adm *admission.Controller, kr *keyring.Keyring, q queue.Backend, al *audit.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:            cfg,
		store:          st,
		bus:            bus,
		admission:      adm,
		keyring:        kr,
		queue:          q,
		auditLog:       al,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		authMiddleware: NewAuthMiddleware(&cfg.API, kr, al, logger),
	}
}

// Close releases resources the server itself opened. The gateway does not
// own the store, bus, queue, keyring, or audit log, so there is nothing to
// close here beyond the in-flight HTTP server, which Start already
// shuts down on context cancellation.
func (s *Server) Close() error { return nil }

// Start begins listening on cfg.API.Bind. It blocks until ctx is canceled,
// then gives in-flight requests up to 5s to finish before returning.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/tenants", s.handleTenants)
	mux.HandleFunc("/workflows/compile", s.authMiddleware.RequireAuth(s.handleCompile))
	mux.HandleFunc("/runs", s.authMiddleware.RequireAuth(s.handleRuns))
	mux.HandleFunc("/runs/", s.authMiddleware.RequireAuth(s.handleRunDetail))
	mux.HandleFunc("/events/tail", s.handleEventsTail)
	mux.HandleFunc("/events/stream", s.handleEventsStream)
	mux.HandleFunc("/audit/verify", s.authMiddleware.RequireAuth(s.handleAuditVerify))
	mux.HandleFunc("/audit/proof", s.handleAuditProof)
	mux.HandleFunc("/metrics", s.handleMetrics)

	handler := otelhttp.NewHandler(mux, "glyphctl.api")

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     handler,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":         true,
		"version":    Version,
		"uptime_s":   time.Since(s.startTime).Seconds(),
		"keyring":    string(s.keyringAlgorithm()),
		"has_audit":  s.auditLog != nil,
		"has_keyring": s.keyring != nil,
	})
}

func (s *Server) keyringAlgorithm() keyring.Algorithm {
	return keyring.Algorithm(s.cfg.Keyring.Algorithm)
}

// GET /tenants
func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	type tenantInfo struct {
		Name          string `json:"name"`
		MaxConcurrent int    `json:"max_concurrent"`
		PerMinute     int    `json:"per_minute"`
		Running       int    `json:"running"`
	}
	out := make([]tenantInfo, 0, len(s.cfg.Tenants))
	for _, t := range s.cfg.Tenants {
		out = append(out, tenantInfo{
			Name:          t.Name,
			MaxConcurrent: t.MaxConcurrent,
			PerMinute:     t.PerMinute,
			Running:       s.admission.Running(t.Name),
		})
	}
	writeJSON(w, out)
}

type compileRequest struct {
	Glyph string `json:"glyph"`
}

type compileResponse struct {
	OK        bool     `json:"ok"`
	DAGDigest string   `json:"dag_digest,omitempty"`
	Tasks     []string `json:"tasks"`
	Explain   string   `json:"explain,omitempty"`
}

// POST /workflows/compile {glyph}
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result := glyph.Compile(req.Glyph)
	s.appendAuditLine("glyph", map[string]any{"glyph": req.Glyph, "ok": result.OK, "steps": result.Steps})

	if !result.OK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(compileResponse{OK: false, Tasks: taskNames(result.Steps), Explain: result.Explain})
		return
	}

	d, err := dag.FromSteps(result.Steps, nil, defaultTaskDefaults(s.cfg))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, compileResponse{OK: true, DAGDigest: d.Digest(), Tasks: taskNames(result.Steps), Explain: result.Explain})
}

func taskNames(steps []string) []string {
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = fmt.Sprintf("%02d_%s", i, step)
	}
	return names
}

func defaultTaskDefaults(cfg *config.Config) dag.TaskDefaults {
	return dag.TaskDefaults{
		Timeout:    cfg.Engine.DefaultTimeout.Duration,
		MaxRetries: cfg.Engine.DefaultMaxRetries,
		Backoff:    cfg.Engine.DefaultBackoff.Duration,
	}
}

type runRequest struct {
	Glyph    string `json:"glyph"`
	Tenant   string `json:"tenant,omitempty"`
	Priority int    `json:"prio,omitempty"`
}

type runResponse struct {
	RunID     string `json:"run_id"`
	DAGDigest string `json:"dag_digest"`
	State     string `json:"state"`
	Tenant    string `json:"tenant"`
	Priority  int    `json:"prio"`
}

// POST /runs {glyph, tenant?, prio?}
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Glyph == "" {
		writeError(w, http.StatusBadRequest, "malformed request body: glyph is required")
		return
	}
	tenant := req.Tenant
	if tenant == "" {
		tenant = admission.DefaultTenant
	}

	result := glyph.Compile(req.Glyph)
	s.appendAuditLine("glyph", map[string]any{"glyph": req.Glyph, "ok": result.OK, "steps": result.Steps})
	if !result.OK {
		writeError(w, http.StatusBadRequest, result.Explain)
		return
	}

	steps := planner.Run(result.Steps, planner.Context{Tenant: tenant, Priority: req.Priority}).Steps

	d, err := dag.FromSteps(steps, nil, defaultTaskDefaults(s.cfg))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := receipt.NewRun(d.Digest(), tenant, req.Priority)
	if err := s.store.SaveRun(run); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist run")
		return
	}

	item := queue.Item{RunID: run.RunID, Tenant: tenant, Priority: req.Priority, DAG: d}
	if err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeError(w, http.StatusTooManyRequests, "failed to enqueue run")
		return
	}

	writeJSON(w, runResponse{RunID: run.RunID, DAGDigest: run.DAGDigest, State: string(run.State), Tenant: tenant, Priority: req.Priority})
}

// GET /runs/{id}, POST /runs/{id}/cancel
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/runs/")
	if cancelID, found := strings.CutSuffix(runID, "/cancel"); found {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRunCancel(w, cancelID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if runID == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, map[string]any{
		"run_id":   run.RunID,
		"state":    run.State,
		"receipts": run.Receipts,
		"head":     run.Head(),
	})
}

// handleRunCancel requests cooperative cancellation: a run still queued is
// moved straight to canceled (the engine skips terminal runs at pop time);
// a running run is signaled through the Canceler and finishes its in-flight
// task before stopping.
func (s *Server) handleRunCancel(w http.ResponseWriter, runID string) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	switch run.State {
	case receipt.StateQueued:
		if err := run.Transition(receipt.StateCanceled); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err := s.store.SaveRun(run); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to persist cancellation")
			return
		}
		ok := false
		s.bus.Publish(eventbus.Event{
			Type: "run_done", Ts: time.Now().UnixNano(),
			RunID: run.RunID, Tenant: run.Tenant, OK: &ok, Head: run.Head(), Reason: "canceled",
		})
		s.appendAuditLine("run_cancel", map[string]any{"run_id": run.RunID, "state": "queued"})
		writeJSON(w, map[string]any{"run_id": run.RunID, "state": string(run.State)})
	case receipt.StateRunning:
		if s.Canceler == nil || !s.Canceler.Cancel(run.RunID) {
			writeError(w, http.StatusConflict, "run is not cancelable")
			return
		}
		s.appendAuditLine("run_cancel", map[string]any{"run_id": run.RunID, "state": "running"})
		writeJSON(w, map[string]any{"run_id": run.RunID, "state": string(run.State), "canceling": true})
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("run already %s", run.State))
	}
}

// GET /events/tail?n=N
func (s *Server) handleEventsTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, s.bus.Tail(n))
}

// GET /events/stream
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(s.cfg.EventBus.SubscriberBuffer)
	defer sub.Unsubscribe()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			blob, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "data: %s\n\n", blob)
			bw.Flush()
			flusher.Flush()
		}
	}
}

type auditVerifyRequest struct {
	Root  string            `json:"root"`
	Index int               `json:"index"`
	Line  string            `json:"line"`
	Path  []audit.ProofStep `json:"path"`
}

// POST /audit/verify {root, index, line, path}
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auditVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	ok := audit.VerifyInclusion(req.Root, []byte(req.Line), req.Path)
	writeJSON(w, map[string]any{"ok": ok})
}

// GET /audit/proof?index=i
func (s *Server) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	raw := r.URL.Query().Get("index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	lines, err := s.auditLog.Lines()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if index >= len(lines) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("index %d out of range [0,%d)", index, len(lines)))
		return
	}

	path, err := audit.ProofPath(lines, index)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"root":  audit.MerkleRoot(lines),
		"index": index,
		"path":  path,
		"line":  string(lines[index]),
	})
}

// GET /metrics - Prometheus text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "# HELP glyphctl_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(&b, "# TYPE glyphctl_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "glyphctl_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	fmt.Fprintf(&b, "# HELP glyphctl_events_dropped_total Events evicted from the ring buffer due to overflow\n")
	fmt.Fprintf(&b, "# TYPE glyphctl_events_dropped_total counter\n")
	fmt.Fprintf(&b, "glyphctl_events_dropped_total %d\n", s.bus.Dropped())

	for _, t := range s.cfg.Tenants {
		fmt.Fprintf(&b, "glyphctl_tenant_running{tenant=%q} %d\n", t.Name, s.admission.Running(t.Name))
	}

	w.Write([]byte(b.String()))
}

func (s *Server) appendAuditLine(eventType string, detail map[string]any) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Append(audit.Line{Type: eventType, Detail: detail}); err != nil {
		s.logger.Warn("failed to append audit line", "type", eventType, "err", err)
	}
}
