package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/glyphctl/internal/admission"
	"github.com/antigravity-dev/glyphctl/internal/audit"
	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/eventbus"
	"github.com/antigravity-dev/glyphctl/internal/keyring"
	"github.com/antigravity-dev/glyphctl/internal/queue"
	"github.com/antigravity-dev/glyphctl/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "glyphctl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	al, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })

	cfg := &config.Config{
		Tenants: []config.Tenant{{Name: "acme", MaxConcurrent: 2, PerMinute: 10}},
		API:     config.API{Bind: "127.0.0.1:0"},
		Engine:  config.Engine{DefaultTimeout: config.Duration{Duration: time.Second}},
	}
	adm := admission.New(map[string]admission.Quota{"acme": {MaxConcurrent: 2, PerMinute: 10}})
	bus := eventbus.New(64)
	kr := keyring.New()
	kr.GenerateHMAC("k1")
	q := queue.NewInMemory()

	return NewServer(cfg, st, bus, adm, kr, q, al, nil)
}

func TestHandleHealthz(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["ok"] != true {
		t.Fatal("expected ok=true")
	}
}

func TestHandleTenants(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	w := httptest.NewRecorder()
	srv.handleTenants(w, req)

	var resp []map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 || resp[0]["name"] != "acme" {
		t.Fatalf("unexpected tenants response: %+v", resp)
	}
}

func TestHandleCompileCanonicalFullRun(t *testing.T) {
	srv := setupTestServer(t)
	body := strings.NewReader(`{"glyph":"verify; invoke; audit; scan; attest; sanctify; rollout; judge; deploy; continuum"}`)
	req := httptest.NewRequest(http.MethodPost, "/workflows/compile", body)
	w := httptest.NewRecorder()
	srv.handleCompile(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp compileResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.OK {
		t.Fatal("expected ok=true")
	}
	if len(resp.Tasks) != 10 || resp.Tasks[0] != "00_verify" || resp.Tasks[9] != "09_continuum" {
		t.Fatalf("unexpected tasks: %+v", resp.Tasks)
	}
}

func TestHandleCompileInvalidOrderRejection(t *testing.T) {
	srv := setupTestServer(t)
	body := strings.NewReader(`{"glyph":"deploy; verify"}`)
	req := httptest.NewRequest(http.MethodPost, "/workflows/compile", body)
	w := httptest.NewRecorder()
	srv.handleCompile(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp compileResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.OK {
		t.Fatal("expected ok=false")
	}
}

func TestHandleRunsCreatesAndEnqueues(t *testing.T) {
	srv := setupTestServer(t)
	body := strings.NewReader(`{"glyph":"verify; invoke", "tenant":"acme", "prio":5}`)
	req := httptest.NewRequest(http.MethodPost, "/runs", body)
	w := httptest.NewRecorder()
	srv.handleRuns(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp runResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RunID == "" || resp.State != "queued" || resp.Tenant != "acme" {
		t.Fatalf("unexpected run response: %+v", resp)
	}

	inMem := srv.queue.(*queue.InMemory)
	if inMem.Len() != 1 {
		t.Fatalf("expected 1 queued item, got %d", inMem.Len())
	}
}

func TestHandleRunDetailRoundTrip(t *testing.T) {
	srv := setupTestServer(t)

	body := strings.NewReader(`{"glyph":"verify", "tenant":"acme"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/runs", body)
	createW := httptest.NewRecorder()
	srv.handleRuns(createW, createReq)
	var created runResponse
	json.NewDecoder(createW.Body).Decode(&created)

	getReq := httptest.NewRequest(http.MethodGet, "/runs/"+created.RunID, nil)
	getW := httptest.NewRecorder()
	srv.handleRunDetail(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getW.Code)
	}
	var resp map[string]any
	json.NewDecoder(getW.Body).Decode(&resp)
	if resp["run_id"] != created.RunID {
		t.Fatalf("unexpected run_id: %v", resp["run_id"])
	}
}

func TestHandleRunDetailMissing(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.handleRunDetail(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleRunCancelWhileQueued(t *testing.T) {
	srv := setupTestServer(t)

	body := strings.NewReader(`{"glyph":"verify", "tenant":"acme"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/runs", body)
	createW := httptest.NewRecorder()
	srv.handleRuns(createW, createReq)
	var created runResponse
	json.NewDecoder(createW.Body).Decode(&created)

	cancelReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.RunID+"/cancel", nil)
	cancelW := httptest.NewRecorder()
	srv.handleRunDetail(cancelW, cancelReq)

	if cancelW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelW.Code, cancelW.Body.String())
	}
	var resp map[string]any
	json.NewDecoder(cancelW.Body).Decode(&resp)
	if resp["state"] != "canceled" {
		t.Fatalf("state = %v, want canceled", resp["state"])
	}

	// A second cancel of an already-terminal run conflicts.
	againReq := httptest.NewRequest(http.MethodPost, "/runs/"+created.RunID+"/cancel", nil)
	againW := httptest.NewRecorder()
	srv.handleRunDetail(againW, againReq)
	if againW.Code != http.StatusConflict {
		t.Fatalf("expected 409 for already-canceled run, got %d", againW.Code)
	}
}

func TestHandleRunCancelUnknownRun(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/runs/nope/cancel", nil)
	w := httptest.NewRecorder()
	srv.handleRunDetail(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleEventsTail(t *testing.T) {
	srv := setupTestServer(t)
	ok := true
	srv.bus.Publish(eventbus.Event{Type: "run_start", RunID: "r1"})
	srv.bus.Publish(eventbus.Event{Type: "run_done", RunID: "r1", OK: &ok})

	req := httptest.NewRequest(http.MethodGet, "/events/tail?n=1", nil)
	w := httptest.NewRecorder()
	srv.handleEventsTail(w, req)

	var resp []eventbus.Event
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].Type != "run_done" {
		t.Fatalf("unexpected tail: %+v", resp)
	}
}

func TestHandleAuditProofAndVerifyMerkleRoundTrip(t *testing.T) {
	srv := setupTestServer(t)
	for i := 0; i < 5; i++ {
		srv.auditLog.Append(audit.Line{Type: "glyph", Detail: map[string]any{"i": i}})
	}

	proofReq := httptest.NewRequest(http.MethodGet, "/audit/proof?index=3", nil)
	proofW := httptest.NewRecorder()
	srv.handleAuditProof(proofW, proofReq)

	if proofW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", proofW.Code, proofW.Body.String())
	}
	var proofResp struct {
		Root  string             `json:"root"`
		Index int                `json:"index"`
		Path  []audit.ProofStep  `json:"path"`
		Line  string             `json:"line"`
	}
	json.NewDecoder(proofW.Body).Decode(&proofResp)
	if len(proofResp.Path) != 3 {
		t.Fatalf("expected proof length 3 for n=5 i=3, got %d", len(proofResp.Path))
	}

	verifyBody, _ := json.Marshal(auditVerifyRequest{
		Root: proofResp.Root, Index: proofResp.Index, Line: proofResp.Line, Path: proofResp.Path,
	})
	verifyReq := httptest.NewRequest(http.MethodPost, "/audit/verify", strings.NewReader(string(verifyBody)))
	verifyW := httptest.NewRecorder()
	srv.handleAuditVerify(verifyW, verifyReq)

	var verifyResp map[string]any
	json.NewDecoder(verifyW.Body).Decode(&verifyResp)
	if verifyResp["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", verifyResp)
	}

	tamperedBody, _ := json.Marshal(auditVerifyRequest{
		Root: proofResp.Root, Index: proofResp.Index, Line: proofResp.Line + "x", Path: proofResp.Path,
	})
	tamperedReq := httptest.NewRequest(http.MethodPost, "/audit/verify", strings.NewReader(string(tamperedBody)))
	tamperedW := httptest.NewRecorder()
	srv.handleAuditVerify(tamperedW, tamperedReq)

	var tamperedResp map[string]any
	json.NewDecoder(tamperedW.Body).Decode(&tamperedResp)
	if tamperedResp["ok"] != false {
		t.Fatalf("expected ok=false for tampered line, got %+v", tamperedResp)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.handleMetrics(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "glyphctl_uptime_seconds") {
		t.Fatal("missing glyphctl_uptime_seconds metric")
	}
	if !strings.Contains(body, `glyphctl_tenant_running{tenant="acme"}`) {
		t.Fatal("missing per-tenant running gauge")
	}
}

func TestServerStartStop(t *testing.T) {
	srv := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}
