package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antigravity-dev/glyphctl/internal/audit"
	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/keyring"
)

func newTestAuditLog(t *testing.T) *audit.Log {
	t.Helper()
	al, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { al.Close() })
	return al
}

func passthrough(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func TestAuthMiddleware_RequireAuthDisabledAllowsAllByDefault(t *testing.T) {
	cfg := &config.API{}
	am := NewAuthMiddleware(cfg, keyring.New(), newTestAuditLog(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	am.RequireAuth(passthrough)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_RequireLocalOnlyRejectsNonLocal(t *testing.T) {
	cfg := &config.API{RequireLocalOnly: true}
	am := NewAuthMiddleware(cfg, keyring.New(), newTestAuditLog(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	req.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()
	am.RequireAuth(passthrough)(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAuthMiddleware_RequireLocalOnlyAllowsLoopback(t *testing.T) {
	cfg := &config.API{RequireLocalOnly: true}
	am := NewAuthMiddleware(cfg, keyring.New(), newTestAuditLog(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	am.RequireAuth(passthrough)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthMiddleware_TokenAuthRequired(t *testing.T) {
	cfg := &config.API{RequireAuth: true, AllowedTokens: []string{"secret-token"}}
	am := NewAuthMiddleware(cfg, keyring.New(), newTestAuditLog(t), nil)

	missing := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	missingW := httptest.NewRecorder()
	am.RequireAuth(passthrough)(missingW, missing)
	if missingW.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no token, got %d", missingW.Code)
	}

	wrong := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	wrong.Header.Set("X-Auth", "wrong")
	wrongW := httptest.NewRecorder()
	am.RequireAuth(passthrough)(wrongW, wrong)
	if wrongW.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrongW.Code)
	}

	ok := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	ok.Header.Set("X-Auth", "secret-token")
	okW := httptest.NewRecorder()
	am.RequireAuth(passthrough)(okW, ok)
	if okW.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", okW.Code)
	}
}

func TestAuthMiddleware_NonControlEndpointBypassesAuth(t *testing.T) {
	cfg := &config.API{RequireAuth: true, AllowedTokens: []string{"secret-token"}}
	am := NewAuthMiddleware(cfg, keyring.New(), newTestAuditLog(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/some-id", nil)
	w := httptest.NewRecorder()
	am.RequireAuth(passthrough)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for GET (non-control), got %d", w.Code)
	}
}

func TestAuthMiddleware_SignatureVerification(t *testing.T) {
	kr := keyring.New()
	kr.GenerateHMAC("k1")

	cfg := &config.API{RequireAuth: true, AllowedTokens: []string{"secret-token"}, RequireSignature: true}
	am := NewAuthMiddleware(cfg, kr, newTestAuditLog(t), nil)

	body := `{"glyph":"verify"}`
	keyID, sig, err := kr.Sign([]byte(body))
	if err != nil {
		t.Fatal(err)
	}

	valid := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	valid.Header.Set("X-Auth", "secret-token")
	valid.Header.Set("X-Codex-KeyId", keyID)
	valid.Header.Set("X-Codex-Sig", sig)
	validW := httptest.NewRecorder()
	var gotBody string
	am.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})(validW, valid)

	if validW.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d: %s", validW.Code, validW.Body.String())
	}
	if gotBody != body {
		t.Fatalf("expected downstream handler to see the original body, got %q", gotBody)
	}

	tampered := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body+"tampered"))
	tampered.Header.Set("X-Auth", "secret-token")
	tampered.Header.Set("X-Codex-KeyId", keyID)
	tampered.Header.Set("X-Codex-Sig", sig)
	tamperedW := httptest.NewRecorder()
	am.RequireAuth(passthrough)(tamperedW, tampered)
	if tamperedW.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered body, got %d", tamperedW.Code)
	}
}

func TestIsControlEndpoint(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/runs", true},
		{http.MethodPost, "/workflows/compile", true},
		{http.MethodPost, "/audit/verify", true},
		{http.MethodPost, "/runs/abc/cancel", true},
		{http.MethodGet, "/runs/abc/cancel", false},
		{http.MethodGet, "/runs", false},
		{http.MethodGet, "/runs/abc", false},
		{http.MethodGet, "/audit/proof", false},
		{http.MethodPost, "/healthz", false},
		{http.MethodGet, "/healthz", false},
	}
	for _, c := range cases {
		if got := isControlEndpoint(c.method, c.path); got != c.want {
			t.Errorf("isControlEndpoint(%s, %s) = %v, want %v", c.method, c.path, got, c.want)
		}
	}
}

func TestIsLocalRequest(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:1234", true},
		{"10.0.0.5:1234", true},
		{"192.168.1.5:1234", true},
		{"203.0.113.5:1234", false},
		{"not-an-addr", false},
	}
	for _, c := range cases {
		if got := isLocalRequest(c.addr); got != c.want {
			t.Errorf("isLocalRequest(%s) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestTruncateToken(t *testing.T) {
	if got := truncateToken("short"); got != "*****" {
		t.Errorf("truncateToken(short) = %q, want *****", got)
	}
	if got := truncateToken("a-very-long-token-value"); got != "a-ve****" {
		t.Errorf("truncateToken(long) = %q, want a-ve****", got)
	}
}

func TestAuthMiddleware_AuditLogging(t *testing.T) {
	al := newTestAuditLog(t)
	cfg := &config.API{RequireAuth: true, AllowedTokens: []string{"secret-token"}}
	am := NewAuthMiddleware(cfg, keyring.New(), al, nil)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{}"))
	req.Header.Set("X-Auth", "secret-token")
	w := httptest.NewRecorder()
	am.RequireAuth(passthrough)(w, req)

	lines, err := al.Lines()
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 audit line, got %d", len(lines))
	}
	if !strings.Contains(string(lines[0]), `"api_auth"`) {
		t.Fatalf("expected api_auth audit line, got %s", lines[0])
	}
}
