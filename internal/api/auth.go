// AuthMiddleware enforces the gateway's X-Auth/X-Codex-Sig header contract
// on control endpoints: coarse token admission first, then optional body
// signature verification against the keyring, with every decision appended
// to the audit log.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/antigravity-dev/glyphctl/internal/audit"
	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/keyring"
)

// AuthMiddleware enforces the X-Auth bearer-style token and, when
// configured, the X-Codex-KeyId/X-Codex-Sig body signature on control
// endpoints, auditing every decision to the orchestrator's audit log.
type AuthMiddleware struct {
	config  *config.API
	keyring *keyring.Keyring
	audit   *audit.Log
	logger  *slog.Logger
}

// NewAuthMiddleware builds an AuthMiddleware. al may be nil, in which case
// auth decisions are not recorded to the audit log.
func NewAuthMiddleware(cfg *config.API, kr *keyring.Keyring, al *audit.Log, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg, keyring: kr, audit: al, logger: logger.With("component", "auth")}
}

type authEvent struct {
	RemoteAddr string `json:"remote_addr"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Authorized bool   `json:"authorized"`
	Token      string `json:"token,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (am *AuthMiddleware) logAuth(ev authEvent) {
	if am.audit == nil {
		return
	}
	blob, err := json.Marshal(ev)
	if err != nil {
		am.logger.Error("failed to marshal auth audit event", "error", err)
		return
	}
	var detail map[string]any
	if err := json.Unmarshal(blob, &detail); err != nil {
		am.logger.Error("failed to reshape auth audit event", "error", err)
		return
	}
	if err := am.audit.Append(audit.Line{Type: "api_auth", Detail: detail}); err != nil {
		am.logger.Error("failed to append auth audit line", "error", err)
	}
}

// truncateToken returns a redacted preview of token safe for audit logging.
func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

// isLocalRequest reports whether remoteAddr is loopback or RFC 1918
// private, used as the fallback gate when auth is disabled entirely.
func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func (am *AuthMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.config.AllowedTokens {
		if token == allowed {
			return true
		}
	}
	return false
}

// isControlEndpoint reports whether a request mutates or discloses
// sensitive orchestrator state and therefore requires X-Auth admission.
// The gated routes are POST /runs, /workflows/compile, /audit/verify and
// /runs/{id}/cancel; any other POST, and every GET, is not gated.
func isControlEndpoint(method, path string) bool {
	if method != http.MethodPost {
		return false
	}
	switch path {
	case "/runs", "/workflows/compile", "/audit/verify":
		return true
	}
	return strings.HasPrefix(path, "/runs/") && strings.HasSuffix(path, "/cancel")
}

// readAndRestoreBody drains r.Body for signature verification and puts an
// equivalent reader back so downstream handlers still see the full body.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// RequireAuth wraps next with X-Auth admission and, when
// config.RequireSignature is set, X-Codex-KeyId/X-Codex-Sig body
// verification against the keyring. Non-control endpoints pass through
// untouched; every decision on a control endpoint is audited.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isControlEndpoint(r.Method, r.URL.Path) {
			next(w, r)
			return
		}

		ev := authEvent{RemoteAddr: r.RemoteAddr, Method: r.Method, Path: r.URL.Path}

		if !am.config.RequireAuth {
			if am.config.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				ev.Error = "non-local request rejected (require_local_only=true)"
				am.logAuth(ev)
				writeError(w, http.StatusForbidden, "access denied: non-local requests not allowed")
				return
			}
			ev.Authorized = true
			am.logAuth(ev)
			next(w, r)
			return
		}

		token := r.Header.Get("X-Auth")
		ev.Token = truncateToken(token)
		if !am.isValidToken(token) {
			ev.Error = "invalid or missing X-Auth token"
			am.logAuth(ev)
			writeError(w, http.StatusUnauthorized, "unauthorized: valid X-Auth token required")
			return
		}

		if am.config.RequireSignature {
			body, err := readAndRestoreBody(r)
			if err != nil {
				ev.Error = "failed to read body for signature check"
				am.logAuth(ev)
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			sig := r.Header.Get("X-Codex-Sig")
			keyID := r.Header.Get("X-Codex-KeyId")
			ok, matched := am.keyring.Verify(body, sig, keyID)
			if !ok {
				ev.Error = "signature verification failed"
				am.logAuth(ev)
				writeError(w, http.StatusUnauthorized, "signature verification failed")
				return
			}
			ev.KeyID = matched
		}

		ev.Authorized = true
		am.logAuth(ev)
		next(w, r)
	}
}
