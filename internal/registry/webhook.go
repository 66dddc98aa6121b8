package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// Signer is the minimal surface WebhookRunner needs from the keyring: sign
// the outgoing body and name which key signed it.
type Signer interface {
	Sign(body []byte) (keyID string, signature string, err error)
}

// WebhookRunner posts a task's inputs to an HTTPS endpoint and treats the
// HTTP response as the task's output. The request body is HMAC-signed with
// the active keyring key, mirroring the headers the external HTTP gateway
// accepts (X-Codex-KeyId / X-Codex-Sig).
type WebhookRunner struct {
	Client   *http.Client
	Endpoint string
	Signer   Signer
	// RequireTLS rejects non-https endpoints so a signed body can never
	// leave over plaintext.
	RequireTLS bool
}

// NewWebhookRunner builds a runner that requires a valid TLS chain; it
// never disables certificate verification. With requireTLS set (the
// default for loaded configurations), a non-https endpoint is rejected
// here, before any request can be built against it.
func NewWebhookRunner(endpoint string, signer Signer, requireTLS bool) (*WebhookRunner, error) {
	if requireTLS {
		if err := checkTLSEndpoint(endpoint); err != nil {
			return nil, err
		}
	}
	return &WebhookRunner{
		Client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
		},
		Endpoint:   endpoint,
		Signer:     signer,
		RequireTLS: requireTLS,
	}, nil
}

func checkTLSEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("webhook: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook: endpoint %q is not https", endpoint)
	}
	return nil
}

// Run POSTs task.Inputs as a JSON body and reports ok/err/timeout from the
// HTTP outcome.
func (r *WebhookRunner) Run(ctx context.Context, task dag.Task) (Status, any, error) {
	if r.RequireTLS {
		if err := checkTLSEndpoint(r.Endpoint); err != nil {
			return StatusErr, nil, err
		}
	}

	body, err := json.Marshal(map[string]any{
		"task":   task.Name,
		"plugin": task.Plugin,
		"inputs": task.Inputs,
	})
	if err != nil {
		return StatusErr, nil, fmt.Errorf("webhook: marshal body: %w", err)
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return StatusErr, nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if r.Signer != nil {
		keyID, sig, err := r.Signer.Sign(body)
		if err != nil {
			return StatusErr, nil, fmt.Errorf("webhook: sign body: %w", err)
		}
		req.Header.Set("X-Codex-KeyId", keyID)
		req.Header.Set("X-Codex-Sig", sig)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return StatusTimeout, nil, ctxErr
		}
		return StatusErr, nil, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusErr, nil, fmt.Errorf("webhook: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StatusErr, string(respBody), fmt.Errorf("webhook: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}
	return StatusOK, parsed, nil
}
