// Package rollout implements the rollout gate and the canary deployment
// state machine: evaluate observed metrics against an error budget, sign
// rollback proofs and judge verdicts with the keyring, and track a
// deployment's progress with rollback on error-rate or health-check
// breaches.
package rollout

import (
	"encoding/json"
	"fmt"
	"time"
)

// Budget is the acceptance threshold a rollout is evaluated against.
type Budget struct {
	ErrorBudget float64
	MinRequests int
}

// Metrics are the observed counters evaluate() reasons over.
type Metrics struct {
	Requests int
	Errors   int
}

// ErrorRate is Errors/Requests, or 0 if Requests is 0.
func (m Metrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}

// Verdict is the outcome of Evaluate.
type Verdict string

const (
	VerdictProceed  Verdict = "proceed"
	VerdictRollback Verdict = "rollback"
)

// Evaluate returns VerdictProceed if requests meet the minimum sample size
// and the error rate is within budget; otherwise VerdictRollback.
func Evaluate(m Metrics, b Budget) Verdict {
	if m.Requests >= b.MinRequests && m.ErrorRate() <= b.ErrorBudget {
		return VerdictProceed
	}
	return VerdictRollback
}

// Signer is the minimal keyring surface rollback proofs and judge verdicts
// are signed with.
type Signer interface {
	Sign(body []byte) (keyID string, signature string, err error)
}

// RollbackProof is the signed envelope emitted when Evaluate returns
// VerdictRollback.
type RollbackProof struct {
	ManifestHash string    `json:"manifest_hash"`
	Metrics      Metrics   `json:"metrics"`
	Timestamp    time.Time `json:"ts"`
	KeyID        string    `json:"key_id"`
	Signature    string    `json:"sig"`
}

func (p RollbackProof) signingBody() ([]byte, error) {
	return json.Marshal(struct {
		ManifestHash string    `json:"manifest_hash"`
		Metrics      Metrics   `json:"metrics"`
		Timestamp    time.Time `json:"ts"`
	}{p.ManifestHash, p.Metrics, p.Timestamp})
}

// SignRollback builds and signs a RollbackProof for manifestHash under the
// active key.
func SignRollback(signer Signer, manifestHash string, m Metrics) (RollbackProof, error) {
	proof := RollbackProof{ManifestHash: manifestHash, Metrics: m, Timestamp: time.Now()}
	body, err := proof.signingBody()
	if err != nil {
		return RollbackProof{}, fmt.Errorf("rollout: marshal rollback body: %w", err)
	}
	keyID, sig, err := signer.Sign(body)
	if err != nil {
		return RollbackProof{}, fmt.Errorf("rollout: sign rollback proof: %w", err)
	}
	proof.KeyID = keyID
	proof.Signature = sig
	return proof, nil
}

// Verifier is the minimal keyring surface proof verification needs.
type Verifier interface {
	Verify(body []byte, signature string, keyID string) (ok bool, matchedKeyID string)
}

// VerifyRollback checks that proof.Signature verifies against proof's own
// signing body under proof.KeyID.
func VerifyRollback(verifier Verifier, proof RollbackProof) bool {
	body, err := proof.signingBody()
	if err != nil {
		return false
	}
	ok, _ := verifier.Verify(body, proof.Signature, proof.KeyID)
	return ok
}

// JudgeVerdict wraps an Evaluate outcome into a small signed envelope bound
// to a manifest hash, for the "judge" canonical step.
type JudgeVerdict struct {
	ManifestHash string    `json:"manifest_hash"`
	Verdict      Verdict   `json:"verdict"`
	Timestamp    time.Time `json:"ts"`
	KeyID        string    `json:"key_id"`
	Signature    string    `json:"sig"`
}

func (v JudgeVerdict) signingBody() ([]byte, error) {
	return json.Marshal(struct {
		ManifestHash string    `json:"manifest_hash"`
		Verdict      Verdict   `json:"verdict"`
		Timestamp    time.Time `json:"ts"`
	}{v.ManifestHash, v.Verdict, v.Timestamp})
}

// Judge evaluates m against b, signs the resulting verdict, and if the
// verdict is rollback also returns a RollbackProof.
func Judge(signer Signer, manifestHash string, m Metrics, b Budget) (JudgeVerdict, *RollbackProof, error) {
	verdict := JudgeVerdict{ManifestHash: manifestHash, Verdict: Evaluate(m, b), Timestamp: time.Now()}
	body, err := verdict.signingBody()
	if err != nil {
		return JudgeVerdict{}, nil, fmt.Errorf("rollout: marshal judge body: %w", err)
	}
	keyID, sig, err := signer.Sign(body)
	if err != nil {
		return JudgeVerdict{}, nil, fmt.Errorf("rollout: sign judge verdict: %w", err)
	}
	verdict.KeyID = keyID
	verdict.Signature = sig

	if verdict.Verdict == VerdictRollback {
		proof, err := SignRollback(signer, manifestHash, m)
		if err != nil {
			return verdict, nil, err
		}
		return verdict, &proof, nil
	}
	return verdict, nil, nil
}
