// Package keyring stores labeled signing secrets with rotation metadata and
// signs/verifies bytes on their behalf. HMAC-SHA256 and Ed25519 are
// supported side by side, each with its own active key; signatures are
// URL-safe base64 without padding and comparisons are constant-time.
package keyring

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Algorithm names a signing scheme. Every key carries its algorithm, so
// verifiers never have to guess which scheme produced a signature.
type Algorithm string

const (
	AlgHMAC    Algorithm = "hmac-sha256"
	AlgEd25519 Algorithm = "ed25519"
)

// Status is a Key's place in its rotation lifecycle.
type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
)

// Key is one labeled signing secret.
type Key struct {
	ID        string
	Algorithm Algorithm
	Secret    []byte
	Status    Status
	CreatedAt time.Time
	RotatedAt time.Time
}

// RotationEntry is one append-only ledger line recorded on every rotation.
type RotationEntry struct {
	KeyID      string    `json:"kid"`
	SecretHash string    `json:"sha256"`
	Timestamp  time.Time `json:"ts"`
	Previous   string    `json:"prev"`
}

// Keyring holds labeled keys plus a single active pointer per algorithm
// and an append-only rotation ledger.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]*Key
	active map[Algorithm]string
	ledger []RotationEntry
}

// New returns an empty Keyring.
func New() *Keyring {
	return &Keyring{
		keys:   make(map[string]*Key),
		active: make(map[Algorithm]string),
	}
}

// GenerateHMAC creates a new random HMAC-SHA256 key, adds it to the
// keyring, and makes it the active key for AlgHMAC (demoting any previous
// active HMAC key to rotated).
func (k *Keyring) GenerateHMAC(id string) (*Key, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("keyring: generate hmac secret: %w", err)
	}
	return k.add(id, AlgHMAC, secret)
}

// GenerateEd25519 creates a new Ed25519 keypair (the stored secret is the
// full 64-byte private key, seed followed by public key) and makes it
// active for AlgEd25519.
func (k *Keyring) GenerateEd25519(id string) (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate ed25519 key: %w", err)
	}
	return k.add(id, AlgEd25519, priv)
}

func (k *Keyring) add(id string, alg Algorithm, secret []byte) (*Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.keys[id]; exists {
		return nil, fmt.Errorf("keyring: key id %q already exists", id)
	}

	prev := k.active[alg]
	if prev != "" {
		if old, ok := k.keys[prev]; ok {
			old.Status = StatusRotated
			old.RotatedAt = time.Now()
		}
	}

	key := &Key{ID: id, Algorithm: alg, Secret: secret, Status: StatusActive, CreatedAt: time.Now()}
	k.keys[id] = key
	k.active[alg] = id

	sum := sha256.Sum256(secret)
	k.ledger = append(k.ledger, RotationEntry{
		KeyID:      id,
		SecretHash: fmt.Sprintf("%x", sum),
		Timestamp:  key.CreatedAt,
		Previous:   prev,
	})
	return key, nil
}

// Ledger returns a copy of the append-only rotation ledger.
func (k *Keyring) Ledger() []RotationEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]RotationEntry, len(k.ledger))
	copy(out, k.ledger)
	return out
}

// ActiveID returns the active key id for alg, or "" if none is set.
func (k *Keyring) ActiveID(alg Algorithm) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active[alg]
}

// Sign signs body with the active HMAC key by default, returning the key
// id used and a URL-safe, unpadded base64 signature.
func (k *Keyring) Sign(body []byte) (keyID string, signature string, err error) {
	return k.SignWith(AlgHMAC, body)
}

// SignWith signs body with the active key for alg.
func (k *Keyring) SignWith(alg Algorithm, body []byte) (keyID string, signature string, err error) {
	k.mu.RLock()
	id := k.active[alg]
	key := k.keys[id]
	k.mu.RUnlock()

	if key == nil {
		return "", "", fmt.Errorf("keyring: no active key for algorithm %q", alg)
	}

	sig, err := signBytes(key, body)
	if err != nil {
		return "", "", err
	}
	return key.ID, encodeSig(sig), nil
}

func signBytes(key *Key, body []byte) ([]byte, error) {
	switch key.Algorithm {
	case AlgHMAC:
		mac := hmac.New(sha256.New, key.Secret)
		mac.Write(body)
		return mac.Sum(nil), nil
	case AlgEd25519:
		return ed25519.Sign(ed25519.PrivateKey(key.Secret), body), nil
	default:
		return nil, fmt.Errorf("keyring: unknown algorithm %q", key.Algorithm)
	}
}

// Verify tries keyID first if given, then falls back to the active key for
// every known algorithm, then every historical key, to support graceful
// rotation. It reports whether signature verifies against body, and which
// key id succeeded.
func (k *Keyring) Verify(body []byte, signature string, keyID string) (ok bool, matchedKeyID string) {
	sig, err := decodeSig(signature)
	if err != nil {
		return false, ""
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	candidates := make([]*Key, 0, len(k.keys))
	if keyID != "" {
		if key, ok := k.keys[keyID]; ok {
			candidates = append(candidates, key)
		}
	}
	for _, id := range k.active {
		if key, ok := k.keys[id]; ok {
			candidates = append(candidates, key)
		}
	}
	for _, key := range k.keys {
		candidates = append(candidates, key)
	}

	for _, key := range candidates {
		expected, err := signBytes(key, body)
		if err != nil {
			continue
		}
		if constantTimeEqual(expected, sig, key.Algorithm) {
			return true, key.ID
		}
	}
	return false, ""
}

func constantTimeEqual(expected, actual []byte, alg Algorithm) bool {
	switch alg {
	case AlgEd25519:
		// ed25519.Verify already does the comparison internally when given
		// a public key; here we've computed a signature directly, so a
		// constant-time byte compare is the correct equivalent check.
		return subtle.ConstantTimeCompare(expected, actual) == 1
	default:
		return hmac.Equal(expected, actual)
	}
}

func encodeSig(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

func decodeSig(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
