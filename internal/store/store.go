// Package store provides SQLite-backed persistence for run and receipt
// history and the keyring's rotation document: a schema constant applied
// with CREATE TABLE IF NOT EXISTS, a thin *sql.DB wrapper, and
// row-scanning accessor methods.
//
// The DAG model itself stays in-memory and immutable (internal/dag); what
// persists here is run/receipt history so GET /runs/{id} survives process
// restart, plus the keyring document so key material and its rotation
// ledger are not lost on restart either.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/glyphctl/internal/receipt"
)

// Store wraps a SQLite-backed connection to persisted orchestrator state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	dag_digest TEXT NOT NULL,
	tenant TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	head TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant);

CREATE TABLE IF NOT EXISTS receipts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	seq INTEGER NOT NULL,
	task TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	ok INTEGER NOT NULL,
	output_digest TEXT NOT NULL,
	log_digest TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_run_seq ON receipts(run_id, seq);

CREATE TABLE IF NOT EXISTS keyring_keys (
	key_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	secret BLOB NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	rotated_at DATETIME
);

CREATE TABLE IF NOT EXISTS keyring_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id TEXT NOT NULL,
	secret_sha256 TEXT NOT NULL,
	ts DATETIME NOT NULL,
	prev TEXT NOT NULL DEFAULT ''
);
`

// Open opens (creating if absent) the SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection for callers that need raw queries
// (the CLI's rollout-completion-style reporting tools, for instance).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun upserts a run's top-level record (not its receipts).
func (s *Store) SaveRun(r receipt.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, dag_digest, tenant, priority, state, head, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET state = excluded.state, head = excluded.head`,
		r.RunID, r.DAGDigest, r.Tenant, r.Priority, string(r.State), r.Head(), r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", r.RunID, err)
	}
	return nil
}

// AppendReceipt persists the next receipt for runID at the given sequence
// number (0-indexed, matching position in run.Receipts).
func (s *Store) AppendReceipt(runID string, seq int, sr receipt.StepReceipt) error {
	_, err := s.db.Exec(`
		INSERT INTO receipts (run_id, seq, task, started_at, ended_at, ok, output_digest, log_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, sr.Task,
		sr.StartedAt.UTC().Format(time.RFC3339Nano), sr.EndedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(sr.OK), sr.OutputDigest, sr.LogDigest)
	if err != nil {
		return fmt.Errorf("store: append receipt for run %s: %w", runID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetRun loads a run and its receipts by id. It returns sql.ErrNoRows if
// no such run exists.
func (s *Store) GetRun(runID string) (receipt.Run, error) {
	var r receipt.Run
	var state string
	var createdAt string
	row := s.db.QueryRow(`SELECT run_id, dag_digest, tenant, priority, state, created_at FROM runs WHERE run_id = ?`, runID)
	if err := row.Scan(&r.RunID, &r.DAGDigest, &r.Tenant, &r.Priority, &state, &createdAt); err != nil {
		return receipt.Run{}, err
	}
	r.State = receipt.State(state)
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = parsed
	}

	rows, err := s.db.Query(`SELECT task, started_at, ended_at, ok, output_digest, log_digest FROM receipts WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return receipt.Run{}, fmt.Errorf("store: load receipts for run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sr receipt.StepReceipt
		var started, ended string
		var ok int
		if err := rows.Scan(&sr.Task, &started, &ended, &ok, &sr.OutputDigest, &sr.LogDigest); err != nil {
			return receipt.Run{}, fmt.Errorf("store: scan receipt: %w", err)
		}
		sr.OK = ok != 0
		sr.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		sr.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		r.Receipts = append(r.Receipts, sr)
	}
	return r, rows.Err()
}

// KeyringDocument is the persisted shape of a keyring: its keys and the
// active key id per algorithm. The append-only rotation ledger is stored in
// its own table and is not part of this struct.
type KeyringDocument struct {
	Keys   map[string]PersistedKey `json:"keys"`
	Active map[string]string       `json:"active"`
}

// PersistedKey is the on-disk form of one keyring key. Secret is stored
// raw; callers are responsible for keeping the database file's
// permissions restrictive.
type PersistedKey struct {
	Algorithm string    `json:"algorithm"`
	Secret    []byte    `json:"secret"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_ts"`
	RotatedAt time.Time `json:"rotated_ts,omitempty"`
}

// SaveKey upserts a single keyring key row.
func (s *Store) SaveKey(keyID string, k PersistedKey) error {
	var rotatedAt any
	if !k.RotatedAt.IsZero() {
		rotatedAt = k.RotatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`
		INSERT INTO keyring_keys (key_id, algorithm, secret, status, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET status = excluded.status, rotated_at = excluded.rotated_at`,
		keyID, k.Algorithm, k.Secret, k.Status, k.CreatedAt.UTC().Format(time.RFC3339Nano), rotatedAt)
	if err != nil {
		return fmt.Errorf("store: save key %s: %w", keyID, err)
	}
	return nil
}

// AppendRotationLedger records one append-only rotation ledger line.
func (s *Store) AppendRotationLedger(keyID, secretSHA256 string, ts time.Time, prev string) error {
	_, err := s.db.Exec(`INSERT INTO keyring_ledger (key_id, secret_sha256, ts, prev) VALUES (?, ?, ?, ?)`,
		keyID, secretSHA256, ts.UTC().Format(time.RFC3339Nano), prev)
	if err != nil {
		return fmt.Errorf("store: append rotation ledger: %w", err)
	}
	return nil
}

// LoadKeyringDocument reconstructs the full keyring document from the
// database, for process restart.
func (s *Store) LoadKeyringDocument() (KeyringDocument, error) {
	doc := KeyringDocument{Keys: map[string]PersistedKey{}, Active: map[string]string{}}

	rows, err := s.db.Query(`SELECT key_id, algorithm, secret, status, created_at, rotated_at FROM keyring_keys`)
	if err != nil {
		return doc, fmt.Errorf("store: load keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var keyID string
		var k PersistedKey
		var createdAt string
		var rotatedAt sql.NullString
		if err := rows.Scan(&keyID, &k.Algorithm, &k.Secret, &k.Status, &createdAt, &rotatedAt); err != nil {
			return doc, fmt.Errorf("store: scan key: %w", err)
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if rotatedAt.Valid {
			k.RotatedAt, _ = time.Parse(time.RFC3339Nano, rotatedAt.String)
		}
		doc.Keys[keyID] = k
		if k.Status == "active" {
			doc.Active[k.Algorithm] = keyID
		}
	}
	return doc, rows.Err()
}

// MarshalKeyringDocument is a convenience for CLI tools that want to print
// or export the persisted keyring shape as JSON:
// "{keys: {id -> key record}, active: {algorithm -> id}}".
func MarshalKeyringDocument(doc KeyringDocument) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
