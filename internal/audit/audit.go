// Package audit implements the append-only event log and the Merkle tree
// of inclusion proofs over it. Writes are serialized by a single mutex so
// readers only ever observe whole lines; line bytes are never rewritten
// once appended.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron"
)

// Line is the declared shape of one audit entry; Detail carries the
// event-specific payload (e.g. a glyph compile result, a webhook call, a
// rollout verdict) as an already-canonical map.
type Line struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"ts"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Log is an append-only, line-delimited JSON audit file with a global
// monotonic ordering: if the wall clock regresses, a monotonic counter
// keeps append order observable.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastTS   time.Time
	monotone int64
	cron     *cron.Cron
}

// Open appends to (creating if absent) the audit log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Append serializes line to compact canonical JSON and appends it as one
// line. The timestamp is stamped here, monotonically, even if line.Timestamp
// was left zero.
func (l *Log) Append(line Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if !now.After(l.lastTS) {
		l.monotone++
		now = l.lastTS.Add(time.Duration(l.monotone))
	} else {
		l.monotone = 0
	}
	l.lastTS = now
	line.Timestamp = now

	blob, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("audit: marshal line: %w", err)
	}
	blob = append(blob, '\n')

	if _, err := l.file.Write(blob); err != nil {
		return fmt.Errorf("audit: write line: %w", err)
	}
	return l.file.Sync()
}

// Lines reads every line currently in the audit file, in append order.
func (l *Log) Lines() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("audit: reopen for read: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return lines, nil
}

// Close releases the underlying file handle and stops any scheduled
// compaction.
func (l *Log) Close() error {
	if l.cron != nil {
		l.cron.Stop()
	}
	return l.file.Close()
}

// StartCompaction schedules rotation of the audit log on the given cron
// spec: the current file is renamed with a timestamp suffix and a fresh
// empty file is opened in its place. Already-issued Merkle proofs over the
// rotated file remain valid against that file.
func (l *Log) StartCompaction(spec string) error {
	c := cron.New()
	if err := c.AddFunc(spec, func() {
		_ = l.rotate()
	}); err != nil {
		return fmt.Errorf("audit: schedule compaction: %w", err)
	}
	c.Start()
	l.cron = c
	return nil
}

func (l *Log) rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d", l.path, time.Now().Unix())
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Side is a proof step's sibling position.
type Side string

const (
	SideLeft  Side = "L"
	SideRight Side = "R"
)

// ProofStep is one level of a Merkle inclusion proof.
type ProofStep struct {
	Pos    Side   `json:"pos"`
	Sibling string `json:"sibling_hash"`
}

func hashLine(line []byte) []byte {
	sum := sha256.Sum256(line)
	return sum[:]
}

func hashPair(left, right []byte) []byte {
	sum := sha256.New()
	sum.Write(left)
	sum.Write(right)
	return sum.Sum(nil)
}

// MerkleRoot hashes each line individually then iteratively pairwise-hashes
// (duplicating the last hash when a level has an odd count) until one hash
// remains, returned as a hex string. MerkleRoot of an empty slice is the
// hex-encoded hash of zero bytes' worth of nothing; callers should guard
// for len(lines) == 0 if that's meaningful to them.
func MerkleRoot(lines [][]byte) string {
	return hex.EncodeToString(merkleRootBytes(lines))
}

func merkleRootBytes(lines [][]byte) []byte {
	if len(lines) == 0 {
		return hashLine(nil)
	}

	level := make([][]byte, len(lines))
	for i, l := range lines {
		level[i] = hashLine(l)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// ProofPath returns the sibling hashes and positions needed to recompute
// the root from lines[i], in bottom-up order.
func ProofPath(lines [][]byte, i int) ([]ProofStep, error) {
	if i < 0 || i >= len(lines) {
		return nil, fmt.Errorf("audit: index %d out of range [0,%d)", i, len(lines))
	}

	level := make([][]byte, len(lines))
	for idx, l := range lines {
		level[idx] = hashLine(l)
	}

	var path []ProofStep
	idx := i
	for len(level) > 1 {
		var siblingIdx int
		var side Side
		if idx%2 == 0 {
			siblingIdx = idx + 1
			side = SideRight
			if siblingIdx >= len(level) {
				siblingIdx = idx
			}
		} else {
			siblingIdx = idx - 1
			side = SideLeft
		}
		path = append(path, ProofStep{Pos: side, Sibling: hex.EncodeToString(level[siblingIdx])})

		next := make([][]byte, 0, (len(level)+1)/2)
		for j := 0; j < len(level); j += 2 {
			if j+1 < len(level) {
				next = append(next, hashPair(level[j], level[j+1]))
			} else {
				next = append(next, hashPair(level[j], level[j]))
			}
		}
		level = next
		idx = idx / 2
	}
	return path, nil
}

// VerifyInclusion recomputes the root from line using path and reports
// whether it equals root.
func VerifyInclusion(root string, line []byte, path []ProofStep) bool {
	cur := hashLine(line)
	for _, step := range path {
		siblingBytes, err := hex.DecodeString(step.Sibling)
		if err != nil {
			return false
		}
		if step.Pos == SideRight {
			cur = hashPair(cur, siblingBytes)
		} else {
			cur = hashPair(siblingBytes, cur)
		}
	}
	return hex.EncodeToString(cur) == root
}
