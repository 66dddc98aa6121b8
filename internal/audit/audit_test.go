package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndLinesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	for i := 0; i < 3; i++ {
		if err := log.Append(Line{Type: "glyph", Detail: map[string]any{"i": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	lines, err := log.Lines()
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
}

func TestMerkleRoundTripForEveryIndex(t *testing.T) {
	lines := [][]byte{
		[]byte(`{"a":1}`), []byte(`{"a":2}`), []byte(`{"a":3}`),
		[]byte(`{"a":4}`), []byte(`{"a":5}`),
	}
	root := MerkleRoot(lines)

	for i := range lines {
		path, err := ProofPath(lines, i)
		if err != nil {
			t.Fatalf("proof path %d: %v", i, err)
		}
		if !VerifyInclusion(root, lines[i], path) {
			t.Fatalf("inclusion failed to verify for index %d", i)
		}
	}
}

func TestMerkleProofLengthIsLogN(t *testing.T) {
	lines := make([][]byte, 5)
	for i := range lines {
		lines[i] = []byte{byte(i)}
	}
	path, err := ProofPath(lines, 3)
	if err != nil {
		t.Fatalf("proof path: %v", err)
	}
	// ceil(log2(5)) == 3
	if len(path) != 3 {
		t.Fatalf("proof length = %d, want 3", len(path))
	}
}

func TestVerifyInclusionFailsOnTamperedLine(t *testing.T) {
	lines := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	root := MerkleRoot(lines)
	path, _ := ProofPath(lines, 1)

	if VerifyInclusion(root, []byte("tampered"), path) {
		t.Fatalf("expected verification to fail for a tampered line")
	}
}

func TestProofPathOutOfRange(t *testing.T) {
	lines := [][]byte{[]byte("a")}
	if _, err := ProofPath(lines, 5); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestRotateProducesFreshFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()

	log.Append(Line{Type: "glyph"})
	if err := log.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	log.Append(Line{Type: "glyph"})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotated file plus fresh file, got %d entries", len(entries))
	}
}
