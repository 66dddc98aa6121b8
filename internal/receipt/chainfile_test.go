package receipt

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestChainFileAppendsOneLinePerReceipt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	cf, err := OpenChainFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { cf.Close() })

	head := ZeroHead
	for i, task := range []string{"00_verify", "01_invoke"} {
		sr := sampleReceipt(task)
		next := NextHead(head, sr)
		if err := cf.Append(ChainLine{Prev: head, Current: next, Meta: map[string]any{"seq": i, "task": task}}); err != nil {
			t.Fatalf("append: %v", err)
		}
		head = next
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	var lines []ChainLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line ChainLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Prev != ZeroHead {
		t.Fatalf("first prev = %q, want zero head", lines[0].Prev)
	}
	if lines[1].Prev != lines[0].Current {
		t.Fatalf("chain discontinuity: %q -> %q", lines[0].Current, lines[1].Prev)
	}
	if lines[1].Current != head {
		t.Fatalf("final head mismatch: %q vs %q", lines[1].Current, head)
	}
}
