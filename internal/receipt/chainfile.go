package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ChainLine is one exported chain transition: the head before and after a
// receipt was appended, plus free-form metadata identifying the step.
type ChainLine struct {
	Prev    string         `json:"prev"`
	Current string         `json:"current"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ChainFile is the optional per-run chain export (chain.jsonl): one
// ChainLine appended per receipt, mutex-serialized so concurrent workers
// never interleave partial lines. Like the audit log, lines are never
// rewritten once appended.
type ChainFile struct {
	mu   sync.Mutex
	file *os.File
}

// OpenChainFile appends to (creating if absent) the chain export at path.
func OpenChainFile(path string) (*ChainFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("receipt: open chain export %s: %w", path, err)
	}
	return &ChainFile{file: f}, nil
}

// Append writes one chain transition line.
func (c *ChainFile) Append(line ChainLine) error {
	blob, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("receipt: marshal chain line: %w", err)
	}
	blob = append(blob, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.file.Write(blob); err != nil {
		return fmt.Errorf("receipt: write chain line: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (c *ChainFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}
