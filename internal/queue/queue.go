// Package queue implements the priority job queue: an in-memory max-heap
// backend and an optional remote-stream backend, both satisfying the same
// enqueue/drain contract so the engine never knows which is in play.
package queue

import (
	"context"
	"time"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// Item is a serializable job record: a compiled DAG plus the Run it backs.
type Item struct {
	RunID    string
	Tenant   string
	Priority int
	DAG      dag.DAG
	// EnqueuedAt records when the item was enqueued. Ties within a
	// priority are broken by enqueue order, not by reading this field.
	EnqueuedAt time.Time
}

// Backend is the shared contract both the in-memory and remote-stream
// queues implement.
type Backend interface {
	// Enqueue adds item at the given priority. Higher priority values win
	// strict ordering over lower ones; ties break by enqueue order.
	Enqueue(ctx context.Context, item Item) error
	// Drain blocks up to timeout for the next item. It returns
	// (Item{}, false, nil) on timeout with nothing available.
	Drain(ctx context.Context, timeout time.Duration) (Item, bool, error)
}
