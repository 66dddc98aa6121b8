package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// TemporalStream is the optional remote-stream queue backend: an
// append-and-read stream realized as signals against a single long-lived
// "queue workflow", so items survive process restart. It satisfies the
// same Backend contract as InMemory; the engine is unaware which is wired.
// The signal channel is the append log, and Drain consumes-then-deletes by
// recording a processed watermark in workflow state.
type TemporalStream struct {
	Client     client.Client
	WorkflowID string
	TaskQueue  string
	SignalName string
}

const queueWorkflowType = "glyphctl_queue_workflow"

// NewTemporalStream ensures the backing queue workflow is running and
// returns a handle to it.
func NewTemporalStream(ctx context.Context, c client.Client, workflowID, taskQueue string) (*TemporalStream, error) {
	ts := &TemporalStream{Client: c, WorkflowID: workflowID, TaskQueue: taskQueue, SignalName: "enqueue"}

	_, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: taskQueue,
	}, queueWorkflowType)
	if err != nil {
		// Already running is expected on every restart after the first.
		if !isAlreadyStarted(err) {
			return nil, fmt.Errorf("queue: start queue workflow: %w", err)
		}
	}
	return ts, nil
}

func isAlreadyStarted(err error) bool {
	_, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted)
	return ok
}

// wireItem is the JSON shape sent over the signal channel; it exists so the
// stream never depends on dag.DAG's in-memory representation staying
// binary-stable across versions.
type wireItem struct {
	RunID      string          `json:"run_id"`
	Tenant     string          `json:"tenant"`
	Priority   int             `json:"priority"`
	DAG        json.RawMessage `json:"dag"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Enqueue signals the queue workflow with the item appended to its stream.
func (t *TemporalStream) Enqueue(ctx context.Context, item Item) error {
	dagJSON, err := json.Marshal(item.DAG)
	if err != nil {
		return fmt.Errorf("queue: marshal dag: %w", err)
	}
	w := wireItem{
		RunID: item.RunID, Tenant: item.Tenant, Priority: item.Priority,
		DAG: dagJSON, EnqueuedAt: item.EnqueuedAt,
	}
	return t.Client.SignalWorkflow(ctx, t.WorkflowID, "", t.SignalName, w)
}

// Drain queries the queue workflow for its next unconsumed item and, if
// found, signals an acknowledgement so the same item is not redelivered.
// This is the "append-and-read stream; drain consumes the next entry and
// attempts to delete it" contract realized over Temporal queries/signals.
func (t *TemporalStream) Drain(ctx context.Context, timeout time.Duration) (Item, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		val, err := t.Client.QueryWorkflow(ctx, t.WorkflowID, "", "peekNext")
		if err == nil {
			var w wireItem
			if decodeErr := val.Get(&w); decodeErr == nil && w.RunID != "" {
				var d dag.DAG
				if err := json.Unmarshal(w.DAG, &d); err != nil {
					return Item{}, false, fmt.Errorf("queue: decode dag for run %s: %w", w.RunID, err)
				}
				if ackErr := t.Client.SignalWorkflow(ctx, t.WorkflowID, "", "ack", w.RunID); ackErr != nil {
					return Item{}, false, fmt.Errorf("queue: ack: %w", ackErr)
				}
				return Item{
					RunID: w.RunID, Tenant: w.Tenant, Priority: w.Priority,
					DAG: d, EnqueuedAt: w.EnqueuedAt,
				}, true, nil
			}
		}

		if time.Now().After(deadline) {
			return Item{}, false, nil
		}
		select {
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

var _ Backend = (*TemporalStream)(nil)
