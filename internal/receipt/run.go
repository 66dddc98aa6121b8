package receipt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a Run's place in its lifecycle. Terminal states are absorbing:
// once reached, no further transition is permitted.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Run is one execution of a compiled DAG.
type Run struct {
	RunID      string        `json:"run_id"`
	DAGDigest  string        `json:"dag_digest"`
	Tenant     string        `json:"tenant"`
	Priority   int           `json:"priority"`
	State      State         `json:"state"`
	Receipts   []StepReceipt `json:"receipts"`
	CreatedAt  time.Time     `json:"created_ts"`
}

// NewRun creates a Run in state queued with a fresh UUID.
func NewRun(dagDigest, tenant string, priority int) Run {
	return Run{
		RunID:     uuid.NewString(),
		DAGDigest: dagDigest,
		Tenant:    tenant,
		Priority:  priority,
		State:     StateQueued,
		CreatedAt: time.Now(),
	}
}

// Head returns the current chain head over r.Receipts.
func (r Run) Head() string {
	return ComputeHead(r.Receipts)
}

// Transition validates and applies a state change, rejecting any move out
// of a terminal state or any move that isn't one of the lifecycle's
// declared edges.
func (r *Run) Transition(to State) error {
	if r.State.Terminal() {
		return fmt.Errorf("run: cannot transition out of terminal state %q", r.State)
	}

	allowed := map[State][]State{
		StateQueued:  {StateRunning, StateCanceled},
		StateRunning: {StateSucceeded, StateFailed, StateCanceled},
	}
	for _, next := range allowed[r.State] {
		if next == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("run: illegal transition %q -> %q", r.State, to)
}

// AppendReceipt appends a receipt, only permitted while the run is running.
func (r *Run) AppendReceipt(sr StepReceipt) error {
	if r.State != StateRunning {
		return fmt.Errorf("run: cannot append receipt while state is %q", r.State)
	}
	r.Receipts = append(r.Receipts, sr)
	return nil
}
