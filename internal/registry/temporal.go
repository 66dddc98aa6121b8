package registry

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// TemporalRunner executes a task as a single-activity Temporal workflow,
// for installations that want durable, cross-process task retries. It is
// an optional runner, selected only when a routing rule names a Temporal
// task queue; the default execution engine never requires a running
// Temporal server.
type TemporalRunner struct {
	Client    client.Client
	TaskQueue string
}

// TaskActivityInput is what gets marshaled across the Temporal activity
// boundary for a single task invocation.
type TaskActivityInput struct {
	Plugin string
	Inputs map[string]any
}

// Run starts a TaskWorkflow that executes the task's plugin as a single
// activity under TaskWorkflow's fixed retry policy (up to 3 attempts,
// exponential backoff; the task's own retry budget is not consulted), and
// waits for it to complete.
func (r *TemporalRunner) Run(ctx context.Context, task dag.Task) (Status, any, error) {
	opts := client.StartWorkflowOptions{
		TaskQueue:          r.TaskQueue,
		WorkflowRunTimeout: task.Timeout,
	}

	run, err := r.Client.ExecuteWorkflow(ctx, opts, TaskWorkflow, TaskActivityInput{
		Plugin: task.Plugin,
		Inputs: task.Inputs,
	})
	if err != nil {
		return StatusErr, nil, fmt.Errorf("temporal: start workflow: %w", err)
	}

	var output any
	if err := run.Get(ctx, &output); err != nil {
		if ctx.Err() != nil {
			return StatusTimeout, nil, ctx.Err()
		}
		return StatusErr, nil, fmt.Errorf("temporal: workflow failed: %w", err)
	}
	return StatusOK, output, nil
}

// TaskWorkflow wraps RunTaskActivity with a bounded retry policy so a
// flaky runner host doesn't need engine-level retry logic duplicated on
// the Temporal side.
func TaskWorkflow(ctx workflow.Context, in TaskActivityInput) (any, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var output any
	err := workflow.ExecuteActivity(ctx, RunTaskActivity, in).Get(ctx, &output)
	return output, err
}

// RunTaskActivity is registered with a Temporal worker process; it is
// intentionally not wired to the in-process Registry, since activities run
// in a separate worker and must look up plugins from their own process.
func RunTaskActivity(ctx context.Context, in TaskActivityInput) (any, error) {
	return nil, fmt.Errorf("temporal: RunTaskActivity must be registered by the worker hosting plugin %q", in.Plugin)
}
