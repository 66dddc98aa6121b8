package registry

import (
	"context"
	"errors"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// InProcessRunner calls a registered handler directly in the caller's
// goroutine, bounded by the task's timeout. It is the default, lowest
// overhead runner and the one every plugin is exercised through in tests.
type InProcessRunner struct {
	Registry *Registry
}

// Run looks up task.Plugin and invokes it under a context bounded by
// task.Timeout.
func (r *InProcessRunner) Run(ctx context.Context, task dag.Task) (Status, any, error) {
	handler, err := r.Registry.Lookup(task.Plugin)
	if err != nil {
		return StatusErr, nil, err
	}

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	output, err := handler(runCtx, task.Inputs)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return StatusTimeout, nil, runCtx.Err()
		}
		return StatusErr, nil, err
	}
	return StatusOK, output, nil
}
