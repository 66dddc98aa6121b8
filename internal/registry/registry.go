// Package registry holds the plugin handler map and the pluggable Runner
// implementations that execute tasks on the engine's behalf: in-process,
// Docker sandbox, HTTPS webhook, and Temporal, all behind one contract.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/glyphctl/internal/dag"
)

// Status is the outcome of a single runner invocation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusErr     Status = "err"
	StatusTimeout Status = "timeout"
)

// Handler is a registered plugin. Handlers are pure with respect to run
// state: they never mutate the chain or queue, only compute an output from
// an input.
type Handler func(ctx context.Context, inputs map[string]any) (output any, err error)

// MissingPluginError is returned when a DAG references a handler name that
// was never registered.
type MissingPluginError struct {
	Plugin string
}

func (e *MissingPluginError) Error() string {
	return fmt.Sprintf("registry: missing plugin %q", e.Plugin)
}

// Registry is a name -> Handler map, safe for concurrent registration and
// lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register stores handler under name, overwriting any previous handler of
// the same name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Lookup returns the handler registered under name, or a *MissingPluginError
// if none exists.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &MissingPluginError{Plugin: name}
	}
	return h, nil
}

// Runner is an execution strategy for a task. In-process, sandboxed, and
// HTTP-webhook runners all implement this contract; they differ only in
// isolation guarantees.
type Runner interface {
	Run(ctx context.Context, task dag.Task) (Status, any, error)
}

// Result pairs a runner Status with the raw output. It holds no serialized
// form; a digest of Output is computed by serializing it.
type Result struct {
	Status Status
	Output any
}
