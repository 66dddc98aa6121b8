// Package engine implements the scheduling and execution core: a pool of
// worker goroutines that pop jobs from the queue, gate them through
// admission, run their DAG in topological order against the configured
// runner with linear backoff between retries, and emit receipts and
// events along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/glyphctl/internal/admission"
	"github.com/antigravity-dev/glyphctl/internal/dag"
	"github.com/antigravity-dev/glyphctl/internal/eventbus"
	"github.com/antigravity-dev/glyphctl/internal/queue"
	"github.com/antigravity-dev/glyphctl/internal/receipt"
	"github.com/antigravity-dev/glyphctl/internal/registry"
	"github.com/antigravity-dev/glyphctl/internal/store"
)

// RunnerFor resolves which Runner should execute a given task, letting
// callers route by plugin name prefix to in-process/sandbox/webhook/
// temporal runners per configuration.
type RunnerFor func(task dag.Task) registry.Runner

// Engine is the worker pool plus everything it needs to admit, execute,
// and account for jobs. The bus is held as a plain dependency (a
// callback-shaped handle), never the reverse: the bus has no reference
// back to the engine.
type Engine struct {
	Queue     queue.Backend
	Admission *admission.Controller
	RunnerFor RunnerFor
	Bus       *eventbus.Bus
	Store     *store.Store
	Workers   int
	Logger    *slog.Logger

	// ReenqueueDelay is how long a quota-rejected job waits before being
	// re-enqueued at its original priority.
	ReenqueueDelay time.Duration

	// Chain, when non-nil, receives one exported line per appended receipt
	// (the optional chain.jsonl export).
	Chain *receipt.ChainFile

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New constructs an Engine ready to Start.
func New(q queue.Backend, adm *admission.Controller, runnerFor RunnerFor, bus *eventbus.Bus, st *store.Store, workers int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		Queue:          q,
		Admission:      adm,
		RunnerFor:      runnerFor,
		Bus:            bus,
		Store:          st,
		Workers:        workers,
		Logger:         logger.With("component", "engine"),
		ReenqueueDelay: 500 * time.Millisecond,
		cancels:        make(map[string]context.CancelFunc),
		stop:           make(chan struct{}),
	}
}

// Start launches Workers goroutines that drain the queue until ctx is
// canceled or Stop is called. Start returns immediately; call Wait to
// block until all workers have exited.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
}

// Stop signals every worker to stop fetching new jobs. In-flight tasks
// finish or time out on their own; no new tasks are started afterward.
func (e *Engine) Stop() {
	close(e.stop)
}

// Wait blocks until every worker goroutine has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.Logger.With("worker", id)

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, ok, err := e.Queue.Drain(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("queue drain error", "err", err)
			continue
		}
		if !ok {
			continue
		}

		e.runJob(ctx, item)
	}
}

// Cancel requests cooperative cancellation of runID. It takes effect
// between tasks; any task already in flight runs to completion or
// timeout.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[runID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) runJob(ctx context.Context, item queue.Item) {
	admitted := e.Admission.AllowStart(item.Tenant)
	if admitted != admission.Admitted {
		e.reenqueue(ctx, item)
		return
	}
	defer e.Admission.MarkDone(item.Tenant)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[item.RunID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, item.RunID)
		e.mu.Unlock()
		cancel()
	}()

	run, err := e.Store.GetRun(item.RunID)
	if err != nil {
		e.Logger.Error("run record missing at pop time", "run_id", item.RunID, "err", err)
		return
	}
	if run.State.Terminal() {
		// Canceled (or otherwise finished) while still queued; nothing to do.
		return
	}
	if err := run.Transition(receipt.StateRunning); err != nil {
		e.Logger.Error("illegal transition to running", "run_id", item.RunID, "err", err)
		return
	}
	e.Store.SaveRun(run)
	e.publish(eventbus.Event{Type: "run_start", RunID: run.RunID, Tenant: run.Tenant})

	tasks, err := item.DAG.Topo()
	if err != nil {
		e.failRun(&run, "cycle_error")
		return
	}

	failed := false
	for i, task := range tasks {
		if runCtx.Err() != nil {
			e.cancelRun(&run)
			return
		}

		sr := e.executeTaskWithRetry(runCtx, task)
		prevHead := run.Head()
		run.AppendReceipt(sr)
		e.Store.AppendReceipt(run.RunID, i, sr)
		if e.Chain != nil {
			if err := e.Chain.Append(receipt.ChainLine{
				Prev:    prevHead,
				Current: run.Head(),
				Meta:    map[string]any{"run_id": run.RunID, "task": task.Name, "seq": i},
			}); err != nil {
				e.Logger.Warn("chain export append failed", "run_id", run.RunID, "err", err)
			}
		}

		ok := sr.OK
		e.publish(eventbus.Event{
			Type: "step", RunID: run.RunID, Tenant: run.Tenant, Task: task.Name,
			OK: &ok, Digest: sr.Digest(), Head: run.Head(),
		})

		if !sr.OK {
			failed = true
			break
		}
	}

	if failed {
		e.failRun(&run, "task_failed")
		return
	}

	run.Transition(receipt.StateSucceeded)
	e.Store.SaveRun(run)
	ok := true
	e.publish(eventbus.Event{Type: "run_done", RunID: run.RunID, Tenant: run.Tenant, OK: &ok, Head: run.Head()})
}

func (e *Engine) reenqueue(ctx context.Context, item queue.Item) {
	delay := e.ReenqueueDelay
	time.AfterFunc(delay, func() {
		_ = e.Queue.Enqueue(ctx, item)
	})
}

func (e *Engine) failRun(run *receipt.Run, reason string) {
	run.Transition(receipt.StateFailed)
	e.Store.SaveRun(*run)
	ok := false
	e.publish(eventbus.Event{Type: "run_done", RunID: run.RunID, Tenant: run.Tenant, OK: &ok, Head: run.Head(), Reason: reason})
}

func (e *Engine) cancelRun(run *receipt.Run) {
	run.Transition(receipt.StateCanceled)
	e.Store.SaveRun(*run)
	ok := false
	e.publish(eventbus.Event{Type: "run_done", RunID: run.RunID, Tenant: run.Tenant, OK: &ok, Head: run.Head(), Reason: "canceled"})
}

func (e *Engine) publish(ev eventbus.Event) {
	ev.Ts = time.Now().UnixNano()
	e.Bus.Publish(ev)
}

// executeTaskWithRetry runs task under the configured runner, retrying up
// to task.MaxRetries additional times on err/timeout with linear backoff
// (backoff * attempt). MaxRetries=0 means exactly one attempt. A missing
// plugin is never retried.
func (e *Engine) executeTaskWithRetry(ctx context.Context, task dag.Task) receipt.StepReceipt {
	runner := e.RunnerFor(task)

	var status registry.Status
	var output any
	var runErr error
	started := time.Now()

	attempts := task.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		status, output, runErr = runner.Run(ctx, task)
		if status == registry.StatusOK || ctx.Err() != nil {
			break
		}
		var missing *registry.MissingPluginError
		if errors.As(runErr, &missing) {
			// An unregistered plugin cannot heal between attempts; fail
			// immediately regardless of the task's retry budget.
			break
		}
		if attempt < attempts && task.Backoff > 0 {
			select {
			case <-time.After(task.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	ended := time.Now()

	outputDigest, _ := receipt.DigestOutput(output)
	logBytes := []byte(fmt.Sprintf("status=%s err=%v", status, runErr))

	return receipt.StepReceipt{
		Task:         task.Name,
		StartedAt:    started,
		EndedAt:      ended,
		OK:           status == registry.StatusOK,
		OutputDigest: outputDigest,
		LogDigest:    receipt.DigestLog(logBytes),
	}
}
