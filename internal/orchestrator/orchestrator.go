// Package orchestrator assembles the independent components — store, event
// bus, admission controller, keyring, queue, plugin registry, execution
// engine, and HTTP gateway — into one runnable unit. Multiple independent
// Orchestrators can coexist in one process; there is no shared
// package-level state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/glyphctl/internal/admission"
	"github.com/antigravity-dev/glyphctl/internal/api"
	"github.com/antigravity-dev/glyphctl/internal/audit"
	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/dag"
	"github.com/antigravity-dev/glyphctl/internal/engine"
	"github.com/antigravity-dev/glyphctl/internal/eventbus"
	"github.com/antigravity-dev/glyphctl/internal/keyring"
	"github.com/antigravity-dev/glyphctl/internal/queue"
	"github.com/antigravity-dev/glyphctl/internal/receipt"
	"github.com/antigravity-dev/glyphctl/internal/registry"
	"github.com/antigravity-dev/glyphctl/internal/store"
)

// Orchestrator owns the full set of components needed to admit, execute,
// and serve glyph-compiled workflows against a single tenant set and a
// single backing store. Nothing here is package-level state: every field
// is a value owned by this instance, so a process can run more than one
// Orchestrator (e.g. in tests) without cross-talk.
type Orchestrator struct {
	Config    *config.Config
	Store     *store.Store
	Bus       *eventbus.Bus
	Admission *admission.Controller
	Keyring   *keyring.Keyring
	Queue     queue.Backend
	Registry  *registry.Registry
	Engine    *engine.Engine
	Audit     *audit.Log
	API       *api.Server

	chain  *receipt.ChainFile
	logger *slog.Logger
}

// Option customizes Orchestrator construction before Registry plugins are
// resolved into runner routes.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithQueue overrides the default in-memory queue.Backend, e.g. with a
// queue.TemporalStream for durable cross-restart queueing.
func WithQueue(q queue.Backend) Option {
	return func(o *Orchestrator) { o.Queue = q }
}

// New builds a fully wired Orchestrator from cfg. The Registry returned is
// empty; callers register plugin handlers before calling Start. The audit
// log is opened at cfg.Audit.Path (after ~ expansion) and, if
// cfg.Audit.CompactionCron is set, compaction is scheduled immediately.
func New(cfg *config.Config) (*Orchestrator, error) {
	return NewWithOptions(cfg)
}

// NewWithOptions is New with Option overrides applied before wiring the
// engine's runner routing, so WithQueue takes effect before the engine
// binds to it.
func NewWithOptions(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{Config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	st, err := store.Open(config.ExpandHome(cfg.General.StateDB))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}
	o.Store = st

	al, err := audit.Open(config.ExpandHome(cfg.Audit.Path))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: open audit log: %w", err)
	}
	o.Audit = al
	if cfg.Audit.CompactionCron != "" {
		if err := al.StartCompaction(cfg.Audit.CompactionCron); err != nil {
			o.logger.Warn("audit compaction not scheduled", "err", err)
		}
	}

	o.Bus = eventbus.New(cfg.EventBus.Capacity)

	quotas := make(map[string]admission.Quota, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		quotas[t.Name] = admission.Quota{MaxConcurrent: t.MaxConcurrent, PerMinute: t.PerMinute}
	}
	o.Admission = admission.New(quotas)

	o.Keyring = keyring.New()
	if err := bootstrapKeyring(o.Keyring, st, cfg.Keyring.Algorithm); err != nil {
		st.Close()
		al.Close()
		return nil, fmt.Errorf("orchestrator: bootstrap keyring: %w", err)
	}

	if o.Queue == nil {
		o.Queue = queue.NewInMemory()
	}

	o.Registry = registry.New()

	runnerFor, err := buildRunnerRouter(cfg, o.Registry, o.Keyring)
	if err != nil {
		st.Close()
		al.Close()
		return nil, err
	}

	o.Engine = engine.New(o.Queue, o.Admission, runnerFor, o.Bus, o.Store, cfg.Engine.Workers, o.logger)
	if cfg.Audit.ChainPath != "" {
		cf, err := receipt.OpenChainFile(config.ExpandHome(cfg.Audit.ChainPath))
		if err != nil {
			st.Close()
			al.Close()
			return nil, fmt.Errorf("orchestrator: open chain export: %w", err)
		}
		o.chain = cf
		o.Engine.Chain = cf
	}
	o.API = api.NewServer(cfg, o.Store, o.Bus, o.Admission, o.Keyring, o.Queue, o.Audit, o.logger)
	o.API.Canceler = o.Engine

	return o, nil
}

// bootstrapKeyring generates the process's first signing key if the store
// has no persisted keyring document yet, otherwise does nothing further.
// Key restoration from the store across restarts is not implemented.
func bootstrapKeyring(kr *keyring.Keyring, st *store.Store, algorithm string) error {
	doc, err := st.LoadKeyringDocument()
	if err != nil {
		return fmt.Errorf("load keyring document: %w", err)
	}
	if len(doc.Keys) > 0 {
		return nil
	}

	var key *keyring.Key
	switch keyring.Algorithm(algorithm) {
	case keyring.AlgEd25519:
		key, err = kr.GenerateEd25519("bootstrap")
	default:
		key, err = kr.GenerateHMAC("bootstrap")
	}
	if err != nil {
		return err
	}

	persisted := store.PersistedKey{
		Algorithm: string(key.Algorithm),
		Secret:    key.Secret,
		Status:    string(key.Status),
		CreatedAt: key.CreatedAt,
	}
	if err := st.SaveKey(key.ID, persisted); err != nil {
		return fmt.Errorf("persist bootstrap key: %w", err)
	}
	for _, entry := range kr.Ledger() {
		if err := st.AppendRotationLedger(entry.KeyID, entry.SecretHash, entry.Timestamp, entry.Previous); err != nil {
			return fmt.Errorf("persist rotation ledger: %w", err)
		}
	}
	return nil
}

// buildRunnerRouter resolves cfg.Routing's plugin-prefix rules into an
// engine.RunnerFor closure. A task's plugin name is matched against each
// rule's PluginPrefix (longest match wins); unmatched tasks fall back to
// the in-process runner backed by reg. All temporal routes share one
// lazily-dialed client; the connection is established on first use.
func buildRunnerRouter(cfg *config.Config, reg *registry.Registry, kr *keyring.Keyring) (engine.RunnerFor, error) {
	inproc := &registry.InProcessRunner{Registry: reg}

	var temporalClient client.Client
	for _, route := range cfg.Routing {
		if route.Runner != "temporal" {
			continue
		}
		if cfg.Temporal.HostPort == "" {
			return nil, fmt.Errorf("orchestrator: route %q: temporal runner requires [temporal] host_port", route.PluginPrefix)
		}
		c, err := client.NewLazyClient(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: temporal client: %w", err)
		}
		temporalClient = c
		break
	}

	runners := make(map[string]registry.Runner, len(cfg.Routing))
	for _, route := range cfg.Routing {
		r, err := buildRunner(route, cfg, kr, temporalClient)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: route %q: %w", route.PluginPrefix, err)
		}
		runners[route.PluginPrefix] = r
	}

	return func(task dag.Task) registry.Runner {
		best := ""
		for prefix := range runners {
			if len(prefix) > len(best) && matchesPrefix(task.Plugin, prefix) {
				best = prefix
			}
		}
		if best == "" {
			return inproc
		}
		return runners[best]
	}, nil
}

func matchesPrefix(plugin, prefix string) bool {
	return len(plugin) >= len(prefix) && plugin[:len(prefix)] == prefix
}

func buildRunner(route config.RunnerRouting, cfg *config.Config, kr *keyring.Keyring, temporalClient client.Client) (registry.Runner, error) {
	switch route.Runner {
	case "sandbox":
		return registry.NewSandboxRunner(cfg.Sandbox.Image)
	case "webhook":
		return registry.NewWebhookRunner(route.Endpoint, kr, cfg.Webhook.RequireTLS)
	case "temporal":
		return &registry.TemporalRunner{Client: temporalClient, TaskQueue: cfg.Temporal.TaskQueue}, nil
	case "inprocess", "":
		return nil, fmt.Errorf("inprocess routing rules are redundant with the default fallback")
	default:
		return nil, fmt.Errorf("unknown runner kind %q", route.Runner)
	}
}

// Start launches the engine's worker pool and blocks in the HTTP gateway's
// Start(ctx) call until ctx is canceled; it then stops the engine and
// waits for its workers to finish before returning.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.Engine.Start(ctx)
	err := o.API.Start(ctx)
	o.Engine.Stop()
	o.Engine.Wait()
	return err
}

// Close releases every resource this Orchestrator opened: the store, the
// audit log, and the chain export if one was configured. The queue, if it
// is a queue.TemporalStream, owns its own client lifecycle and is not
// closed here.
func (o *Orchestrator) Close() error {
	var firstErr error
	if o.chain != nil {
		if err := o.chain.Close(); err != nil {
			firstErr = err
		}
	}
	if err := o.Audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := o.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
