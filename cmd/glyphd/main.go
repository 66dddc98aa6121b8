// Command glyphd runs the glyph orchestrator as a long-lived server: it
// loads configuration, wires an orchestrator.Orchestrator, registers the
// built-in core.* plugin handlers, starts the API server in the background,
// then blocks on signals. SIGHUP reloads configuration; SIGINT/SIGTERM
// drain the worker pool and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/glyphctl/internal/config"
	"github.com/antigravity-dev/glyphctl/internal/glyph"
	"github.com/antigravity-dev/glyphctl/internal/health"
	"github.com/antigravity-dev/glyphctl/internal/orchestrator"
	"github.com/antigravity-dev/glyphctl/internal/queue"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// registerBuiltinPlugins gives every canonical step a default in-process
// handler so a freshly-started glyphd can run a compiled glyph program
// without any plugin configuration. Real deployments are expected to
// override core.* via cfg.Routing once they have a sandbox or webhook
// runner that does actual work.
func registerBuiltinPlugins(o *orchestrator.Orchestrator) {
	for _, step := range glyph.CanonicalSteps {
		name := "core." + step
		o.Registry.Register(name, func(ctx context.Context, inputs map[string]any) (any, error) {
			return map[string]any{"step": name, "status": "ok"}, nil
		})
	}
}

func main() {
	configPath := flag.String("config", "glyphd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("glyphd starting", "config", *configPath)

	cfgManager, err := loadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := config.ExpandHome("~/.glyphctl/glyphd.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		logger.Error("failed to create lock directory", "path", lockPath, "error", err)
		os.Exit(1)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if cfg.Temporal.HostPort != "" {
		tc, err := client.NewLazyClient(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			logger.Error("failed to build temporal client", "error", err)
			os.Exit(1)
		}
		defer tc.Close()
		stream, err := queue.NewTemporalStream(ctx, tc, "glyphctl-queue", cfg.Temporal.TaskQueue)
		if err != nil {
			logger.Error("failed to attach durable queue", "error", err)
			os.Exit(1)
		}
		opts = append(opts, orchestrator.WithQueue(stream))
		logger.Info("durable queue enabled", "host_port", cfg.Temporal.HostPort, "task_queue", cfg.Temporal.TaskQueue)
	}

	orch, err := orchestrator.NewWithOptions(cfg, opts...)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	registerBuiltinPlugins(orch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Start(ctx)
	}()

	logger.Info("glyphd running", "bind", cfg.API.Bind, "workers", cfg.Engine.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("orchestrator stopped with error", "error", err)
				os.Exit(1)
			}
			logger.Info("glyphd stopped")
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				next, err := config.Load(*configPath)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if err := config.ValidateReload(cfg, next); err != nil {
					logger.Error("config reload rejected", "error", err)
					continue
				}
				cfgManager.Set(next)
				logger.Info("config reloaded")
			case syscall.SIGINT, syscall.SIGTERM:
				shutdownStart := time.Now()
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				<-errCh
				logger.Info("glyphd stopped", "shutdown_duration", time.Since(shutdownStart).String())
				return
			}
		}
	}
}

func loadManager(path string) (*config.RWMutexManager, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return config.NewManager(cfg), nil
}
