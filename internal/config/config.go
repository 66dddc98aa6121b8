// Package config loads and hot-reloads the orchestrator's TOML
// configuration: a Duration wrapper around time.ParseDuration, a nested
// Config struct decoded with BurntSushi/toml, defaulting and validation
// passes, and deep-copy Clone helpers so RWMutexManager can hand out safe
// snapshots.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be expressed in TOML as a string
// like "30s" or "5m" instead of a raw nanosecond integer.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// General carries process-wide settings.
type General struct {
	LogLevel string `toml:"log_level"`
	LogDev   bool   `toml:"log_dev"`
	StateDB  string `toml:"state_db"`
}

// Tenant is one entry in the tenants table: its quota.
type Tenant struct {
	Name          string `toml:"name"`
	MaxConcurrent int    `toml:"max_concurrent"`
	PerMinute     int    `toml:"per_minute"`
}

// RunnerRouting maps a plugin name prefix to the runner variant that
// executes it: "sandbox", "webhook", or "temporal". Plugins that no rule
// matches run in-process; a rule naming "inprocess" (or no runner) is
// rejected when the router is built.
type RunnerRouting struct {
	PluginPrefix string `toml:"plugin_prefix"`
	Runner       string `toml:"runner"`
	Endpoint     string `toml:"endpoint,omitempty"`
}

// Sandbox configures the Docker-backed sandbox runner.
type Sandbox struct {
	Image   string   `toml:"image"`
	Timeout Duration `toml:"timeout"`
}

// Webhook configures the HTTP webhook runner. RequireTLS defaults to true
// for loaded configurations; require_tls = false must be set explicitly to
// permit plaintext endpoints (local development only).
type Webhook struct {
	RequireTLS bool `toml:"require_tls"`
}

// Temporal configures the optional Temporal-backed runner and queue
// backend. It is process-wide, not per tenant: it is used when host_port
// is set or a routing rule names the "temporal" runner.
type Temporal struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// EventBus bounds the in-memory ring buffer and per-subscriber buffers.
type EventBus struct {
	Capacity         int `toml:"capacity"`
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// Audit configures the append-only audit log and its compaction schedule.
// ChainPath, when set, enables the per-run chain export (chain.jsonl).
type Audit struct {
	Path           string `toml:"path"`
	ChainPath      string `toml:"chain_path"`
	CompactionCron string `toml:"compaction_cron"`
}

// Keyring configures bootstrap key generation.
type Keyring struct {
	Algorithm string `toml:"algorithm"` // "hmac-sha256" or "ed25519"
}

// Engine bounds the worker pool and default per-task retry policy.
type Engine struct {
	Workers           int      `toml:"workers"`
	DefaultTimeout    Duration `toml:"default_timeout"`
	DefaultMaxRetries int      `toml:"default_max_retries"`
	DefaultBackoff    Duration `toml:"default_backoff"`
}

// API configures the HTTP gateway.
type API struct {
	Bind             string   `toml:"bind"`
	RequireAuth      bool     `toml:"require_auth"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	RequireSignature bool     `toml:"require_signature"`
}

// Config is the full, decoded configuration document.
type Config struct {
	General  General         `toml:"general"`
	Tenants  []Tenant        `toml:"tenants"`
	Routing  []RunnerRouting `toml:"routing"`
	Sandbox  Sandbox         `toml:"sandbox"`
	Webhook  Webhook         `toml:"webhook"`
	Temporal Temporal        `toml:"temporal"`
	EventBus EventBus        `toml:"event_bus"`
	Audit    Audit           `toml:"audit"`
	Keyring  Keyring         `toml:"keyring"`
	Engine   Engine          `toml:"engine"`
	API      API             `toml:"api"`
}

// Clone deep-copies cfg so callers can mutate their copy without affecting
// any other holder of the original.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Tenants = cloneTenants(c.Tenants)
	clone.Routing = cloneRouting(c.Routing)
	if c.API.AllowedTokens != nil {
		clone.API.AllowedTokens = append([]string{}, c.API.AllowedTokens...)
	}
	return &clone
}

func cloneTenants(in []Tenant) []Tenant {
	if in == nil {
		return nil
	}
	out := make([]Tenant, len(in))
	copy(out, in)
	return out
}

func cloneRouting(in []RunnerRouting) []RunnerRouting {
	if in == nil {
		return nil
	}
	out := make([]RunnerRouting, len(in))
	copy(out, in)
	return out
}

// ExpandHome expands a leading "~" in path to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Load reads and decodes the TOML document at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	// A boolean's zero value can't distinguish "unset" from "false", so
	// the TLS requirement defaults on unless the key was written out.
	if !md.IsDefined("webhook", "require_tls") {
		cfg.Webhook.RequireTLS = true
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.glyphctl/glyphctl.db"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8080"
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.DefaultTimeout.Duration == 0 {
		cfg.Engine.DefaultTimeout = Duration{30 * time.Second}
	}
	if cfg.EventBus.Capacity == 0 {
		cfg.EventBus.Capacity = 1024
	}
	if cfg.EventBus.SubscriberBuffer == 0 {
		cfg.EventBus.SubscriberBuffer = 256
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "~/.glyphctl/audit.jsonl"
	}
	if cfg.Audit.CompactionCron == "" {
		// Six-field cron spec (seconds first): daily at midnight.
		cfg.Audit.CompactionCron = "0 0 0 * * *"
	}
	if cfg.Keyring.Algorithm == "" {
		cfg.Keyring.Algorithm = "hmac-sha256"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "glyphctl/sandbox-runner:latest"
	}
	if cfg.Temporal.HostPort != "" {
		if cfg.Temporal.Namespace == "" {
			cfg.Temporal.Namespace = "default"
		}
		if cfg.Temporal.TaskQueue == "" {
			cfg.Temporal.TaskQueue = "glyphctl"
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		if t.Name == "" {
			return fmt.Errorf("tenant entry missing name")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate tenant %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.MaxConcurrent < 0 || t.PerMinute < 0 {
			return fmt.Errorf("tenant %q has negative quota", t.Name)
		}
	}
	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if cfg.Keyring.Algorithm != "hmac-sha256" && cfg.Keyring.Algorithm != "ed25519" {
		return fmt.Errorf("keyring.algorithm must be hmac-sha256 or ed25519, got %q", cfg.Keyring.Algorithm)
	}
	return nil
}

// RuntimeRestartFields names config keys that require a process restart
// rather than a hot reload: the state DB and the API bind address cannot
// change underneath a running process.
var RuntimeRestartFields = []string{"general.state_db", "api.bind"}

// ValidateReload rejects a reload whose new config changes a
// restart-only field relative to current.
func ValidateReload(current, next *Config) error {
	if current.General.StateDB != next.General.StateDB {
		return fmt.Errorf("config: general.state_db cannot be changed via reload, restart required")
	}
	if current.API.Bind != next.API.Bind {
		return fmt.Errorf("config: api.bind cannot be changed via reload, restart required")
	}
	return nil
}
