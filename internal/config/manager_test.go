package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRWMutexManagerGetSet(t *testing.T) {
	initial := &Config{General: General{LogLevel: "info"}}
	mgr := NewRWMutexManager(initial)

	got := mgr.Get()
	if got == nil {
		t.Fatal("expected initial config snapshot")
	}
	if got == initial {
		t.Fatal("expected manager to store cloned config on bootstrap")
	}
	if got.General.LogLevel != "info" {
		t.Fatalf("unexpected initial log level: %q", got.General.LogLevel)
	}

	next := &Config{General: General{LogLevel: "debug"}}
	mgr.Set(next)
	next.General.LogLevel = "error"

	updated := mgr.Get()
	if updated == next {
		t.Fatal("expected manager to clone Set input")
	}
	if updated.General.LogLevel != "debug" {
		t.Fatalf("got %q, want debug (mutation after Set should not leak in)", updated.General.LogLevel)
	}
}

func TestRWMutexManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glyphctl.toml")
	os.WriteFile(path, []byte(`
[general]
log_level = "warn"
`), 0o644)

	mgr := NewRWMutexManager(&Config{})
	if err := mgr.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if mgr.Get().General.LogLevel != "warn" {
		t.Fatalf("got %q after reload, want warn", mgr.Get().General.LogLevel)
	}
}

func TestRWMutexManagerReloadRequiresPath(t *testing.T) {
	mgr := NewRWMutexManager(&Config{})
	if err := mgr.Reload(""); err == nil {
		t.Fatalf("expected error for empty reload path")
	}
}

func TestNilManagerGetReturnsNil(t *testing.T) {
	var mgr *RWMutexManager
	if mgr.Get() != nil {
		t.Fatalf("expected nil manager Get to return nil")
	}
}
