package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prismhq/prism/internal/config"
)

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv("DB_CONNECTION", "")
	t.Setenv("PRISM_ADMIN_ADDR", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("debug: false\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	changes := make(chan config.Config, 4)
	w := New(configPath, func(cfg config.Config) { changes <- cfg })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configPath, []byte("debug: true\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-changes:
		if !cfg.Debug {
			t.Fatalf("expected debug true after reload")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload callback")
	}
}

func TestConfigWatcher_IgnoresInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("proxy:\n  host: nope\n  port: 1\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	called := false
	w := New(configPath, func(config.Config) { called = true })
	w.reload()
	if called {
		t.Fatalf("expected invalid config to be ignored")
	}
}
