package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "prism "+Version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestInitThenMigrate(t *testing.T) {
	t.Setenv("DB_CONNECTION", "")
	t.Setenv("PRISM_ADMIN_ADDR", "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	root := newRootCmd()
	root.SetArgs([]string{"init", "--config", configPath, "--db-path", filepath.Join(dir, "prism.db")})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	root = newRootCmd()
	root.SetArgs([]string{"migrate", "--config", configPath})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestUnknownFlagFails(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--nope"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}
