package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskd/internal/config"
)

func waitForEvent(t *testing.T, w *config.Watcher, path string, rewrite func()) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	rewrite()
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				return
			}
		case <-tick.C:
			rewrite()
		case <-deadline:
			t.Fatalf("timed out waiting for change event on %s", path)
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	waitForEvent(t, w, cfgPath, func() {
		_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
	})
}

func TestWatcher_DetectsCredentialFile(t *testing.T) {
	homeDir := t.TempDir()
	provDir := filepath.Join(config.CredentialsDir(homeDir), "openai")
	if err := os.MkdirAll(provDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	keyPath := filepath.Join(provDir, "spare.key")
	waitForEvent(t, w, keyPath, func() {
		_ = os.WriteFile(keyPath, []byte("sk-spare"), 0o600)
	})
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
