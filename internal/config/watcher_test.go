package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	writeConfig(t, path, "latency_budget_ms: 1200\n")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().LatencyBudgetMs; got != 1200 {
		t.Errorf("initial latency_budget_ms = %d, want 1200", got)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWatcher(path, nil); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	writeConfig(t, path, "latency_budget_ms: 1500\n")

	var (
		mu      sync.Mutex
		gotCfg  *Config
		changes ChangeSet
		fired   bool
	)
	w, err := NewWatcher(path, func(newCfg *Config, c ChangeSet) {
		mu.Lock()
		defer mu.Unlock()
		gotCfg = newCfg
		changes = c
		fired = true
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Ensure the mtime moves even on coarse filesystems.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "latency_budget_ms: 1000\n")
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := fired
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatal("onChange never fired")
	}
	if gotCfg.LatencyBudgetMs != 1000 {
		t.Errorf("reloaded latency_budget_ms = %d, want 1000", gotCfg.LatencyBudgetMs)
	}
	if !changes.BudgetChanged || changes.NewBudgetMs != 1000 {
		t.Errorf("budget change not reported: %+v", changes)
	}
	if w.Current().LatencyBudgetMs != 1000 {
		t.Error("Current() not updated after reload")
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	writeConfig(t, path, "latency_budget_ms: 1500\n")

	w, err := NewWatcher(path, func(*Config, ChangeSet) {
		t.Error("onChange fired for an invalid config")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, "latency_budget_ms: -5\n")
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().LatencyBudgetMs; got != 1500 {
		t.Errorf("Current() = %d after invalid reload, want previous 1500", got)
	}
}
