package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestWatcherReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "polyvox.yaml")
	writeConfigFile(t, path, "partials:\n  rollout_percentage: 10\n")

	changed := make(chan ConfigDiff, 1)
	w, err := NewWatcher(path, func(old, new *Config) {
		changed <- Diff(old, new)
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	if got := w.Current().Partials.RolloutPercentage; got != 10 {
		t.Fatalf("Current().Partials.RolloutPercentage = %d, want 10", got)
	}

	// Rewrite with a different rollout and a future mtime so the poll
	// notices without waiting for filesystem timestamp granularity.
	writeConfigFile(t, path, "partials:\n  rollout_percentage: 60\n")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case d := <-changed:
		if !d.PartialsChanged || d.NewPartials.RolloutPercentage != 60 {
			t.Fatalf("onChange diff = %+v, want partials rollout 60", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	if got := w.Current().Partials.RolloutPercentage; got != 60 {
		t.Fatalf("Current() after reload rollout = %d, want 60", got)
	}
}

func TestWatcherKeepsLastValidOnBrokenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "polyvox.yaml")
	writeConfigFile(t, path, "partials:\n  rollout_percentage: 10\n")

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	writeConfigFile(t, path, "partials:\n  rollout_percentage: 400\n")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// Give the poller a few cycles; the invalid config must not replace the
	// current one.
	time.Sleep(200 * time.Millisecond)
	if got := w.Current().Partials.RolloutPercentage; got != 10 {
		t.Fatalf("Current() after invalid reload rollout = %d, want 10", got)
	}
}
