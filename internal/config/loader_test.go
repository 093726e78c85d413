package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestNewLoaderFailsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "timezone: \"Bogus/Zone\"\n")

	if _, err := NewLoader(path, 0, zap.NewNop()); err == nil {
		t.Error("expected NewLoader to fail fast on an invalid initial config")
	}
}

func TestLoaderReloadSkipsUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "timezone: \"UTC\"\n")

	l, err := NewLoader(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	calls := 0
	l.Subscribe(func(*Snapshot) { calls++ })

	if err := l.Reload(); err != nil {
		t.Fatalf("Reload (unchanged): %v", err)
	}
	if calls != 0 {
		t.Errorf("subscriber fired on an unchanged reload, calls=%d", calls)
	}
}

func TestLoaderReloadAppliesAndNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "timezone: \"UTC\"\n")

	l, err := NewLoader(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	var received *Snapshot
	l.Subscribe(func(s *Snapshot) { received = s })

	writeConfig(t, path, "timezone: \"America/New_York\"\n")
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload (changed): %v", err)
	}

	if l.Current().Raw.Timezone != "America/New_York" {
		t.Errorf("Current().Raw.Timezone = %q, want America/New_York", l.Current().Raw.Timezone)
	}
	if received == nil || received.Raw.Timezone != "America/New_York" {
		t.Error("subscriber was not notified with the new snapshot")
	}
}

func TestLoaderReloadRetainsPriorSnapshotOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "timezone: \"UTC\"\n")

	l, err := NewLoader(path, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	before := l.Current()

	writeConfig(t, path, "timezone: \"Bogus/Zone\"\n")
	if err := l.Reload(); err == nil {
		t.Error("expected Reload to reject the invalid content")
	}

	if l.Current() != before {
		t.Error("Current() snapshot must remain the prior one after a failed reload")
	}
}
