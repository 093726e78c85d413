package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Errorf("Defaults() must validate cleanly: %v", err)
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := Defaults()
	cfg.Timezone = "Not/A/Zone"
	if err := Validate(&cfg); err == nil {
		t.Error("expected an error for an unresolvable timezone")
	}
}

func TestValidateRejectsBadUsername(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]UserConfig{"Invalid-Name!": {}}
	if err := Validate(&cfg); err == nil {
		t.Error("expected an error for a username violating the policy pattern")
	}
}

func TestValidateRejectsMalformedCurfewWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]UserConfig{
		"alice": {Curfew: CurfewConfig{Monday: "not-a-window"}},
	}
	if err := Validate(&cfg); err == nil {
		t.Error("expected an error for a malformed curfew window")
	}
}

func TestValidateRejectsInvertedCurfewWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]UserConfig{
		"alice": {Curfew: CurfewConfig{Monday: "20:00-08:00"}},
	}
	if err := Validate(&cfg); err == nil {
		t.Error("expected an error when a curfew window's start is not before its end")
	}
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Timezone = ""
	cfg.DBPath = ""
	cfg.IPCSocket = ""
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	msg := err.Error()
	for _, want := range []string{"timezone", "db_path", "ipc_socket"} {
		if !containsSubstring(msg, want) {
			t.Errorf("error message %q missing expected mention of %q", msg, want)
		}
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
timezone: "America/New_York"
users:
  kid1:
    daily_quota_minutes: 45
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, hash, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want America/New_York", cfg.Timezone)
	}
	if cfg.ResetTime != "03:00" {
		t.Errorf("ResetTime = %q, want default 03:00 (unset in file)", cfg.ResetTime)
	}
	u, ok := cfg.Users["kid1"]
	if !ok || u.DailyQuotaMinutes == nil || *u.DailyQuotaMinutes != 45 {
		t.Errorf("Users[kid1] = %+v, want daily_quota_minutes=45", u)
	}
	var zero [32]byte
	if hash == zero {
		t.Error("Load should return a non-zero content hash")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("timezone: \"Bogus/Zone\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Error("expected Load to reject an invalid config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected Load to fail for a missing file")
	}
}

func TestBuildSnapshotResolvesDefaultsAndOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]UserConfig{
		"kid1": {}, // inherits defaults entirely
	}
	pol, err := BuildSnapshot(&cfg)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	up, ok := pol.ForUser("kid1")
	if !ok {
		t.Fatal("kid1 should be managed")
	}
	if up.DailyQuota.Minutes() != 90 {
		t.Errorf("kid1 DailyQuota = %v, want 90m (inherited default)", up.DailyQuota)
	}
	if len(up.Curfew) == 0 {
		t.Error("kid1 should inherit the default curfew")
	}
}
