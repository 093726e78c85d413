// Package config provides configuration loading, validation, and
// hot-reload for guardian-daemon.
//
// Configuration file: resolved from the GUARDIAN_DAEMON_CONFIG
// environment variable, falling back to /etc/guardian-daemon/config.yaml.
//
// Validation:
//   - All numeric ranges are enforced (quotas, grace, curfew windows).
//   - Usernames must match policy.UsernamePattern.
//   - Invalid config on startup: the daemon refuses to start (fatal).
//   - Invalid config on reload (ticker or IPC-triggered): logged, the
//     previously accepted snapshot remains in force.
package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// EnvConfigPath is the environment variable that overrides the default
// configuration path.
const EnvConfigPath = "GUARDIAN_DAEMON_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "/etc/guardian-daemon/config.yaml"

// DefaultReloadInterval is how often the ticker-driven reload runs.
const DefaultReloadInterval = 300 * time.Second

// ResolvePath returns the configuration path: the environment override if
// set, otherwise DefaultConfigPath.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Config is the root YAML configuration structure.
type Config struct {
	Timezone      string                `yaml:"timezone"`
	ResetTime     string                `yaml:"reset_time"`
	DBPath        string                `yaml:"db_path"`
	IPCSocket     string                `yaml:"ipc_socket"`
	Notifications NotificationsConfig   `yaml:"notifications"`
	Defaults      UserConfig            `yaml:"defaults"`
	Users         map[string]UserConfig `yaml:"users"`
	Observability ObservabilityConfig   `yaml:"observability"`
	System        SystemConfig          `yaml:"system"`
}

// ObservabilityConfig controls structured logging and the loopback-only
// diagnostic metrics endpoint.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// SystemConfig names the filesystem/OS integration points PamWriter and
// SystemdWriter act on. AdminGroup is validated but not read: AdminIpc
// always gives its socket to adminipc.DefaultGroup.
type SystemConfig struct {
	PamTimeConfPath string `yaml:"pam_time_conf_path"`
	SystemdUnitDir  string `yaml:"systemd_unit_dir"`
	ExecPath        string `yaml:"exec_path"`
	ManagedGroup    string `yaml:"managed_group"`
	AdminGroup      string `yaml:"admin_group"`
}

// NotificationsConfig holds the global warning/grace parameters.
type NotificationsConfig struct {
	PreQuotaMinutes []int             `yaml:"pre_quota_minutes"`
	GracePeriod     GracePeriodConfig `yaml:"grace_period"`
}

// GracePeriodConfig holds grace-period timing, all in minutes.
type GracePeriodConfig struct {
	Enabled  bool `yaml:"enabled"`
	Duration int  `yaml:"duration"`
	Interval int  `yaml:"interval"`
}

// UserConfig is a per-user override; zero values mean "inherit default".
// Pointers distinguish "unset" from "explicitly zero".
type UserConfig struct {
	DailyQuotaMinutes *int         `yaml:"daily_quota_minutes"`
	Curfew            CurfewConfig `yaml:"curfew"`
	GraceMinutes      *int         `yaml:"grace_minutes"`
}

// CurfewConfig encodes a weekly curfew. Weekdays is a blanket
// Monday-Friday window; individual day fields override it; Saturday and
// Sunday have no blanket unless explicitly set.
type CurfewConfig struct {
	Weekdays  string `yaml:"weekdays"`
	Monday    string `yaml:"monday"`
	Tuesday   string `yaml:"tuesday"`
	Wednesday string `yaml:"wednesday"`
	Thursday  string `yaml:"thursday"`
	Friday    string `yaml:"friday"`
	Saturday  string `yaml:"saturday"`
	Sunday    string `yaml:"sunday"`
}

// usernamePattern validates configured usernames before they ever reach
// a generated PAM rule, systemd unit name, or D-Bus name fragment.
var usernamePattern = regexp.MustCompile(policy.UsernamePattern)

// curfewWindowPattern validates "HH:MM-HH:MM" curfew strings.
var curfewWindowPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)-([01]\d|2[0-3]):([0-5]\d)$`)

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{
		Timezone:  "UTC",
		ResetTime: "03:00",
		DBPath:    "/var/lib/guardian-daemon/guardian.db",
		IPCSocket: "/run/guardian-daemon.sock",
		Notifications: NotificationsConfig{
			PreQuotaMinutes: []int{15, 10, 5},
			GracePeriod: GracePeriodConfig{
				Enabled:  true,
				Duration: 5,
				Interval: 1,
			},
		},
		Defaults: UserConfig{
			DailyQuotaMinutes: intPtr(90),
			Curfew: CurfewConfig{
				Weekdays: "08:00-20:00",
				Saturday: "08:00-22:00",
				Sunday:   "09:00-20:00",
			},
			GraceMinutes: intPtr(5),
		},
		Users: map[string]UserConfig{},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: "127.0.0.1:9091",
		},
		System: SystemConfig{
			PamTimeConfPath: "/etc/security/time.conf",
			SystemdUnitDir:  "/etc/systemd/system",
			ExecPath:        "/usr/sbin/guardian-daemon",
			ManagedGroup:    "guardian-kids",
			AdminGroup:      "guardian-admin",
		},
	}
}

func intPtr(v int) *int { return &v }

// Load reads, parses, and validates a config file from path. Returns the
// merged config (defaults overridden by file values) plus a content hash
// used by the reload loop to skip unchanged files.
func Load(path string) (*Config, [32]byte, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, [32]byte{}, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, [32]byte{}, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, sha256.Sum256(data), nil
}

// Validate checks every field for correctness and accumulates every
// violation into one error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Timezone == "" {
		errs = append(errs, "timezone must not be empty")
	} else if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q does not resolve: %v", cfg.Timezone, err))
	}

	if _, err := clock.ParseTimeOfDay(cfg.ResetTime); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.DBPath == "" {
		errs = append(errs, "db_path must not be empty")
	}
	if cfg.IPCSocket == "" {
		errs = append(errs, "ipc_socket must not be empty")
	}

	for _, m := range cfg.Notifications.PreQuotaMinutes {
		if m < 0 {
			errs = append(errs, fmt.Sprintf("notifications.pre_quota_minutes entries must be >= 0, got %d", m))
		}
	}
	if cfg.Notifications.GracePeriod.Duration < 0 {
		errs = append(errs, "notifications.grace_period.duration must be >= 0")
	}
	if cfg.Notifications.GracePeriod.Interval < 0 {
		errs = append(errs, "notifications.grace_period.interval must be >= 0")
	}

	if cfg.System.PamTimeConfPath == "" {
		errs = append(errs, "system.pam_time_conf_path must not be empty")
	}
	if cfg.System.SystemdUnitDir == "" {
		errs = append(errs, "system.systemd_unit_dir must not be empty")
	}
	if cfg.System.ManagedGroup == "" {
		errs = append(errs, "system.managed_group must not be empty")
	}
	if cfg.System.AdminGroup == "" {
		errs = append(errs, "system.admin_group must not be empty")
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	validateUser("defaults", cfg.Defaults, &errs)
	for name, u := range cfg.Users {
		if !usernamePattern.MatchString(name) {
			errs = append(errs, fmt.Sprintf("users: key %q does not match %s", name, policy.UsernamePattern))
			continue
		}
		validateUser(name, u, &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func validateUser(label string, u UserConfig, errs *[]string) {
	if u.DailyQuotaMinutes != nil && *u.DailyQuotaMinutes < 0 {
		*errs = append(*errs, fmt.Sprintf("users.%s.daily_quota_minutes must be >= 0, got %d", label, *u.DailyQuotaMinutes))
	}
	if u.GraceMinutes != nil && *u.GraceMinutes < 0 {
		*errs = append(*errs, fmt.Sprintf("users.%s.grace_minutes must be >= 0, got %d", label, *u.GraceMinutes))
	}
	for _, w := range u.Curfew.allWindows() {
		if w.value == "" {
			continue
		}
		if !curfewWindowPattern.MatchString(w.value) {
			*errs = append(*errs, fmt.Sprintf("users.%s.curfew.%s %q does not match HH:MM-HH:MM", label, w.day, w.value))
			continue
		}
		start, end := splitWindow(w.value)
		ts, _ := clock.ParseTimeOfDay(start)
		te, _ := clock.ParseTimeOfDay(end)
		if !(ts.Hour*60+ts.Minute < te.Hour*60+te.Minute) {
			*errs = append(*errs, fmt.Sprintf("users.%s.curfew.%s %q: start must be before end", label, w.day, w.value))
		}
	}
}

type namedWindow struct {
	day   string
	value string
}

func (c CurfewConfig) allWindows() []namedWindow {
	return []namedWindow{
		{"weekdays", c.Weekdays},
		{"monday", c.Monday},
		{"tuesday", c.Tuesday},
		{"wednesday", c.Wednesday},
		{"thursday", c.Thursday},
		{"friday", c.Friday},
		{"saturday", c.Saturday},
		{"sunday", c.Sunday},
	}
}

func splitWindow(v string) (start, end string) {
	m := curfewWindowPattern.FindStringSubmatch(v)
	if len(m) != 5 {
		return "", ""
	}
	return m[1] + ":" + m[2], m[3] + ":" + m[4]
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
