package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

// BuildSnapshot resolves a validated Config into a typed, immutable
// policy.Policy. Called only after Validate has already accepted cfg;
// resolution errors here indicate a bug in Validate, not bad input.
func BuildSnapshot(cfg *Config) (*policy.Policy, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.BuildSnapshot: timezone: %w", err)
	}
	resetTime, err := clock.ParseTimeOfDay(cfg.ResetTime)
	if err != nil {
		return nil, fmt.Errorf("config.BuildSnapshot: reset_time: %w", err)
	}

	defaultPolicy, err := resolveUser("defaults", cfg.Defaults, policy.UserPolicy{})
	if err != nil {
		return nil, err
	}

	users := make(map[string]policy.UserPolicy, len(cfg.Users))
	for name, u := range cfg.Users {
		resolved, err := resolveUser(name, u, defaultPolicy)
		if err != nil {
			return nil, err
		}
		resolved.Username = name
		users[name] = resolved
	}

	preQuota := make([]time.Duration, 0, len(cfg.Notifications.PreQuotaMinutes))
	for _, m := range cfg.Notifications.PreQuotaMinutes {
		preQuota = append(preQuota, time.Duration(m)*time.Minute)
	}

	return &policy.Policy{
		Users:    users,
		Defaults: defaultPolicy,
		Notifications: policy.Notifications{
			PreQuotaWarn: policy.SortedPreQuotaWarn(preQuota),
			Grace: policy.GracePeriod{
				Enabled:  cfg.Notifications.GracePeriod.Enabled,
				Duration: time.Duration(cfg.Notifications.GracePeriod.Duration) * time.Minute,
				Interval: time.Duration(cfg.Notifications.GracePeriod.Interval) * time.Minute,
			},
		},
		ResetTime:    resetTime,
		Location:     loc,
		TimezoneName: cfg.Timezone,
		DBPath:       cfg.DBPath,
		IPCSocket:    cfg.IPCSocket,
	}, nil
}

// resolveUser merges a UserConfig override on top of a resolved base
// UserPolicy (the defaults). Curfew days absent from both the override
// and base.Curfew are simply absent from the result — no window means
// no permitted login on that day. A user left with no window on any day
// gets no PAM rule at all, so that user's logins are not time-restricted.
func resolveUser(label string, u UserConfig, base policy.UserPolicy) (policy.UserPolicy, error) {
	out := policy.UserPolicy{
		DailyQuota: base.DailyQuota,
		Grace:      base.Grace,
		Curfew:     map[time.Weekday]policy.Window{},
	}
	for day, w := range base.Curfew {
		out.Curfew[day] = w
	}

	if u.DailyQuotaMinutes != nil {
		out.DailyQuota = time.Duration(*u.DailyQuotaMinutes) * time.Minute
	}
	if u.GraceMinutes != nil {
		out.Grace = time.Duration(*u.GraceMinutes) * time.Minute
	}

	overrides, err := resolveCurfew(label, u.Curfew)
	if err != nil {
		return policy.UserPolicy{}, err
	}
	for day, w := range overrides {
		out.Curfew[day] = w
	}

	return out, nil
}

var weekdayFields = []struct {
	day   time.Weekday
	field func(CurfewConfig) string
}{
	{time.Monday, func(c CurfewConfig) string { return c.Monday }},
	{time.Tuesday, func(c CurfewConfig) string { return c.Tuesday }},
	{time.Wednesday, func(c CurfewConfig) string { return c.Wednesday }},
	{time.Thursday, func(c CurfewConfig) string { return c.Thursday }},
	{time.Friday, func(c CurfewConfig) string { return c.Friday }},
	{time.Saturday, func(c CurfewConfig) string { return c.Saturday }},
	{time.Sunday, func(c CurfewConfig) string { return c.Sunday }},
}

var weekdaysMonFri = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

// resolveCurfew turns a CurfewConfig into a per-weekday window map.
// Weekdays applies to Monday-Friday; specific-day fields override it.
func resolveCurfew(label string, c CurfewConfig) (map[time.Weekday]policy.Window, error) {
	out := map[time.Weekday]policy.Window{}
	if c.Weekdays != "" {
		w, err := parseWindow(label, "weekdays", c.Weekdays)
		if err != nil {
			return nil, err
		}
		for _, d := range weekdaysMonFri {
			out[d] = w
		}
	}
	for _, wf := range weekdayFields {
		v := wf.field(c)
		if v == "" {
			continue
		}
		w, err := parseWindow(label, wf.day.String(), v)
		if err != nil {
			return nil, err
		}
		out[wf.day] = w
	}
	return out, nil
}

func parseWindow(label, day, value string) (policy.Window, error) {
	start, end := splitWindow(value)
	if start == "" {
		return policy.Window{}, &policy.Error{Field: fmt.Sprintf("users.%s.curfew.%s", label, day), Value: value, Err: fmt.Errorf("malformed window")}
	}
	ts, err := clock.ParseTimeOfDay(start)
	if err != nil {
		return policy.Window{}, &policy.Error{Field: fmt.Sprintf("users.%s.curfew.%s", label, day), Value: value, Err: err}
	}
	te, err := clock.ParseTimeOfDay(end)
	if err != nil {
		return policy.Window{}, &policy.Error{Field: fmt.Sprintf("users.%s.curfew.%s", label, day), Value: value, Err: err}
	}
	return policy.Window{Start: ts, End: te}, nil
}

// warnUnknownKeys decodes data generically and logs a warning for any
// top-level key not recognised by Config's yaml tags. Unknown keys never
// fail validation: they are logged and otherwise ignored.
func warnUnknownKeys(data []byte, log *zap.Logger) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	known := map[string]bool{
		"timezone": true, "reset_time": true, "db_path": true,
		"ipc_socket": true, "notifications": true, "defaults": true,
		"users": true, "observability": true, "system": true,
	}
	for k := range raw {
		if !known[k] {
			log.Warn("config: unknown top-level key ignored", zap.String("key", k))
		}
	}
}
