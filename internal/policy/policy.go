// Package policy provides the typed, immutable view over loaded
// configuration: per-user resolution of quotas, curfews, and
// notification thresholds. A Policy is built once by the config package
// from a validated Config and handed to consumers (PamWriter,
// SystemdWriter, Enforcer) as an immutable snapshot — replacement is
// atomic, never mutation in place.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
)

// Window is a single curfew permit window on a given weekday, in local
// wall-clock time-of-day.
type Window struct {
	Start clock.TimeOfDay
	End   clock.TimeOfDay
}

// Contains reports whether the wall-clock time-of-day t on the window's
// weekday falls inside [Start, End).
func (w Window) Contains(t clock.TimeOfDay) bool {
	startMin := w.Start.Hour*60 + w.Start.Minute
	endMin := w.End.Hour*60 + w.End.Minute
	tMin := t.Hour*60 + t.Minute
	return tMin >= startMin && tMin < endMin
}

// UserPolicy is the fully-resolved policy for a single managed user:
// defaults already merged with any per-user override.
type UserPolicy struct {
	Username   string
	DailyQuota time.Duration
	Curfew     map[time.Weekday]Window
	Grace      time.Duration
}

// GracePeriod controls the Warning→Grace→Terminating escalation timing.
type GracePeriod struct {
	Enabled  bool
	Duration time.Duration
	Interval time.Duration
}

// Notifications holds the pre-exhaustion warning thresholds and the
// grace period parameters, shared by every managed user.
type Notifications struct {
	// PreQuotaWarn is the ordered set of "minutes remaining" thresholds,
	// sorted ascending (smallest = most urgent).
	PreQuotaWarn []time.Duration
	Grace        GracePeriod
}

// Policy is the typed, immutable view over the currently-accepted
// configuration.
type Policy struct {
	Users         map[string]UserPolicy
	Defaults      UserPolicy
	Notifications Notifications
	ResetTime     clock.TimeOfDay
	Location      *time.Location
	TimezoneName  string
	DBPath        string
	IPCSocket     string
}

// SortedPreQuotaWarn returns the thresholds sorted ascending; used by the
// Enforcer to find the next unnotified threshold and to tie-break.
func SortedPreQuotaWarn(thresholds []time.Duration) []time.Duration {
	out := make([]time.Duration, len(thresholds))
	copy(out, thresholds)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForUser returns the resolved UserPolicy for username, and whether the
// user is managed at all. A username absent from Users is never managed
// and never restricted.
func (p *Policy) ForUser(username string) (UserPolicy, bool) {
	u, ok := p.Users[username]
	return u, ok
}

// IsManaged reports whether username appears in the policy's user set.
func (p *Policy) IsManaged(username string) bool {
	_, ok := p.Users[username]
	return ok
}

// ManagedUsernames returns the sorted list of managed usernames, used by
// PamWriter/SystemdWriter to produce a deterministic reconciliation diff
// and by AdminIpc's list-kids command.
func (p *Policy) ManagedUsernames() []string {
	out := make([]string, 0, len(p.Users))
	for u := range p.Users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// UsernamePattern validates configured usernames: it prevents
// path/command injection anywhere a username flows into a generated PAM
// rule, systemd unit name, or D-Bus well-known name fragment.
const UsernamePattern = `^[a-z_][a-z0-9_-]{0,31}$`

// Error is returned by resolution helpers on a malformed curfew window.
type Error struct {
	Field string
	Value string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("policy: invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
