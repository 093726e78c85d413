// Package clock provides the monotonic/wall-clock abstraction and the
// reset-day boundary math shared by the tracker, enforcer, and systemd
// writer. A Clock is injected into every component that needs to
// read time so tests can drive them against a synthetic timeline instead
// of the real one.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock abstracts time.Now() so components are testable against a
// synthetic timeline. time.Time values returned by a real Clock carry
// Go's monotonic reading, which is what lets live-seconds accumulation
// survive wall-clock jumps.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now().
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a Clock for tests: time only advances when told to, and it
// never carries a monotonic reading (time.Time literals built from a
// fixed instant do not), which is deliberate — tests exercise the
// monotonic-vs-wall accounting explicitly rather than relying on the
// runtime's monotonic clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock fixed at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// TimeOfDay is a wall-clock hour:minute, parsed from the "HH:MM" form
// used for reset_time and curfew endpoints throughout configuration.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24h form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("clock: invalid time-of-day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("clock: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("clock: invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// instantOn builds the wall-clock instant for TimeOfDay on the calendar
// day of reference, in loc.
func (t TimeOfDay) instantOn(reference time.Time, loc *time.Location) time.Time {
	ref := reference.In(loc)
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// CurrentResetInstant returns the most recent reset instant at or before
// now — the start of now's current UsageDay.
func CurrentResetInstant(now time.Time, resetTime TimeOfDay, loc *time.Location) time.Time {
	candidate := resetTime.instantOn(now, loc)
	if candidate.After(now) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// NextResetInstant returns the first reset instant strictly after now.
func NextResetInstant(now time.Time, resetTime TimeOfDay, loc *time.Location) time.Time {
	current := CurrentResetInstant(now, resetTime, loc)
	return current.AddDate(0, 0, 1)
}

// UsageDayID returns a stable identifier for the UsageDay containing now,
// suitable as a map key or storage mirror key: the reset instant itself,
// expressed as a Unix timestamp in UTC.
func UsageDayID(now time.Time, resetTime TimeOfDay, loc *time.Location) int64 {
	return CurrentResetInstant(now, resetTime, loc).Unix()
}
