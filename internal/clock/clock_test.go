package clock

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"03:00", TimeOfDay{3, 0}, false},
		{"23:59", TimeOfDay{23, 59}, false},
		{"00:00", TimeOfDay{0, 0}, false},
		{"24:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
		{"12", TimeOfDay{}, true},
	}
	for _, tc := range tests {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTimeOfDayString(t *testing.T) {
	if got := (TimeOfDay{Hour: 3, Minute: 5}).String(); got != "03:05" {
		t.Errorf("String() = %q, want %q", got, "03:05")
	}
}

func TestCurrentResetInstant(t *testing.T) {
	loc := time.UTC
	resetTime := TimeOfDay{Hour: 3, Minute: 0}

	// Before today's reset instant: current reset is yesterday's.
	now := time.Date(2026, 1, 15, 2, 0, 0, 0, loc)
	want := time.Date(2026, 1, 14, 3, 0, 0, 0, loc)
	if got := CurrentResetInstant(now, resetTime, loc); !got.Equal(want) {
		t.Errorf("CurrentResetInstant before reset = %v, want %v", got, want)
	}

	// After today's reset instant: current reset is today's.
	now = time.Date(2026, 1, 15, 4, 0, 0, 0, loc)
	want = time.Date(2026, 1, 15, 3, 0, 0, 0, loc)
	if got := CurrentResetInstant(now, resetTime, loc); !got.Equal(want) {
		t.Errorf("CurrentResetInstant after reset = %v, want %v", got, want)
	}

	// Exactly at the reset instant counts as "at or before".
	now = time.Date(2026, 1, 15, 3, 0, 0, 0, loc)
	if got := CurrentResetInstant(now, resetTime, loc); !got.Equal(now) {
		t.Errorf("CurrentResetInstant at reset = %v, want %v", got, now)
	}
}

func TestNextResetInstant(t *testing.T) {
	loc := time.UTC
	resetTime := TimeOfDay{Hour: 3, Minute: 0}
	now := time.Date(2026, 1, 15, 4, 0, 0, 0, loc)
	want := time.Date(2026, 1, 16, 3, 0, 0, 0, loc)
	if got := NextResetInstant(now, resetTime, loc); !got.Equal(want) {
		t.Errorf("NextResetInstant = %v, want %v", got, want)
	}
}

func TestUsageDayIDStableAcrossSameDay(t *testing.T) {
	loc := time.UTC
	resetTime := TimeOfDay{Hour: 3, Minute: 0}
	a := time.Date(2026, 1, 15, 4, 0, 0, 0, loc)
	b := time.Date(2026, 1, 15, 23, 0, 0, 0, loc)
	if UsageDayID(a, resetTime, loc) != UsageDayID(b, resetTime, loc) {
		t.Error("UsageDayID should be stable across the same UsageDay")
	}

	c := time.Date(2026, 1, 16, 4, 0, 0, 0, loc)
	if UsageDayID(a, resetTime, loc) == UsageDayID(c, resetTime, loc) {
		t.Error("UsageDayID should differ across a reset boundary")
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", f.Now(), start)
	}
	f.Advance(90 * time.Second)
	if want := start.Add(90 * time.Second); !f.Now().Equal(want) {
		t.Errorf("after Advance: Now() = %v, want %v", f.Now(), want)
	}
	pinned := start.AddDate(0, 0, 5)
	f.Set(pinned)
	if !f.Now().Equal(pinned) {
		t.Errorf("after Set: Now() = %v, want %v", f.Now(), pinned)
	}
}
