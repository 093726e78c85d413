package policy

import (
	"testing"
	"time"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
)

func TestWindowContains(t *testing.T) {
	w := Window{Start: clock.TimeOfDay{Hour: 8, Minute: 0}, End: clock.TimeOfDay{Hour: 20, Minute: 0}}

	tests := []struct {
		t    clock.TimeOfDay
		want bool
	}{
		{clock.TimeOfDay{Hour: 8, Minute: 0}, true},   // start is inclusive
		{clock.TimeOfDay{Hour: 19, Minute: 59}, true},
		{clock.TimeOfDay{Hour: 20, Minute: 0}, false},  // end is exclusive
		{clock.TimeOfDay{Hour: 7, Minute: 59}, false},
		{clock.TimeOfDay{Hour: 0, Minute: 0}, false},
	}
	for _, tc := range tests {
		if got := w.Contains(tc.t); got != tc.want {
			t.Errorf("Contains(%v) = %v, want %v", tc.t, got, tc.want)
		}
	}
}

func TestForUserAndIsManaged(t *testing.T) {
	pol := &Policy{
		Users: map[string]UserPolicy{
			"alice": {Username: "alice", DailyQuota: 90 * time.Minute},
		},
	}

	if !pol.IsManaged("alice") {
		t.Error("alice should be managed")
	}
	if pol.IsManaged("bob") {
		t.Error("bob should not be managed")
	}

	up, ok := pol.ForUser("alice")
	if !ok || up.DailyQuota != 90*time.Minute {
		t.Errorf("ForUser(alice) = %+v, %v", up, ok)
	}
	if _, ok := pol.ForUser("bob"); ok {
		t.Error("ForUser(bob) should report not-managed")
	}
}

func TestManagedUsernamesSorted(t *testing.T) {
	pol := &Policy{
		Users: map[string]UserPolicy{
			"zed":   {},
			"alice": {},
			"mike":  {},
		},
	}
	got := pol.ManagedUsernames()
	want := []string{"alice", "mike", "zed"}
	if len(got) != len(want) {
		t.Fatalf("ManagedUsernames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ManagedUsernames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSortedPreQuotaWarn(t *testing.T) {
	in := []time.Duration{10 * time.Minute, 1 * time.Minute, 5 * time.Minute}
	out := SortedPreQuotaWarn(in)
	want := []time.Duration{1 * time.Minute, 5 * time.Minute, 10 * time.Minute}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("SortedPreQuotaWarn()[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	// Input slice must not be mutated.
	if in[0] != 10*time.Minute {
		t.Error("SortedPreQuotaWarn must not mutate its input")
	}
}
