package enforcer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/notify"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

const testUser = "alice"

// fakeTracker is a minimal, test-controlled implementation of the
// enforcer.Tracker interface.
type fakeTracker struct {
	mu        sync.Mutex
	remaining float64
	sessions  []string
}

func (f *fakeTracker) RemainingSeconds(string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

func (f *fakeTracker) ActiveManagedUsers() []string { return []string{testUser} }

func (f *fakeTracker) SessionsOf(string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeTracker) setRemaining(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = v
}

func (f *fakeTracker) closeAllSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = nil
}

// fakeTerminator counts TerminateUser calls and can be made to fail.
type fakeTerminator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTerminator) TerminateUser(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeTerminator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPolicy(graceEnabled bool, graceDuration time.Duration) *policy.Policy {
	return &policy.Policy{
		Users: map[string]policy.UserPolicy{
			testUser: {
				Username:   testUser,
				DailyQuota: 60 * time.Minute,
				Grace:      graceDuration,
			},
		},
		Notifications: policy.Notifications{
			PreQuotaWarn: []time.Duration{5 * time.Minute, 1 * time.Minute},
			Grace: policy.GracePeriod{
				Enabled:  graceEnabled,
				Duration: graceDuration,
				Interval: 30 * time.Second,
			},
		},
	}
}

func newTestEnforcer(tracker Tracker, term Terminator, pol *policy.Policy) *Enforcer {
	return New(tracker, func() *policy.Policy { return pol }, notify.New(zap.NewNop()), term, zap.NewNop(), time.Second)
}

func TestEnforcerWarningThenGraceThenTerminating(t *testing.T) {
	pol := testPolicy(true, 2*time.Minute)
	pol.Users[testUser] = policy.UserPolicy{Username: testUser, DailyQuota: 60 * time.Minute, Grace: 2 * time.Minute}
	tracker := &fakeTracker{remaining: 4 * time.Minute.Seconds(), sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	enf.Tick(ctx, now) // crosses the 5-minute threshold (remaining=4min) -> Warning
	if got := enf.Phase(testUser); got != PhaseWarning {
		t.Fatalf("Phase after first tick = %v, want Warning", got)
	}

	tracker.setRemaining(0)
	now = now.Add(time.Second)
	enf.Tick(ctx, now) // exhausted, grace enabled -> Grace
	if got := enf.Phase(testUser); got != PhaseGrace {
		t.Fatalf("Phase after exhaustion = %v, want Grace", got)
	}

	now = now.Add(3 * time.Minute) // grace duration (2m) elapsed
	enf.Tick(ctx, now)
	if got := enf.Phase(testUser); got != PhaseTerminating {
		t.Fatalf("Phase after grace elapsed = %v, want Terminating", got)
	}
	if term.callCount() == 0 {
		t.Error("expected Terminator.TerminateUser to have been called")
	}
}

func TestEnforcerSkipsGraceWhenDisabled(t *testing.T) {
	pol := testPolicy(false, 0)
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	now := time.Now()
	enf.Tick(context.Background(), now)

	if got := enf.Phase(testUser); got != PhaseTerminating {
		t.Fatalf("Phase with grace disabled and remaining=0 = %v, want Terminating", got)
	}
}

func TestEnforcerTerminatedOnceSessionsClose(t *testing.T) {
	pol := testPolicy(false, 0)
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	ctx := context.Background()
	now := time.Now()
	enf.Tick(ctx, now) // -> Terminating, terminate attempted

	tracker.closeAllSessions()
	now = now.Add(6 * time.Second) // past retrySpacing, irrelevant here
	enf.Tick(ctx, now)

	if got := enf.Phase(testUser); got != PhaseTerminated {
		t.Fatalf("Phase after sessions closed = %v, want Terminated", got)
	}
}

func TestEnforcerDebounceNeverReturnsToEarlierPhase(t *testing.T) {
	pol := testPolicy(false, 0)
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	ctx := context.Background()
	now := time.Now()
	enf.Tick(ctx, now) // -> Terminating

	// Remaining jumps back up (e.g. a clock correction) — must not un-terminate.
	tracker.setRemaining(3600)
	now = now.Add(10 * time.Second)
	enf.Tick(ctx, now)

	if got := enf.Phase(testUser); got != PhaseTerminating {
		t.Fatalf("Phase regressed after remaining increased = %v, want still Terminating", got)
	}
}

func TestEnforcerTerminateRetriesAreSpacedAndCapped(t *testing.T) {
	pol := testPolicy(false, 0)
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{err: errors.New("dbus: no reply")}
	enf := newTestEnforcer(tracker, term, pol)

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < maxTerminateRetries+3; i++ {
		enf.Tick(ctx, now)
		now = now.Add(retrySpacing + time.Second)
	}

	if got := term.callCount(); got != maxTerminateRetries {
		t.Errorf("TerminateUser call count = %d, want capped at %d", got, maxTerminateRetries)
	}
	if got := enf.Phase(testUser); got != PhaseTerminating {
		t.Errorf("Phase after exhausting retries = %v, want still Terminating (never silently drops a user)", got)
	}
}

func TestEnforcerHandleRolloverResetsToNormal(t *testing.T) {
	pol := testPolicy(false, 0)
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	enf.Tick(context.Background(), time.Now()) // -> Terminating
	if got := enf.Phase(testUser); got == PhaseNormal {
		t.Fatal("precondition failed: expected a non-Normal phase before rollover")
	}

	enf.HandleRollover(time.Now())
	if got := enf.Phase(testUser); got != PhaseNormal {
		t.Errorf("Phase after HandleRollover = %v, want Normal", got)
	}
}

func TestEnforcerUnmanagedUserNeverEvaluated(t *testing.T) {
	pol := &policy.Policy{Users: map[string]policy.UserPolicy{}}
	tracker := &fakeTracker{remaining: 0, sessions: []string{"s1"}}
	term := &fakeTerminator{}
	enf := newTestEnforcer(tracker, term, pol)

	enf.Tick(context.Background(), time.Now())

	if got := enf.Phase(testUser); got != PhaseNormal {
		t.Errorf("Phase for unmanaged user = %v, want Normal (never touched)", got)
	}
	if term.callCount() != 0 {
		t.Error("Terminator must never be invoked for an unmanaged user")
	}
}
