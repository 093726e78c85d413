package tracker

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/loginsource"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
	"github.com/guardian-daemon/guardian-daemon/internal/storage"
)

const testUser = "alice"

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Users: map[string]policy.UserPolicy{
			testUser: {Username: testUser, DailyQuota: 60 * time.Minute},
		},
		ResetTime: clock.TimeOfDay{Hour: 3, Minute: 0},
		Location:  time.UTC,
	}
}

func newTestTracker(t *testing.T, clk *clock.Fake) *Tracker {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "guardian.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pol := testPolicy()
	return New(clk, db, func() *policy.Policy { return pol }, zap.NewNop(), time.Second, time.Hour)
}

func openSession(t *testing.T, trk *Tracker, id, username string) {
	t.Helper()
	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventNewSession, ID: id, Username: username}); err != nil {
		t.Fatalf("HandleEvent(NewSession %s): %v", id, err)
	}
}

func TestTrackerUsageAccumulatesWhileUnlocked(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	trk := newTestTracker(t, clk)
	openSession(t, trk, "s1", testUser)

	clk.Advance(5 * time.Minute)
	trk.Tick()

	used := trk.UsedSeconds(testUser)
	if used < 299 || used > 301 {
		t.Errorf("UsedSeconds = %v, want ~300", used)
	}
}

func TestTrackerLockPausesAccounting(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	trk := newTestTracker(t, clk)
	openSession(t, trk, "s1", testUser)

	clk.Advance(time.Minute)
	trk.Tick()
	beforeLock := trk.UsedSeconds(testUser)

	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventLocked, ID: "s1"}); err != nil {
		t.Fatalf("HandleEvent(Locked): %v", err)
	}

	clk.Advance(10 * time.Minute)
	trk.Tick()
	duringLock := trk.UsedSeconds(testUser)
	if duringLock != beforeLock {
		t.Errorf("UsedSeconds advanced while locked: before=%v during=%v", beforeLock, duringLock)
	}

	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventUnlocked, ID: "s1"}); err != nil {
		t.Fatalf("HandleEvent(Unlocked): %v", err)
	}
	clk.Advance(time.Minute)
	trk.Tick()
	afterUnlock := trk.UsedSeconds(testUser)
	if afterUnlock <= duringLock {
		t.Errorf("UsedSeconds did not resume after unlock: during=%v after=%v", duringLock, afterUnlock)
	}
}

func TestTrackerRemainingSecondsClampsAtZero(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	trk := newTestTracker(t, clk)
	openSession(t, trk, "s1", testUser)

	clk.Advance(2 * time.Hour) // well past the 60-minute quota
	trk.Tick()

	if got := trk.RemainingSeconds(testUser); got != 0 {
		t.Errorf("RemainingSeconds = %v, want 0", got)
	}
}

func TestTrackerRemainingSecondsForUnmanagedUserIsZero(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	trk := newTestTracker(t, clk)
	if got := trk.RemainingSeconds("nobody"); got != 0 {
		t.Errorf("RemainingSeconds(unmanaged) = %v, want 0", got)
	}
}

func TestTrackerDayRolloverSplitsUsageWithoutClosingSession(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 2, 55, 0, 0, time.UTC)) // reset at 03:00
	trk := newTestTracker(t, clk)
	openSession(t, trk, "s1", testUser)

	clk.Advance(4 * time.Minute) // now 02:59, still pre-rollover
	trk.Tick()
	preRollover := trk.UsedSeconds(testUser)
	if preRollover < 239 || preRollover > 241 {
		t.Fatalf("UsedSeconds pre-rollover = %v, want ~240", preRollover)
	}

	clk.Advance(2 * time.Minute) // now 03:01, crosses the reset instant
	trk.Tick()

	select {
	case <-trk.Rollovers():
	default:
		t.Fatal("expected a rollover notification on the Rollovers channel")
	}

	// The session must remain open across the rollover.
	if sessions := trk.SessionsOf(testUser); len(sessions) != 1 {
		t.Errorf("SessionsOf after rollover = %v, want 1 open session", sessions)
	}

	// Today's usage total resets to just the post-rollover contribution,
	// not the accumulated total from before the boundary.
	postRollover := trk.UsedSeconds(testUser)
	if postRollover >= preRollover {
		t.Errorf("UsedSeconds after rollover = %v, want less than pre-rollover %v", postRollover, preRollover)
	}
}

func TestTrackerRestartRecoveryClosesSessionsGoneFromResync(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	db, err := storage.Open(filepath.Join(t.TempDir(), "guardian.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()

	start := clk.Now().Add(-10 * time.Minute)
	if err := db.InsertSession(storage.SessionRecord{
		ID: "gone", Username: testUser, StartWall: start, LastUpdateWall: start.Add(5 * time.Minute), AccumulatedSeconds: 300,
	}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	pol := testPolicy()
	trk := New(clk, db, func() *policy.Policy { return pol }, zap.NewNop(), time.Second, time.Hour)

	if err := trk.RestartRecovery(nil); err != nil {
		t.Fatalf("RestartRecovery: %v", err)
	}

	open, err := db.ListOpenSessions()
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListOpenSessions after recovery = %+v, want the stale session closed", open)
	}
}

func TestTrackerRestartRecoveryAdoptsStillOpenSession(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	db, err := storage.Open(filepath.Join(t.TempDir(), "guardian.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()

	start := clk.Now().Add(-10 * time.Minute)
	if err := db.InsertSession(storage.SessionRecord{
		ID: "still-open", Username: testUser, StartWall: start, LastUpdateWall: clk.Now(), AccumulatedSeconds: 600,
	}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	pol := testPolicy()
	trk := New(clk, db, func() *policy.Policy { return pol }, zap.NewNop(), time.Second, time.Hour)

	resync := []loginsource.SessionInfo{{ID: "still-open", Username: testUser}}
	if err := trk.RestartRecovery(resync); err != nil {
		t.Fatalf("RestartRecovery: %v", err)
	}

	sessions := trk.SessionsOf(testUser)
	if len(sessions) != 1 || sessions[0] != "still-open" {
		t.Errorf("SessionsOf after recovery = %v, want [still-open]", sessions)
	}
	// Usage must not regress below the previously accumulated total.
	if got := trk.UsedSeconds(testUser); got < 599 {
		t.Errorf("UsedSeconds after recovery = %v, want >= ~600", got)
	}
}

func TestTrackerCloseSessionRemovesFromActive(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	trk := newTestTracker(t, clk)
	openSession(t, trk, "s1", testUser)

	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventRemovedSession, ID: "s1"}); err != nil {
		t.Fatalf("HandleEvent(RemovedSession): %v", err)
	}
	if sessions := trk.SessionsOf(testUser); len(sessions) != 0 {
		t.Errorf("SessionsOf after close = %v, want empty", sessions)
	}
}
