package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)
	if err := db.checkSchemaVersion(); err != nil {
		t.Errorf("checkSchemaVersion: %v", err)
	}
}

func TestInsertUpdateCloseSession(t *testing.T) {
	db := openTestDB(t)
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	if err := db.InsertSession(SessionRecord{ID: "s1", Username: "alice", StartWall: start, LastUpdateWall: start}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	open, err := db.ListOpenSessions()
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 1 || open[0].ID != "s1" {
		t.Fatalf("ListOpenSessions = %+v, want one open session s1", open)
	}

	if err := db.UpdateSessionProgress("s1", 120, start.Add(2*time.Minute)); err != nil {
		t.Fatalf("UpdateSessionProgress: %v", err)
	}

	if err := db.CloseSession("s1", start.Add(5*time.Minute), 300); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	open, err = db.ListOpenSessions()
	if err != nil {
		t.Fatalf("ListOpenSessions after close: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("ListOpenSessions after close = %+v, want empty", open)
	}
}

func TestSumClosedUsageOnlyCountsClosedSessions(t *testing.T) {
	db := openTestDB(t)
	dayStart := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	start := dayStart.Add(time.Hour)
	end := start.Add(10 * time.Minute)

	if err := db.InsertSession(SessionRecord{ID: "closed", Username: "alice", StartWall: start, LastUpdateWall: start}); err != nil {
		t.Fatalf("InsertSession closed: %v", err)
	}
	if err := db.CloseSession("closed", end, 600); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	if err := db.InsertSession(SessionRecord{ID: "open", Username: "alice", StartWall: start, LastUpdateWall: end}); err != nil {
		t.Fatalf("InsertSession open: %v", err)
	}

	total, err := db.SumClosedUsage("alice", dayStart, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("SumClosedUsage: %v", err)
	}
	if total != 600 {
		t.Errorf("SumClosedUsage = %v, want 600 (open session must be excluded)", total)
	}
}

func TestGrantBonusAccumulates(t *testing.T) {
	db := openTestDB(t)
	dayID := int64(12345)

	if err := db.GrantBonus("alice", dayID, 300); err != nil {
		t.Fatalf("GrantBonus: %v", err)
	}
	if err := db.GrantBonus("alice", dayID, 120); err != nil {
		t.Fatalf("GrantBonus: %v", err)
	}

	total, err := db.SumBonus("alice", dayID)
	if err != nil {
		t.Fatalf("SumBonus: %v", err)
	}
	if total != 420 {
		t.Errorf("SumBonus = %d, want 420", total)
	}

	// A different day's bonus key must not see this day's grant: no carryover.
	other, err := db.SumBonus("alice", dayID+86400)
	if err != nil {
		t.Fatalf("SumBonus other day: %v", err)
	}
	if other != 0 {
		t.Errorf("SumBonus for a different day = %d, want 0", other)
	}
}

func TestLastResetWallRoundTrip(t *testing.T) {
	db := openTestDB(t)

	zero, err := db.LastResetWall()
	if err != nil {
		t.Fatalf("LastResetWall before set: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("LastResetWall before set = %v, want zero", zero)
	}

	stamp := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if err := db.SetLastResetWall(stamp); err != nil {
		t.Fatalf("SetLastResetWall: %v", err)
	}
	got, err := db.LastResetWall()
	if err != nil {
		t.Fatalf("LastResetWall after set: %v", err)
	}
	if !got.Equal(stamp) {
		t.Errorf("LastResetWall = %v, want %v", got, stamp)
	}
}

func TestSyncConfigReplacesContents(t *testing.T) {
	db := openTestDB(t)

	if err := db.SyncConfig(map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SyncConfig: %v", err)
	}
	if err := db.SyncConfig(map[string]string{"c": "3"}); err != nil {
		t.Fatalf("SyncConfig again: %v", err)
	}

	got, err := db.ConfigMirror()
	if err != nil {
		t.Fatalf("ConfigMirror: %v", err)
	}
	if len(got) != 1 || got["c"] != "3" {
		t.Errorf("ConfigMirror = %v, want only {c: 3}", got)
	}
}

func TestOverlapSecondsClipsToWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	rec := SessionRecord{StartWall: start, LastUpdateWall: end, AccumulatedSeconds: 600}

	// Fully inside the window: full total.
	if got := OverlapSeconds(rec, start.Add(-time.Hour), end.Add(time.Hour)); got != 600 {
		t.Errorf("OverlapSeconds (full containment) = %v, want 600", got)
	}

	// Half the session's wall-clock span: roughly half the accumulated total.
	mid := start.Add(5 * time.Minute)
	got := OverlapSeconds(rec, start, mid)
	if got < 295 || got > 305 {
		t.Errorf("OverlapSeconds (half window) = %v, want ~300", got)
	}

	// No overlap at all.
	if got := OverlapSeconds(rec, end.Add(time.Hour), end.Add(2*time.Hour)); got != 0 {
		t.Errorf("OverlapSeconds (no overlap) = %v, want 0", got)
	}
}
