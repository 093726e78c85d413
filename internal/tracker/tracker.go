// Package tracker maintains the set of active login sessions and the
// per-user usage totals for the current usage day: lock-interval
// accounting, restart recovery, and day rollover, all guarded by a
// single coarse mutex.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/loginsource"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
	"github.com/guardian-daemon/guardian-daemon/internal/storage"
)

// DefaultTickInterval is the fixed accounting cadence.
const DefaultTickInterval = 10 * time.Second

// DefaultFlushThreshold is the persisted/live divergence that forces an
// out-of-band storage flush.
const DefaultFlushThreshold = 15 * time.Second

// lockGraceHeuristic bounds the synthetic end_wall applied to storage-open
// sessions absent from a Resync: never adds more than 60s past the last
// recorded update.
const lockGraceHeuristic = 60 * time.Second

// sessionRuntime is the in-memory state for one active session.
type sessionRuntime struct {
	id               string
	username         string
	startWall        time.Time
	lastTick         time.Time // last instant live/locked accounting advanced from
	lockedSince      *time.Time
	persistedSeconds float64 // last value flushed to storage
	liveSeconds      float64 // lifetime-of-session total, monotonically non-decreasing
	dayBaseline      float64 // liveSeconds value at the start of the current UsageDay
}

// PolicyProvider returns the currently-accepted Policy snapshot.
type PolicyProvider func() *policy.Policy

// Tracker owns the live session set and the per-user usage totals.
type Tracker struct {
	clock  clock.Clock
	store  *storage.DB
	policy PolicyProvider
	log    *zap.Logger

	tickInterval   time.Duration
	flushThreshold time.Duration

	mu            sync.Mutex
	active        map[string]*sessionRuntime
	perUserTotals map[string]float64
	currentDayID  int64

	rollovers chan time.Time

	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink for active-session/throughput counts.
func (t *Tracker) SetMetrics(m *observability.Metrics) { t.metrics = m }

// New creates a Tracker. tickInterval/flushThreshold of zero select the
// package defaults.
func New(clk clock.Clock, store *storage.DB, pol PolicyProvider, log *zap.Logger, tickInterval, flushThreshold time.Duration) *Tracker {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if flushThreshold <= 0 {
		flushThreshold = DefaultFlushThreshold
	}
	t := &Tracker{
		clock:          clk,
		store:          store,
		policy:         pol,
		log:            log,
		tickInterval:   tickInterval,
		flushThreshold: flushThreshold,
		active:         make(map[string]*sessionRuntime),
		perUserTotals:  make(map[string]float64),
		rollovers:      make(chan time.Time, 1),
	}
	t.currentDayID = t.dayID(clk.Now())
	return t
}

// Rollovers emits the instant of each detected usage-day boundary
// crossing, for the Enforcer to consume.
func (t *Tracker) Rollovers() <-chan time.Time { return t.rollovers }

func (t *Tracker) dayID(now time.Time) int64 {
	pol := t.policy()
	return clock.UsageDayID(now, pol.ResetTime, pol.Location)
}

func (t *Tracker) resetInstant(now time.Time) time.Time {
	pol := t.policy()
	return clock.CurrentResetInstant(now, pol.ResetTime, pol.Location)
}

// Run drives the periodic tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs a single accounting pass against the clock's current
// reading. Exported so tests and the offline simulator can drive the
// tracker without Run's real-wallclock ticker.
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickLocked()
}

// tickLocked advances live accounting for every unlocked session,
// rebuilds totals, and flushes what's due. Caller holds t.mu.
func (t *Tracker) tickLocked() {
	now := t.clock.Now()

	newDayID := t.dayID(now)
	rolledOver := newDayID != t.currentDayID
	if rolledOver {
		t.rolloverLocked(now)
	}

	for _, rt := range t.active {
		if rt.lockedSince == nil {
			delta := now.Sub(rt.lastTick).Seconds()
			rt.liveSeconds += delta
			if t.metrics != nil {
				t.metrics.UsageSecondsTrackedTotal.Add(delta)
			}
		}
		rt.lastTick = now
	}

	if t.metrics != nil {
		t.metrics.ActiveSessions.Set(float64(len(t.active)))
	}

	t.recomputeTotalsLocked(now)
	t.flushDueLocked(now, false)
}

// rolloverLocked starts a new usage day: each active session is split
// for accounting (not closed); its contribution to the new day starts
// from the rollover instant.
func (t *Tracker) rolloverLocked(now time.Time) {
	t.currentDayID = t.dayID(now)
	boundary := t.resetInstant(now)
	for _, rt := range t.active {
		if rt.lockedSince == nil && rt.lastTick.Before(boundary) {
			delta := boundary.Sub(rt.lastTick).Seconds()
			rt.liveSeconds += delta
			if t.metrics != nil {
				t.metrics.UsageSecondsTrackedTotal.Add(delta)
			}
			rt.lastTick = boundary
		}
		rt.dayBaseline = rt.liveSeconds
	}
	t.perUserTotals = make(map[string]float64)
	select {
	case t.rollovers <- now:
	default:
	}
	t.log.Info("tracker: day rolled over", zap.String("component", "tracker"), zap.Time("at", now))
}

// recomputeTotalsLocked rebuilds per_user_totals as live contribution
// since the rollover (today's share of each active session) plus
// historical closed-session usage for the current UsageDay.
func (t *Tracker) recomputeTotalsLocked(now time.Time) {
	dayStart := t.resetInstant(now)
	totals := make(map[string]float64)
	for _, rt := range t.active {
		todayLive := rt.liveSeconds - rt.dayBaseline
		if todayLive < 0 {
			todayLive = 0
		}
		totals[rt.username] += todayLive
	}
	for username := range totals {
		closed, err := t.store.SumClosedUsage(username, dayStart, now)
		if err != nil {
			t.log.Error("tracker: sum_closed_usage failed, using live contribution only",
				zap.String("component", "tracker"), zap.String("operation", "tick"),
				zap.String("username", username), zap.Error(err))
			continue
		}
		totals[username] += closed
	}
	t.perUserTotals = totals
}

// flushDueLocked persists sessions whose live/persisted divergence
// crosses flushThreshold, or unconditionally when force is true (used on
// lock/unlock/close and shutdown).
func (t *Tracker) flushDueLocked(now time.Time, force bool) {
	for _, rt := range t.active {
		if !force && rt.liveSeconds-rt.persistedSeconds < t.flushThreshold.Seconds() {
			continue
		}
		if err := t.store.UpdateSessionProgress(rt.id, rt.liveSeconds, now); err != nil {
			t.log.Error("tracker: storage flush failed",
				zap.String("component", "tracker"), zap.String("operation", "flush"),
				zap.String("session_id", rt.id), zap.Error(err))
			continue
		}
		rt.persistedSeconds = rt.liveSeconds
		if t.metrics != nil {
			t.metrics.StorageFlushesTotal.Inc()
		}
	}
}

// HandleEvent applies one LoginSource event and re-ticks so per-event
// updates never lag behind the ticker cadence.
func (t *Tracker) HandleEvent(ev loginsource.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tickLocked()
	now := t.clock.Now()

	switch ev.Kind {
	case loginsource.EventNewSession:
		return t.openSessionLocked(ev.ID, ev.Username, now)

	case loginsource.EventRemovedSession:
		return t.closeSessionLocked(ev.ID, now)

	case loginsource.EventLocked:
		rt, ok := t.active[ev.ID]
		if !ok {
			return nil
		}
		if rt.lockedSince != nil {
			t.log.Warn("tracker: Locked on already-locked session (idempotent no-op)",
				zap.String("session_id", ev.ID))
			return nil
		}
		lockedAt := now
		rt.lockedSince = &lockedAt
		t.flushDueLocked(now, true)
		return nil

	case loginsource.EventUnlocked:
		rt, ok := t.active[ev.ID]
		if !ok {
			return nil
		}
		if rt.lockedSince == nil {
			t.log.Warn("tracker: Unlocked on already-unlocked session (idempotent no-op)",
				zap.String("session_id", ev.ID))
			return nil
		}
		rt.lockedSince = nil
		rt.lastTick = now // elapsed locked time is simply not counted
		t.flushDueLocked(now, true)
		return nil

	case loginsource.EventResync:
		return t.reconcileResyncLocked(ev.Sessions, now)
	}
	return nil
}

func (t *Tracker) openSessionLocked(id, username string, now time.Time) error {
	if _, exists := t.active[id]; exists {
		return nil // idempotent: Resync may re-report a session already open
	}
	rt := &sessionRuntime{
		id:        id,
		username:  username,
		startWall: now,
		lastTick:  now,
	}
	t.active[id] = rt
	if err := t.store.InsertSession(storage.SessionRecord{
		ID: id, Username: username, StartWall: now, LastUpdateWall: now,
	}); err != nil {
		return fmt.Errorf("tracker: insert_session: %w", err)
	}
	t.recomputeTotalsLocked(now)
	return nil
}

func (t *Tracker) closeSessionLocked(id string, now time.Time) error {
	rt, ok := t.active[id]
	if !ok {
		return nil
	}
	if rt.lockedSince == nil {
		rt.liveSeconds += now.Sub(rt.lastTick).Seconds()
	}
	if err := t.store.CloseSession(id, now, rt.liveSeconds); err != nil {
		return fmt.Errorf("tracker: close_session: %w", err)
	}
	delete(t.active, id)
	t.recomputeTotalsLocked(now)
	return nil
}

// reconcileResyncLocked treats a Resync as ground truth: close
// sessions the tracker believes open but which the bus no longer reports,
// and adopt sessions the bus reports that the tracker doesn't know about.
func (t *Tracker) reconcileResyncLocked(sessions []loginsource.SessionInfo, now time.Time) error {
	seen := make(map[string]bool, len(sessions))
	for _, si := range sessions {
		seen[si.ID] = true
		rt, ok := t.active[si.ID]
		if !ok {
			if err := t.openSessionLocked(si.ID, si.Username, now); err != nil {
				t.log.Error("tracker: resync adopt failed", zap.String("session_id", si.ID), zap.Error(err))
			}
			rt = t.active[si.ID]
		}
		if rt == nil {
			continue
		}
		switch {
		case si.Locked && rt.lockedSince == nil:
			lockedAt := now
			rt.lockedSince = &lockedAt
		case !si.Locked && rt.lockedSince != nil:
			rt.lockedSince = nil
			rt.lastTick = now
		}
	}
	for id := range t.active {
		if !seen[id] {
			if err := t.closeSessionLocked(id, now); err != nil {
				t.log.Error("tracker: resync close-unknown failed", zap.String("session_id", id), zap.Error(err))
			}
		}
	}
	t.recomputeTotalsLocked(now)
	return nil
}

// RestartRecovery restores the tracker after a daemon restart: load open
// sessions from Storage, compare against a Resync snapshot, and
// reconcile so accumulated usage never regresses.
func (t *Tracker) RestartRecovery(resync []loginsource.SessionInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	open, err := t.store.ListOpenSessions()
	if err != nil {
		return fmt.Errorf("tracker: restart recovery: list_open_sessions: %w", err)
	}

	resyncByID := make(map[string]loginsource.SessionInfo, len(resync))
	for _, si := range resync {
		resyncByID[si.ID] = si
	}

	dayStart := t.resetInstant(now)
	for _, rec := range open {
		si, stillOpen := resyncByID[rec.ID]
		if !stillOpen {
			// Close using min(last_update_wall + grace, now), grace <= 60s.
			end := rec.LastUpdateWall.Add(lockGraceHeuristic)
			if end.After(now) {
				end = now
			}
			if err := t.store.CloseSession(rec.ID, end, rec.AccumulatedSeconds); err != nil {
				t.log.Error("tracker: restart recovery close failed", zap.String("session_id", rec.ID), zap.Error(err))
			}
			continue
		}
		delete(resyncByID, rec.ID)

		// Adopt accumulated_seconds from storage; anchor so
		// live_seconds(now) = stored total. Usage never regresses.
		rt := &sessionRuntime{
			id:               rec.ID,
			username:         rec.Username,
			startWall:        rec.StartWall,
			lastTick:         now,
			persistedSeconds: rec.AccumulatedSeconds,
			liveSeconds:      rec.AccumulatedSeconds,
		}
		if si.Locked {
			lockedAt := now
			rt.lockedSince = &lockedAt
		}
		// A session spanning the reset instant: approximate its
		// pre-rollover portion proportionally by elapsed wall time, so
		// today's share excludes time already attributed to the prior day.
		if rec.StartWall.Before(dayStart) {
			rt.dayBaseline = storage.OverlapSeconds(storage.SessionRecord{
				StartWall:          rec.StartWall,
				LastUpdateWall:     rec.LastUpdateWall,
				AccumulatedSeconds: rec.AccumulatedSeconds,
			}, rec.StartWall, dayStart)
		}
		t.active[rec.ID] = rt
	}

	// Resync sessions absent from storage open with accumulated=0.
	for id, si := range resyncByID {
		if err := t.openSessionLocked(id, si.Username, now); err != nil {
			t.log.Error("tracker: restart recovery open failed", zap.String("session_id", id), zap.Error(err))
		}
	}

	t.recomputeTotalsLocked(now)
	t.log.Info("tracker: restart recovery complete",
		zap.String("component", "tracker"), zap.Int("recovered", len(open)), zap.Int("adopted_new", len(resyncByID)))
	return nil
}

// ─── Read-only snapshot operations exposed to Enforcer ─────────────────────

// UsedSeconds returns the current usage-day total for username. The
// cached totals only cover users with at least one active session; for
// an idle user the closed-session history answers instead, so get-quota
// stays accurate after logout.
func (t *Tracker) UsedSeconds(username string) float64 {
	t.mu.Lock()
	total, active := t.perUserTotals[username]
	t.mu.Unlock()
	if active {
		return total
	}
	now := t.clock.Now()
	closed, err := t.store.SumClosedUsage(username, t.resetInstant(now), now)
	if err != nil {
		t.log.Warn("tracker: sum_closed_usage for idle user failed",
			zap.String("username", username), zap.Error(err))
		return 0
	}
	return closed
}

// RemainingSeconds returns quota + bonus − used, clamped to >= 0.
func (t *Tracker) RemainingSeconds(username string) float64 {
	used := t.UsedSeconds(username)
	t.mu.Lock()
	dayID := t.currentDayID
	t.mu.Unlock()

	pol := t.policy()
	up, ok := pol.ForUser(username)
	if !ok {
		return 0
	}
	bonus, err := t.store.SumBonus(username, dayID)
	if err != nil {
		t.log.Warn("tracker: sum_bonus failed, ignoring bonus", zap.String("username", username), zap.Error(err))
		bonus = 0
	}
	remaining := up.DailyQuota.Seconds() + float64(bonus) - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ActiveManagedUsers returns the set of usernames with at least one
// active session.
func (t *Tracker) ActiveManagedUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, rt := range t.active {
		if !seen[rt.username] {
			seen[rt.username] = true
			out = append(out, rt.username)
		}
	}
	return out
}

// SessionsOf returns the active session ids belonging to username.
func (t *Tracker) SessionsOf(username string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, rt := range t.active {
		if rt.username == username {
			out = append(out, id)
		}
	}
	return out
}

// CurrentDayStartWall returns the current UsageDay's bonus key, exported
// for AdminIpc's grant-bonus command.
func (t *Tracker) CurrentDayStartWall() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentDayID
}

// Flush forces an unconditional storage flush of every active session;
// called by the supervisor during shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.tickLocked()
	t.flushDueLocked(now, true)
}
