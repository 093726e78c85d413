// Package main — cmd/guardian-simulate/main.go
//
// guardian-simulate is an offline validation tool: it drives a real
// tracker.Tracker + enforcer.Enforcer pair through a synthetic
// login/lock/unlock event timeline on a fake clock and checks the
// outcome against one of the scenarios documented alongside the
// enforcement state machine (exhaustion-with-grace, lock-pauses-the-
// countdown, usage resets across a day rollover).
//
// This is a developer/test aid, not part of the daemon's runtime
// surface — mirroring the separation between the daemon binary and its
// own offline validation tool.
//
// Output: per-tick CSV to stdout (wall_time, phase, remaining_seconds).
// Summary: scenario verdict to stderr.
// Exit: 0 on PASS, 2 on FAIL, 1 on a setup error.
//
// Usage:
//
//	guardian-simulate -scenario s1
//	guardian-simulate -scenario s2 -quota-minutes 30 -grace-minutes 5
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/clock"
	"github.com/guardian-daemon/guardian-daemon/internal/enforcer"
	"github.com/guardian-daemon/guardian-daemon/internal/loginsource"
	"github.com/guardian-daemon/guardian-daemon/internal/notify"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
	"github.com/guardian-daemon/guardian-daemon/internal/storage"
	"github.com/guardian-daemon/guardian-daemon/internal/tracker"
)

const simUser = "simuser"

func main() {
	scenario := flag.String("scenario", "s1", "Scenario to run: s1 (exhaustion+grace), s2 (lock pauses countdown), s4 (day rollover)")
	quotaMinutes := flag.Int("quota-minutes", 10, "Daily quota in minutes")
	graceMinutes := flag.Int("grace-minutes", 2, "Grace period duration in minutes")
	tickSeconds := flag.Int("tick-seconds", 15, "Simulated seconds advanced per evaluation tick")
	maxTicks := flag.Int("max-ticks", 400, "Safety cap on simulated ticks")
	flag.Parse()

	dbPath, cleanup, err := tempDBPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	db, err := storage.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: storage.Open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	log := zap.NewNop()
	loc := time.UTC
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, loc)
	clk := clock.NewFake(start)

	pol := &policy.Policy{
		Users: map[string]policy.UserPolicy{
			simUser: {
				Username:   simUser,
				DailyQuota: time.Duration(*quotaMinutes) * time.Minute,
				Grace:      time.Duration(*graceMinutes) * time.Minute,
			},
		},
		Notifications: policy.Notifications{
			PreQuotaWarn: []time.Duration{5 * time.Minute, 2 * time.Minute, 1 * time.Minute},
			Grace: policy.GracePeriod{
				Enabled:  true,
				Duration: time.Duration(*graceMinutes) * time.Minute,
				Interval: 30 * time.Second,
			},
		},
		ResetTime:    clock.TimeOfDay{Hour: 3, Minute: 0},
		Location:     loc,
		TimezoneName: "UTC",
		DBPath:       dbPath,
		IPCSocket:    "",
	}
	policyFn := func() *policy.Policy { return pol }

	trk := tracker.New(clk, db, policyFn, log, time.Second, time.Hour)
	sim := &simTerminator{tracker: trk}
	enf := enforcer.New(trk, policyFn, notify.New(log), sim, log, time.Second)

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"wall_time", "phase", "remaining_seconds"})
	recordTick := func() {
		_ = w.Write([]string{
			clk.Now().Format(time.RFC3339),
			enf.Phase(simUser).String(),
			strconv.FormatFloat(trk.RemainingSeconds(simUser), 'f', 1, 64),
		})
	}

	tick := time.Duration(*tickSeconds) * time.Second
	ctx := context.Background()

	var passed bool
	switch *scenario {
	case "s1":
		passed = runS1(ctx, trk, enf, clk, tick, *maxTicks, recordTick)
	case "s2":
		passed = runS2(ctx, trk, enf, clk, tick, *maxTicks, recordTick)
	case "s4":
		passed = runS4(ctx, trk, enf, clk, tick, *maxTicks, recordTick)
	default:
		fmt.Fprintf(os.Stderr, "ERROR: unknown scenario %q (want s1, s2, or s4)\n", *scenario)
		os.Exit(1)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== SCENARIO %s RESULT ===\n", *scenario)
	fmt.Fprintf(os.Stderr, "final phase:      %s\n", enf.Phase(simUser))
	fmt.Fprintf(os.Stderr, "remaining seconds: %.1f\n", trk.RemainingSeconds(simUser))
	if passed {
		fmt.Fprintln(os.Stderr, "RESULT: PASS")
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "RESULT: FAIL")
	os.Exit(2)
}

// runS1 simulates a single continuous session exhausting its quota and
// riding the Warning -> Grace -> Terminating -> Terminated ladder.
// PASS requires the user to reach PhaseTerminated with its session
// actually closed.
func runS1(ctx context.Context, trk *tracker.Tracker, enf *enforcer.Enforcer, clk *clock.Fake, tick time.Duration, maxTicks int, record func()) bool {
	openSession(trk, "sess-s1")

	for i := 0; i < maxTicks; i++ {
		clk.Advance(tick)
		trk.Tick()
		enf.Tick(ctx, clk.Now())
		record()
		if enf.Phase(simUser) == enforcer.PhaseTerminated {
			return len(trk.SessionsOf(simUser)) == 0
		}
	}
	return false
}

// runS2 simulates a session that locks after four minutes of use and
// unlocks before exhaustion. PASS requires remaining seconds
// to stay flat (usage frozen) while locked, and the user to still be
// active and below Terminating once unlocked.
func runS2(ctx context.Context, trk *tracker.Tracker, enf *enforcer.Enforcer, clk *clock.Fake, tick time.Duration, maxTicks int, record func()) bool {
	openSession(trk, "sess-s2")

	// Run four minutes of usage before locking (six minutes left at the
	// default 10-minute quota).
	target := trk.RemainingSeconds(simUser) - 4*time.Minute.Seconds()
	for i := 0; i < maxTicks && trk.RemainingSeconds(simUser) > target; i++ {
		clk.Advance(tick)
		trk.Tick()
		enf.Tick(ctx, clk.Now())
		record()
	}

	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventLocked, ID: "sess-s2", Username: simUser}); err != nil {
		return false
	}
	frozenAt := trk.RemainingSeconds(simUser)

	lockTicks := 20
	for i := 0; i < lockTicks; i++ {
		clk.Advance(tick)
		trk.Tick()
		enf.Tick(ctx, clk.Now())
		record()
		if trk.RemainingSeconds(simUser) != frozenAt {
			return false // usage advanced while locked
		}
	}

	if err := trk.HandleEvent(loginsource.Event{Kind: loginsource.EventUnlocked, ID: "sess-s2", Username: simUser}); err != nil {
		return false
	}
	for i := 0; i < 5; i++ {
		clk.Advance(tick)
		trk.Tick()
		enf.Tick(ctx, clk.Now())
		record()
	}

	return enf.Phase(simUser) != enforcer.PhaseTerminating && enf.Phase(simUser) != enforcer.PhaseTerminated
}

// runS4 simulates a session spanning the daily reset instant. PASS
// requires the session to remain open (not closed by the rollover) and
// remaining seconds to rise above their last pre-rollover value.
func runS4(ctx context.Context, trk *tracker.Tracker, enf *enforcer.Enforcer, clk *clock.Fake, tick time.Duration, maxTicks int, record func()) bool {
	// Start a few minutes before the reset instant so the rollover
	// lands mid-session.
	clk.Set(clk.Now().Add(18*time.Hour + 57*time.Minute)) // ~02:57, reset at 03:00
	openSession(trk, "sess-s4")

	var before float64
	crossed := false
	for i := 0; i < maxTicks; i++ {
		if !crossed {
			before = trk.RemainingSeconds(simUser)
		}
		clk.Advance(tick)
		trk.Tick()
		enf.Tick(ctx, clk.Now())
		record()

		select {
		case t := <-trk.Rollovers():
			enf.HandleRollover(t)
			crossed = true
		default:
		}

		if crossed && trk.RemainingSeconds(simUser) > before {
			return len(trk.SessionsOf(simUser)) == 1
		}
	}
	return false
}

func openSession(trk *tracker.Tracker, id string) {
	_ = trk.HandleEvent(loginsource.Event{
		Kind:     loginsource.EventNewSession,
		ID:       id,
		Username: simUser,
	})
}

func tempDBPath() (string, func(), error) {
	f, err := os.CreateTemp("", "guardian-simulate-*.db")
	if err != nil {
		return "", nil, fmt.Errorf("create temp db: %w", err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	return path, func() { os.Remove(path) }, nil
}

// simTerminator is a dev-tool stand-in for enforcer.NewLogin1Terminator:
// instead of calling logind, it closes the session directly in the
// tracker, mirroring the RemovedSession event a real termination would
// eventually produce via LoginSource.
type simTerminator struct {
	tracker *tracker.Tracker
}

func (s *simTerminator) TerminateUser(ctx context.Context, username string) error {
	for _, id := range s.tracker.SessionsOf(username) {
		_ = s.tracker.HandleEvent(loginsource.Event{Kind: loginsource.EventRemovedSession, ID: id})
	}
	return nil
}
