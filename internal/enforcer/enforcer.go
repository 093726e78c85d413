// Package enforcer drives the per-user quota enforcement ladder:
// Normal→Warning→Grace→Terminating→Terminated, with notification
// scheduling and termination retries. Transitions are monotonic within
// a usage day; only a day rollover returns a user to Normal.
package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/notify"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

// Phase is a user's position in the enforcement ladder.
type Phase uint8

const (
	PhaseNormal Phase = iota
	PhaseWarning
	PhaseGrace
	PhaseTerminating
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "Normal"
	case PhaseWarning:
		return "Warning"
	case PhaseGrace:
		return "Grace"
	case PhaseTerminating:
		return "Terminating"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// DefaultTickInterval is the Enforcer's periodic evaluation cadence.
const DefaultTickInterval = 30 * time.Second

// maxTerminateRetries and retrySpacing bound the terminator retry loop
// before the user is left stuck in Terminating (logged at ERROR, never
// blocking other users).
const (
	maxTerminateRetries = 3
	retrySpacing        = 5 * time.Second
)

// Tracker is the subset of tracker.Tracker the Enforcer depends on.
type Tracker interface {
	RemainingSeconds(username string) float64
	ActiveManagedUsers() []string
	SessionsOf(username string) []string
}

// Terminator ends all of a user's login sessions.
// Implementations confirm termination by SessionsOf(username) becoming
// empty on a subsequent Tracker read; the Enforcer itself polls that.
type Terminator interface {
	TerminateUser(ctx context.Context, username string) error
}

// PolicyProvider returns the currently-accepted Policy snapshot.
type PolicyProvider func() *policy.Policy

// userState is the per-user enforcement record, guarded by Enforcer.mu.
type userState struct {
	phase          Phase
	enteredAt      time.Time
	sentThresholds map[time.Duration]bool
	graceStartedAt time.Time
	lastGraceTick  time.Time
	terminateTries int
	lastRetryAt    time.Time
}

func newUserState(now time.Time) *userState {
	return &userState{phase: PhaseNormal, enteredAt: now, sentThresholds: map[time.Duration]bool{}}
}

func (u *userState) reset(now time.Time) {
	u.phase = PhaseNormal
	u.enteredAt = now
	u.sentThresholds = map[time.Duration]bool{}
	u.graceStartedAt = time.Time{}
	u.lastGraceTick = time.Time{}
	u.terminateTries = 0
	u.lastRetryAt = time.Time{}
}

// Enforcer drives the per-user enforcement ladder.
type Enforcer struct {
	log      *zap.Logger
	tracker  Tracker
	policy   PolicyProvider
	notifier *notify.Notifier
	term     Terminator

	tickInterval time.Duration

	mu      sync.Mutex
	users   map[string]*userState
	metrics *observability.Metrics
}

// SetMetrics attaches a metrics sink for phase transition and termination
// outcome counts.
func (e *Enforcer) SetMetrics(m *observability.Metrics) { e.metrics = m }

func (e *Enforcer) observeTransition(from, to Phase) {
	if e.metrics != nil && from != to {
		e.metrics.PhaseTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// New creates an Enforcer.
func New(tracker Tracker, pol PolicyProvider, notifier *notify.Notifier, term Terminator, log *zap.Logger, tickInterval time.Duration) *Enforcer {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Enforcer{
		log:          log,
		tracker:      tracker,
		policy:       pol,
		notifier:     notifier,
		term:         term,
		tickInterval: tickInterval,
		users:        make(map[string]*userState),
	}
}

// Run drives the periodic evaluation tick until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, time.Now())
		}
	}
}

// Tick evaluates every active managed user's state machine once, plus
// every user still in Terminating who no longer has an active session,
// so that user can reach Terminated. Exported so tracker events can
// force an out-of-band evaluation between periodic ticks.
func (e *Enforcer) Tick(ctx context.Context, now time.Time) {
	active := e.tracker.ActiveManagedUsers()
	seen := make(map[string]bool, len(active))
	for _, username := range active {
		seen[username] = true
		e.evaluateUser(ctx, username, now)
	}
	e.mu.Lock()
	var pending []string
	for username, st := range e.users {
		if st.phase == PhaseTerminating && !seen[username] {
			pending = append(pending, username)
		}
	}
	e.mu.Unlock()
	for _, username := range pending {
		e.evaluateUser(ctx, username, now)
	}
}

// HandleRollover resets every tracked user to Normal at the usage-day
// boundary.
func (e *Enforcer) HandleRollover(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for username, st := range e.users {
		before := st.phase
		st.reset(now)
		e.observeTransition(before, st.phase)
		e.log.Info("enforcer: day rollover reset to Normal",
			zap.String("component", "enforcer"), zap.String("username", username))
	}
}

func (e *Enforcer) stateForLocked(username string, now time.Time) *userState {
	st, ok := e.users[username]
	if !ok {
		st = newUserState(now)
		e.users[username] = st
	}
	return st
}

// Phase reports username's current enforcement phase, exposed for the
// AdminIpc get-quota command.
func (e *Enforcer) Phase(username string) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[username]
	if !ok {
		return PhaseNormal
	}
	return st.phase
}

func (e *Enforcer) evaluateUser(ctx context.Context, username string, now time.Time) {
	pol := e.policy()
	up, managed := pol.ForUser(username)
	if !managed {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateForLocked(username, now)
	before := st.phase
	remaining := e.tracker.RemainingSeconds(username)
	thresholds := policy.SortedPreQuotaWarn(pol.Notifications.PreQuotaWarn)
	grace := pol.Notifications.Grace

	switch st.phase {
	case PhaseNormal:
		e.evalNormalLocked(username, st, remaining, thresholds, now)
		if st.phase == PhaseWarning {
			e.evalWarningLocked(username, st, remaining, grace, now)
		}
	case PhaseWarning:
		e.evalNormalLocked(username, st, remaining, thresholds, now)
		e.evalWarningLocked(username, st, remaining, grace, now)
	case PhaseGrace:
		e.evalGraceLocked(username, st, up, grace, now)
	case PhaseTerminating:
		e.evalTerminatingLocked(ctx, username, st, now)
	case PhaseTerminated:
		// Terminal for the rest of the day. Only HandleRollover returns
		// the user to Normal.
	}
	if before != PhaseTerminating && st.phase == PhaseTerminating {
		// First terminate attempt happens on the same tick the user
		// enters Terminating, not one tick later.
		e.evalTerminatingLocked(ctx, username, st, now)
	}
	e.observeTransition(before, st.phase)
}

// evalNormalLocked fires the single most urgent unnotified threshold
// this tick, marking any other thresholds that also fired as sent
// without re-sending them.
func (e *Enforcer) evalNormalLocked(username string, st *userState, remaining float64, thresholds []time.Duration, now time.Time) {
	var mostUrgent time.Duration
	found := false
	for _, t := range thresholds {
		if st.sentThresholds[t] {
			continue
		}
		if remaining <= t.Seconds() {
			if !found || t < mostUrgent {
				mostUrgent = t
				found = true
			}
		}
	}
	if !found {
		return
	}
	for _, t := range thresholds {
		if !st.sentThresholds[t] && remaining <= t.Seconds() {
			st.sentThresholds[t] = true
		}
	}
	e.notifier.Send(username, "Screen time warning", minutesLeftMessage(mostUrgent), notify.UrgencyNormal)
	st.phase = PhaseWarning
	st.enteredAt = now
}

// evalWarningLocked transitions to Grace, or straight to Terminating
// when no grace period is configured, once remaining reaches zero.
func (e *Enforcer) evalWarningLocked(username string, st *userState, remaining float64, grace policy.GracePeriod, now time.Time) {
	if remaining > 0 {
		return
	}
	if grace.Enabled {
		st.phase = PhaseGrace
		st.enteredAt = now
		st.graceStartedAt = now
		st.lastGraceTick = now
		e.notifier.Send(username, "Grace period started", "Screen time is up — a short grace period has begun.", notify.UrgencyNormal)
		return
	}
	st.phase = PhaseTerminating
	st.enteredAt = now
	e.log.Info("enforcer: entering Terminating (no grace period)",
		zap.String("component", "enforcer"), zap.String("username", username))
}

// evalGraceLocked escalates to Terminating once the grace duration
// elapses, or sends a periodic reminder. The duration is the per-user
// grace allowance; enablement and the reminder cadence are global.
func (e *Enforcer) evalGraceLocked(username string, st *userState, up policy.UserPolicy, grace policy.GracePeriod, now time.Time) {
	duration := up.Grace
	if duration <= 0 {
		duration = grace.Duration
	}
	if now.Sub(st.graceStartedAt) >= duration {
		st.phase = PhaseTerminating
		st.enteredAt = now
		e.log.Info("enforcer: grace period elapsed, entering Terminating",
			zap.String("component", "enforcer"), zap.String("username", username))
		return
	}
	if grace.Interval > 0 && now.Sub(st.lastGraceTick) >= grace.Interval {
		st.lastGraceTick = now
		e.notifier.Send(username, "Grace period reminder", "Screen time grace period is still active.", notify.UrgencyNormal)
	}
}

// evalTerminatingLocked retries the terminator up to maxTerminateRetries
// times, spaced retrySpacing apart. Once here, no further notifications
// are sent and no earlier state is re-entered even if the tracker
// transiently reports time remaining (e.g. after a clock jump).
func (e *Enforcer) evalTerminatingLocked(ctx context.Context, username string, st *userState, now time.Time) {
	if len(e.tracker.SessionsOf(username)) == 0 {
		st.phase = PhaseTerminated
		st.enteredAt = now
		e.log.Info("enforcer: all sessions closed, Terminated",
			zap.String("component", "enforcer"), zap.String("username", username))
		return
	}

	if st.terminateTries > 0 && now.Sub(st.lastRetryAt) < retrySpacing {
		return
	}
	if st.terminateTries >= maxTerminateRetries {
		e.log.Error("enforcer: termination did not take effect after max retries, user remains Terminating",
			zap.String("component", "enforcer"),
			zap.String("operation", "terminate"),
			zap.String("username", username),
			zap.String("error_kind", guardianerrors.KindTerminationFailed.String()))
		return
	}

	st.terminateTries++
	st.lastRetryAt = now
	if err := e.term.TerminateUser(ctx, username); err != nil {
		e.log.Error("enforcer: terminate attempt failed",
			zap.String("component", "enforcer"),
			zap.String("operation", "terminate"),
			zap.String("username", username),
			zap.Int("attempt", st.terminateTries),
			zap.String("error_kind", guardianerrors.KindTerminationFailed.String()),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.TerminationsTotal.WithLabelValues("failed").Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.TerminationsTotal.WithLabelValues("succeeded").Inc()
	}
}

func minutesLeftMessage(t time.Duration) string {
	mins := int(t.Minutes())
	if mins == 1 {
		return "1 minute of screen time left today"
	}
	return fmt.Sprintf("%d minutes of screen time left today", mins)
}
