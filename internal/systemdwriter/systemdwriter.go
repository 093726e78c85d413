// Package systemdwriter generates and reconciles the guardian-owned
// systemd units: the daily-reset service+timer and a curfew-end
// service+timer pair per managed user. Reconciliation diffs desired
// against on-disk state and acts per unit, logging and continuing so
// one broken unit never blocks the others.
package systemdwriter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

const (
	dailyResetUnit = "guardian-daily-reset"

	// DefaultUnitDir is where generated unit files are written; the
	// daemon's systemd unit must include this in its own unit search
	// path drop-in (outside this package's scope — configuration only).
	DefaultUnitDir = "/etc/systemd/system"

	reconcileTimeout = 10 * time.Second
)

// Writer owns the set of guardian-generated systemd units.
type Writer struct {
	unitDir   string
	execStart string // path to the guardian-daemon binary, for ExecStart lines
	log       *zap.Logger
	systemctl func(ctx context.Context, args ...string) error
	metrics   *observability.Metrics
}

// New creates a Writer. execStart is the absolute path to the
// guardian-daemon binary invoked by the generated service units (e.g.
// "guardian-daemon --internal-reset" / "--internal-curfew-check
// <user>").
func New(unitDir, execStart string, log *zap.Logger) *Writer {
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	w := &Writer{unitDir: unitDir, execStart: execStart, log: log}
	w.systemctl = w.runSystemctl
	return w
}

// SetMetrics attaches a metrics sink for per-unit reconcile outcome counts.
func (w *Writer) SetMetrics(m *observability.Metrics) { w.metrics = m }

func (w *Writer) observeUnit(outcome string) {
	if w.metrics != nil {
		w.metrics.UnitReconcileTotal.WithLabelValues(outcome).Inc()
	}
}

type unitFile struct {
	name    string // e.g. "guardian-daily-reset.service"
	content string
}

// Reconcile computes the desired unit set, diffs against what's on
// disk, writes/removes as needed, and asks systemd to reload and
// re-enable changed units. Per-unit failures are logged and do not
// abort the pass.
func (w *Writer) Reconcile(ctx context.Context, pol *policy.Policy) error {
	desired := w.desiredUnits(pol)

	existing, err := w.existingManagedUnits()
	if err != nil {
		return guardianerrors.New("systemdwriter", "reconcile", guardianerrors.KindUnitReconcileFailed, err)
	}

	desiredNames := make(map[string]bool, len(desired))
	changed := false
	for _, u := range desired {
		desiredNames[u.name] = true
		prior, ok := existing[u.name]
		if ok && prior == u.content {
			continue
		}
		if err := w.writeUnit(u); err != nil {
			w.log.Error("systemdwriter: failed to write unit, continuing with others",
				zap.String("component", "systemdwriter"), zap.String("unit", u.name), zap.Error(err))
			w.observeUnit("failed")
			continue
		}
		changed = true
		w.observeUnit("written")
		w.log.Info("systemdwriter: unit written", zap.String("unit", u.name))
	}

	for name := range existing {
		if desiredNames[name] {
			continue
		}
		if err := w.removeUnit(ctx, name); err != nil {
			w.log.Error("systemdwriter: failed to remove stale unit, continuing with others",
				zap.String("component", "systemdwriter"), zap.String("unit", name), zap.Error(err))
			w.observeUnit("failed")
			continue
		}
		changed = true
		w.observeUnit("removed")
		w.log.Info("systemdwriter: stale unit removed", zap.String("unit", name))
	}

	if changed {
		if err := w.systemctl(ctx, "daemon-reload"); err != nil {
			w.log.Error("systemdwriter: daemon-reload failed",
				zap.String("component", "systemdwriter"), zap.Error(err))
		}
		for _, u := range desired {
			if !strings.HasSuffix(u.name, ".timer") {
				continue
			}
			if err := w.systemctl(ctx, "enable", "--now", u.name); err != nil {
				w.log.Error("systemdwriter: enable --now failed, continuing with others",
					zap.String("component", "systemdwriter"), zap.String("unit", u.name), zap.Error(err))
			}
		}
	}
	return nil
}

// desiredUnits computes the full desired unit set from Policy: the
// daily-reset service+timer, plus a curfew service+timer pair for each
// managed user that has at least one curfew window configured.
func (w *Writer) desiredUnits(pol *policy.Policy) []unitFile {
	units := []unitFile{
		w.dailyResetService(),
		w.dailyResetTimer(pol),
	}
	for _, username := range pol.ManagedUsernames() {
		up, _ := pol.ForUser(username)
		if len(up.Curfew) == 0 {
			continue
		}
		units = append(units, w.curfewService(username), w.curfewTimer(username, up))
	}
	return units
}

func (w *Writer) dailyResetService() unitFile {
	content := fmt.Sprintf(`[Unit]
Description=Guardian daily quota reset
After=network.target

[Service]
Type=oneshot
ExecStart=%s --internal-reset
`, w.execStart)
	return unitFile{name: dailyResetUnit + ".service", content: content}
}

func (w *Writer) dailyResetTimer(pol *policy.Policy) unitFile {
	content := fmt.Sprintf(`[Unit]
Description=Guardian daily quota reset timer

[Timer]
OnCalendar=*-*-* %s:00
Persistent=true

[Install]
WantedBy=timers.target
`, pol.ResetTime.String())
	return unitFile{name: dailyResetUnit + ".timer", content: content}
}

func (w *Writer) curfewService(username string) unitFile {
	content := fmt.Sprintf(`[Unit]
Description=Guardian curfew enforcement for %s
After=network.target

[Service]
Type=oneshot
ExecStart=%s --internal-curfew-check %s
`, username, w.execStart, username)
	return unitFile{name: fmt.Sprintf("guardian-curfew@%s.service", username), content: content}
}

func (w *Writer) curfewTimer(username string, up policy.UserPolicy) unitFile {
	// Fixed weekday order keeps the rendered unit byte-stable, so the
	// content diff in Reconcile sees no change on an unchanged policy.
	var calendars []string
	for _, day := range orderedWeekdays {
		window, ok := up.Curfew[day]
		if !ok {
			continue
		}
		calendars = append(calendars, fmt.Sprintf("OnCalendar=%s *-*-* %02d:%02d:00",
			systemdWeekday(day), window.End.Hour, window.End.Minute))
	}
	content := fmt.Sprintf(`[Unit]
Description=Guardian curfew timer for %s

[Timer]
%s
Persistent=true

[Install]
WantedBy=timers.target
`, username, strings.Join(calendars, "\n"))
	return unitFile{name: fmt.Sprintf("guardian-curfew@%s.timer", username), content: content}
}

// orderedWeekdays fixes rendering order so reconciliation diffs are
// deterministic run to run.
var orderedWeekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

func systemdWeekday(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "Mon"
	case time.Tuesday:
		return "Tue"
	case time.Wednesday:
		return "Wed"
	case time.Thursday:
		return "Thu"
	case time.Friday:
		return "Fri"
	case time.Saturday:
		return "Sat"
	default:
		return "Sun"
	}
}

// existingManagedUnits returns the content of every guardian-owned unit
// file currently on disk, keyed by file name.
func (w *Writer) existingManagedUnits() (map[string]string, error) {
	out := make(map[string]string)
	entries, err := os.ReadDir(w.unitDir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read unit dir %q: %w", w.unitDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "guardian-") {
			continue
		}
		if !strings.HasSuffix(name, ".service") && !strings.HasSuffix(name, ".timer") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.unitDir, name))
		if err != nil {
			w.log.Warn("systemdwriter: could not read existing unit, treating as stale",
				zap.String("unit", name), zap.Error(err))
			continue
		}
		out[name] = string(data)
	}
	return out, nil
}

func (w *Writer) writeUnit(u unitFile) error {
	path := filepath.Join(w.unitDir, u.name)
	tmp, err := os.CreateTemp(w.unitDir, ".guardian-unit-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(u.content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// removeUnit stops, disables, then deletes a stale unit.
func (w *Writer) removeUnit(ctx context.Context, name string) error {
	if strings.HasSuffix(name, ".timer") {
		_ = w.systemctl(ctx, "stop", name)
		_ = w.systemctl(ctx, "disable", name)
	}
	return os.Remove(filepath.Join(w.unitDir, name))
}

func (w *Writer) runSystemctl(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// UnitState is one guardian-owned unit's on-disk presence and systemd's
// reported ActiveState, for the admin IPC list-timers command.
type UnitState struct {
	Unit  string
	State string
}

// ListUnits reports every guardian-owned unit currently on disk together
// with systemd's is-active state for it. Units that fail the systemctl
// query (e.g. not yet loaded) are reported with a "unknown" state rather
// than excluded.
func (w *Writer) ListUnits(ctx context.Context) ([]UnitState, error) {
	existing, err := w.existingManagedUnits()
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	names := make([]string, 0, len(existing))
	for name := range existing {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]UnitState, 0, len(names))
	for _, name := range names {
		out = append(out, UnitState{Unit: name, State: w.queryState(ctx, name)})
	}
	return out, nil
}

func (w *Writer) queryState(ctx context.Context, name string) string {
	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", name).CombinedOutput()
	state := strings.TrimSpace(string(out))
	if err != nil && state == "" {
		return "unknown"
	}
	return state
}

// CheckMissedReset reports whether a rollover was missed: Storage's
// last recorded reset instant predates the current reset instant (e.g.
// the host was off at reset time and the daemon wasn't running to
// observe it). The caller should then feed a synthetic rollover to the
// enforcer.
func CheckMissedReset(lastResetWall, currentResetInstant time.Time) bool {
	return lastResetWall.Before(currentResetInstant)
}
