// Package pamwriter maintains the guardian-owned block inside the PAM
// time-config file: non-managed users are always permitted, managed
// users are restricted to their curfew windows. Everything outside the
// block is preserved byte-for-byte; writes are temp-file-then-rename
// atomic with backup rotation and rollback on failure.
package pamwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
	"github.com/guardian-daemon/guardian-daemon/internal/policy"
)

const (
	blockStart = "# >>> guardian managed — do not edit >>>"
	blockEnd   = "# <<< guardian managed <<<"

	// DefaultManagedGroup is the PAM group name the default-permit rule
	// excludes ("!@<managed_group>").
	DefaultManagedGroup = "guardian-kids"

	// DefaultBackupRetention is how many backup generations to keep.
	DefaultBackupRetention = 5
)

var ruleFieldPattern = regexp.MustCompile(`^[^;]*;[^;]*;[^;]*(;[^;]*)?$`)
var timeRangePattern = regexp.MustCompile(`^\d{4}-\d{4}$`)

// weekdayCode is the two-letter pam_time day code for each time.Weekday.
var weekdayCode = map[time.Weekday]string{
	time.Monday:    "Mo",
	time.Tuesday:   "Tu",
	time.Wednesday: "We",
	time.Thursday:  "Th",
	time.Friday:    "Fr",
	time.Saturday:  "Sa",
	time.Sunday:    "Su",
}

// orderedWeekdays fixes rendering order so reconciliation diffs are
// deterministic run to run.
var orderedWeekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// Writer owns the managed PAM time-config file.
type Writer struct {
	path            string
	managedGroup    string
	backupRetention int
	log             *zap.Logger
	metrics         *observability.Metrics
}

// New creates a Writer targeting path (typically /etc/security/time.conf).
func New(path string, managedGroup string, backupRetention int, log *zap.Logger) *Writer {
	if managedGroup == "" {
		managedGroup = DefaultManagedGroup
	}
	if backupRetention <= 0 {
		backupRetention = DefaultBackupRetention
	}
	return &Writer{path: path, managedGroup: managedGroup, backupRetention: backupRetention, log: log}
}

// SetMetrics attaches a metrics sink for reconcile outcome counts.
func (w *Writer) SetMetrics(m *observability.Metrics) { w.metrics = m }

func (w *Writer) observeReconcile(outcome string) {
	if w.metrics != nil {
		w.metrics.PamReconcileTotal.WithLabelValues(outcome).Inc()
	}
}

// Reconcile rebuilds the guardian-managed block from pol and atomically
// rewrites the file, preserving everything outside the block
// byte-for-byte.
func (w *Writer) Reconcile(pol *policy.Policy) error {
	original, perm, err := w.readOriginal()
	if err != nil {
		w.observeReconcile("failed")
		return guardianerrors.New("pamwriter", "reconcile", guardianerrors.KindPamWriteFailed, err)
	}

	preamble, _, postamble := splitBlock(original)

	rules, err := buildRules(pol, w.managedGroup)
	if err != nil {
		w.observeReconcile("failed")
		return guardianerrors.New("pamwriter", "reconcile", guardianerrors.KindPamWriteFailed, err)
	}

	var out strings.Builder
	out.WriteString(preamble)
	out.WriteString(blockStart + "\n")
	for _, r := range rules {
		out.WriteString(r + "\n")
	}
	out.WriteString(blockEnd + "\n")
	out.WriteString(postamble)

	if err := w.backup(original); err != nil {
		w.log.Warn("pamwriter: backup failed, proceeding without one",
			zap.String("component", "pamwriter"), zap.Error(err))
	}

	if err := w.atomicWrite([]byte(out.String()), perm); err != nil {
		if rbErr := w.rollback(); rbErr != nil {
			w.log.Error("pamwriter: rollback after failed write also failed",
				zap.String("component", "pamwriter"), zap.Error(rbErr))
		}
		w.observeReconcile("failed")
		return guardianerrors.New("pamwriter", "reconcile", guardianerrors.KindPamWriteFailed, err)
	}

	w.pruneBackups()
	w.observeReconcile("applied")
	return nil
}

// buildRules emits a default-permit for non-managed users first, then
// one line per managed user. The default-permit line is never omitted:
// no configuration path may produce a file that restricts non-managed
// users.
func buildRules(pol *policy.Policy, managedGroup string) ([]string, error) {
	rules := []string{fmt.Sprintf("*;*;!@%s;Al0000-2400", managedGroup)}

	for _, username := range pol.ManagedUsernames() {
		up, _ := pol.ForUser(username)
		windows := renderWindows(up.Curfew)
		if windows == "" {
			continue // no curfew configured: user has no time restriction rule at all
		}
		rule := fmt.Sprintf("*;*;%s;%s", username, windows)
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("user %q: %w", username, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// renderWindows encodes a user's curfew as day-code + HHMM-HHMM pairs
// joined by '&', grouping weekdays that share an identical window.
func renderWindows(curfew map[time.Weekday]policy.Window) string {
	if len(curfew) == 0 {
		return ""
	}

	type group struct {
		window policy.Window
		days   []time.Weekday
	}
	var groups []group
	for _, day := range orderedWeekdays {
		w, ok := curfew[day]
		if !ok {
			continue
		}
		placed := false
		for i := range groups {
			if groups[i].window == w {
				groups[i].days = append(groups[i].days, day)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, group{window: w, days: []time.Weekday{day}})
		}
	}

	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		var codes strings.Builder
		for _, d := range g.days {
			codes.WriteString(weekdayCode[d])
		}
		parts = append(parts, fmt.Sprintf("%s%02d%02d-%02d%02d",
			codes.String(), g.window.Start.Hour, g.window.Start.Minute, g.window.End.Hour, g.window.End.Minute))
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// validateRule checks that an emitted rule satisfies the 3-or-4-field
// PAM line grammar, with HHMM-HHMM time ranges.
func validateRule(rule string) error {
	if !ruleFieldPattern.MatchString(rule) {
		return fmt.Errorf("malformed PAM rule %q", rule)
	}
	fields := strings.Split(rule, ";")
	timesField := fields[len(fields)-1]
	for _, pair := range strings.Split(timesField, "&") {
		// strip leading day codes (letters) to isolate HHMM-HHMM.
		trimmed := strings.TrimLeft(pair, "MoTuWeThFrSaSuWkWdAl")
		if !timeRangePattern.MatchString(trimmed) {
			return fmt.Errorf("malformed time range %q in rule %q", pair, rule)
		}
	}
	return nil
}

// splitBlock separates the guardian-managed section from everything
// else, preserving non-guardian content byte-for-byte.
func splitBlock(original []byte) (preamble, block, postamble string) {
	text := string(original)
	startIdx := strings.Index(text, blockStart)
	if startIdx == -1 {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		return text, "", ""
	}
	endIdx := strings.Index(text, blockEnd)
	if endIdx == -1 || endIdx < startIdx {
		return text[:startIdx], "", ""
	}
	endIdx += len(blockEnd)
	if endIdx < len(text) && text[endIdx] == '\n' {
		endIdx++
	}
	return text[:startIdx], text[startIdx:endIdx], text[endIdx:]
}

func (w *Writer) readOriginal() ([]byte, os.FileMode, error) {
	data, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil, 0o644, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %q: %w", w.path, err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, 0, fmt.Errorf("stat %q: %w", w.path, err)
	}
	return data, info.Mode().Perm(), nil
}

// atomicWrite writes a temp file in the same directory with identical
// permissions, fsyncs, then renames over the original.
func (w *Writer) atomicWrite(data []byte, perm os.FileMode) error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".guardian-pam-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
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
	if err := preserveOwnership(w.path, tmpPath); err != nil {
		w.log.Warn("pamwriter: could not preserve ownership on rewrite",
			zap.String("component", "pamwriter"), zap.Error(err))
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("rename temp file over %q: %w", w.path, err)
	}
	return nil
}

// preserveOwnership copies the original file's uid/gid onto the
// replacement before the rename, since CreateTemp's owner is the running
// process's own uid (root, typically — a no-op in the common case, but
// meaningful if the file is group-owned for delegated administration).
func preserveOwnership(originalPath, tmpPath string) error {
	var st unix.Stat_t
	if err := unix.Stat(originalPath, &st); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return unix.Chown(tmpPath, int(st.Uid), int(st.Gid))
}

func (w *Writer) backupPath(gen int) string {
	return fmt.Sprintf("%s.guardian-backup.%d", w.path, gen)
}

// backup shifts prior backups up by one generation and stores original
// as backup.0, keeping the last backupRetention generations.
func (w *Writer) backup(original []byte) error {
	if original == nil {
		return nil
	}
	for gen := w.backupRetention - 1; gen >= 0; gen-- {
		src := w.backupPath(gen)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if gen == w.backupRetention-1 {
			os.Remove(src)
			continue
		}
		os.Rename(src, w.backupPath(gen+1))
	}
	return os.WriteFile(w.backupPath(0), original, 0o644)
}

// rollback restores the most recent backup over w.path after a failed
// write.
func (w *Writer) rollback() error {
	data, err := os.ReadFile(w.backupPath(0))
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	return os.WriteFile(w.path, data, 0o644)
}

func (w *Writer) pruneBackups() {
	for gen := w.backupRetention; ; gen++ {
		p := w.backupPath(gen)
		if _, err := os.Stat(p); err != nil {
			return
		}
		os.Remove(p)
	}
}
