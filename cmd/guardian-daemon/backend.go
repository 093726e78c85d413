package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guardian-daemon/guardian-daemon/internal/adminipc"
	"github.com/guardian-daemon/guardian-daemon/internal/config"
	"github.com/guardian-daemon/guardian-daemon/internal/enforcer"
	"github.com/guardian-daemon/guardian-daemon/internal/storage"
	"github.com/guardian-daemon/guardian-daemon/internal/systemdwriter"
	"github.com/guardian-daemon/guardian-daemon/internal/tracker"
)

// daemonBackend wires AdminIpc's Backend interface to the running
// daemon's components, translating between the CLI's flat request shape
// and each component's own typed API.
type daemonBackend struct {
	startedAt time.Time
	tracker   *tracker.Tracker
	enforcer  *enforcer.Enforcer
	loader    *config.Loader
	sysWriter *systemdwriter.Writer
	db        *storage.DB
}

func (b *daemonBackend) Version() string { return config.Version }

func (b *daemonBackend) StartedAt() time.Time { return b.startedAt }

func (b *daemonBackend) ActiveUserCount() int {
	return len(b.tracker.ActiveManagedUsers())
}

func (b *daemonBackend) ManagedUsernames() []string {
	return b.loader.Current().Policy.ManagedUsernames()
}

func (b *daemonBackend) Quota(username string) (quota, used, remaining float64, phase string, ok bool) {
	up, managed := b.loader.Current().Policy.ForUser(username)
	if !managed {
		return 0, 0, 0, "", false
	}
	used = b.tracker.UsedSeconds(username)
	remaining = b.tracker.RemainingSeconds(username)
	phase = b.enforcer.Phase(username).String()
	return up.DailyQuota.Seconds(), used, remaining, phase, true
}

func (b *daemonBackend) GrantBonus(username string, minutes int) error {
	if !b.loader.Current().Policy.IsManaged(username) {
		return fmt.Errorf("user %q is not managed", username)
	}
	dayID := b.tracker.CurrentDayStartWall()
	return b.db.GrantBonus(username, dayID, minutes*60)
}

func (b *daemonBackend) Reload() error {
	return b.loader.Reload()
}

// configMirrorValues flattens the accepted snapshot into the audit view
// persisted in storage's config mirror, so administrators can inspect
// what the daemon last accepted even while it is stopped.
func configMirrorValues(s *config.Snapshot) map[string]string {
	pol := s.Policy
	values := map[string]string{
		"timezone":   pol.TimezoneName,
		"reset_time": pol.ResetTime.String(),
		"db_path":    pol.DBPath,
		"ipc_socket": pol.IPCSocket,
		"users":      strings.Join(pol.ManagedUsernames(), ","),
	}
	for name, up := range pol.Users {
		values["quota_minutes."+name] = strconv.Itoa(int(up.DailyQuota.Minutes()))
	}
	return values
}

func (b *daemonBackend) ListTimers() ([]adminipc.TimerStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	units, err := b.sysWriter.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]adminipc.TimerStatus, 0, len(units))
	for _, u := range units {
		out = append(out, adminipc.TimerStatus{Unit: u.Unit, State: u.State})
	}
	return out, nil
}
