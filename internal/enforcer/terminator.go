package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	login1Dest         = "org.freedesktop.login1"
	login1Path         = "/org/freedesktop/login1"
	loginctlTimeout    = 10 * time.Second
)

// Login1Terminator implements Terminator against logind: it prefers the
// system bus's Manager.TerminateUser(uid) call and falls back to the
// external loginctl binary if the D-Bus call is unavailable.
type Login1Terminator struct {
	log *zap.Logger
}

// NewLogin1Terminator creates a Login1Terminator.
func NewLogin1Terminator(log *zap.Logger) *Login1Terminator {
	return &Login1Terminator{log: log}
}

func (t *Login1Terminator) TerminateUser(ctx context.Context, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}

	if err := t.terminateViaDBus(ctx, uint32(uid)); err == nil {
		return nil
	} else {
		t.log.Warn("terminator: TerminateUser via D-Bus failed, falling back to loginctl",
			zap.String("component", "enforcer"), zap.String("username", username), zap.Error(err))
	}

	return t.terminateViaLoginctl(ctx, username)
}

func (t *Login1Terminator) terminateViaDBus(ctx context.Context, uid uint32) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
	call := obj.CallWithContext(ctx, "org.freedesktop.login1.Manager.TerminateUser", 0, uid)
	if call.Err != nil {
		return fmt.Errorf("Manager.TerminateUser(%d): %w", uid, call.Err)
	}
	return nil
}

func (t *Login1Terminator) terminateViaLoginctl(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, loginctlTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "loginctl", "terminate-user", username)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("loginctl terminate-user %s: %w: %s", username, err, string(out))
	}
	return nil
}
