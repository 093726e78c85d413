// Package notify delivers enforcement notifications to the per-user
// agent over that user's D-Bus session bus.
//
// Guardian-daemon runs as root and has no session bus of its own, so it
// cannot use a single shared connection the way a desktop-session
// process would. It instead resolves the target UID's session bus
// address as unix:path=/run/user/<uid>/bus and dials it directly: the
// well-known name org.guardian.Agent.<username> is only ever reachable
// on that user's own session bus.
package notify

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
)

// Urgency mirrors the freedesktop notification urgency levels the agent
// protocol exposes.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

const (
	callTimeout  = 5 * time.Second
	agentPathFmt = "/org/guardian/Agent/%s"
)

// Notifier delivers Notify(title, body, urgency) calls to a user's agent.
// Best-effort: every exported method logs failures and never returns an
// error the Enforcer would need to retry. Delivery must never block
// enforcement.
type Notifier struct {
	log     *zap.Logger
	metrics *observability.Metrics
}

// New creates a Notifier.
func New(log *zap.Logger) *Notifier {
	return &Notifier{log: log}
}

// SetMetrics attaches a metrics sink for delivery outcome counts.
func (n *Notifier) SetMetrics(m *observability.Metrics) { n.metrics = m }

func (n *Notifier) observe(outcome string) {
	if n.metrics != nil {
		n.metrics.NotificationsSentTotal.WithLabelValues(outcome).Inc()
	}
}

// Send delivers a single notification to username's agent, best-effort.
func (n *Notifier) Send(username, title, body string, urgency Urgency) {
	dest := fmt.Sprintf("org.guardian.Agent.%s", username)
	path := dbus.ObjectPath(fmt.Sprintf(agentPathFmt, username))

	conn, err := n.dialUserSessionBus(username)
	if err != nil {
		n.log.Warn("notify: could not reach user session bus",
			zap.String("component", "notify"),
			zap.String("operation", "send"),
			zap.String("username", username),
			zap.String("error_kind", guardianerrors.KindNotificationFailed.String()),
			zap.Error(err))
		n.observe("failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	// Notify is a fire-and-forget method with no reply, so the call is
	// sent with FlagNoReplyExpected rather than blocking on a reply
	// that will never arrive.
	call := conn.Object(dest, path).CallWithContext(ctx, "org.guardian.Agent.Notify", dbus.FlagNoReplyExpected, title, body, int32(urgency))
	if call.Err != nil {
		n.log.Warn("notify: agent call failed",
			zap.String("component", "notify"),
			zap.String("operation", "send"),
			zap.String("username", username),
			zap.String("error_kind", guardianerrors.KindNotificationFailed.String()),
			zap.Error(call.Err))
		n.observe("failed")
		return
	}
	n.log.Debug("notify: delivered", zap.String("username", username), zap.String("title", title))
	n.observe("delivered")
}

// dialUserSessionBus connects to username's session bus the way a root
// process must: by address, not by SessionBus() (which reads $DBUS_
// SESSION_BUS_ADDRESS from the daemon's own, userless environment).
func (n *Notifier) dialUserSessionBus(username string) (*dbus.Conn, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}
	addr := fmt.Sprintf("unix:path=/run/user/%s/bus", u.Uid)

	conn, err := dbus.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(uid))}
	if err := conn.Auth(methods); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	return conn, nil
}
