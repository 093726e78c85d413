package loginsource

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// sessionObjectPath guesses the systemd-logind object path convention
// for a session id. Used only to seed pathToID before the first
// ListSessions reply arrives; actual paths always come from logind's own
// responses (ListSessions, SessionNew) once available.
func sessionObjectPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/login1/session/_3%s", id))
}

// listSessionsRaw is the return shape of Manager.ListSessions: a list of
// (session_id, uid, user, seat, object_path) tuples.
type listSessionsRaw struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// listSessions calls org.freedesktop.login1.Manager.ListSessions and
// resolves each session's lock state, filtering to managed usernames
// only. LoginSource never reports sessions for users the active Policy
// does not list, so unmanaged sessions are never ground truth the
// tracker needs to know about.
func (s *LoginSource) listSessions(conn *dbus.Conn) ([]SessionInfo, error) {
	obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
	var raw [][]interface{}
	if err := obj.Call("org.freedesktop.login1.Manager.ListSessions", 0).Store(&raw); err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}

	out := make([]SessionInfo, 0, len(raw))
	for _, tuple := range raw {
		if len(tuple) < 5 {
			continue
		}
		id, _ := tuple[0].(string)
		user, _ := tuple[2].(string)
		seat, _ := tuple[3].(string)
		path, _ := tuple[4].(dbus.ObjectPath)

		if s.filter != nil && !s.filter(user) {
			continue
		}
		locked, err := s.lockedHint(conn, path)
		if err != nil {
			locked = false
		}
		out = append(out, SessionInfo{ID: id, Username: user, Seat: seat, Locked: locked})
	}
	return out, nil
}

// sessionInfo resolves a single session's username/seat from its object
// path, used when handling a SessionNew signal (which carries only the
// id and path, not the username).
func (s *LoginSource) sessionInfo(conn *dbus.Conn, path dbus.ObjectPath, id string) (SessionInfo, error) {
	obj := conn.Object(login1Dest, path)
	props, err := obj.GetProperty("org.freedesktop.login1.Session.Name")
	if err != nil {
		return SessionInfo{}, fmt.Errorf("Session.Name: %w", err)
	}
	user, _ := props.Value().(string)

	seatVariant, err := obj.GetProperty("org.freedesktop.login1.Session.Seat")
	var seat string
	if err == nil {
		if tuple, ok := seatVariant.Value().([]interface{}); ok && len(tuple) > 0 {
			seat, _ = tuple[0].(string)
		}
	}

	return SessionInfo{ID: id, Username: user, Seat: seat}, nil
}

// lockedHint reads the LockedHint property off a session object.
func (s *LoginSource) lockedHint(conn *dbus.Conn, path dbus.ObjectPath) (bool, error) {
	obj := conn.Object(login1Dest, path)
	v, err := obj.GetProperty("org.freedesktop.login1.Session.LockedHint")
	if err != nil {
		return false, err
	}
	b, _ := v.Value().(bool)
	return b, nil
}
