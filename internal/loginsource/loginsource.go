// Package loginsource subscribes to systemd-logind over the system bus:
// it emits New/Removed/Lock/Unlock session events, reconnects with
// exponential backoff on bus loss, and emits a ground-truth Resync
// snapshot on every (re)connect.
package loginsource

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	login1Dest = "org.freedesktop.login1"
	login1Path = "/org/freedesktop/login1"

	backoffInitial = 2 * time.Second
	backoffFactor  = 2.0
	backoffCap     = 60 * time.Second
	backoffJitter  = 0.20
)

// EventKind discriminates the Event union.
type EventKind int

const (
	EventNewSession EventKind = iota
	EventRemovedSession
	EventLocked
	EventUnlocked
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventNewSession:
		return "NewSession"
	case EventRemovedSession:
		return "RemovedSession"
	case EventLocked:
		return "Locked"
	case EventUnlocked:
		return "Unlocked"
	case EventResync:
		return "Resync"
	default:
		return "Unknown"
	}
}

// SessionInfo is ground-truth state for one session, carried on
// NewSession events and inside a Resync snapshot.
type SessionInfo struct {
	ID       string
	Username string
	Seat     string
	Locked   bool
}

// Event is a single LoginSource notification. Sessions is populated only
// for EventResync; for the others, ID (and Username/Seat, for NewSession)
// identify the affected session.
type Event struct {
	Kind     EventKind
	ID       string
	Username string
	Seat     string
	Sessions []SessionInfo
}

// PolicyFilter reports whether username is currently managed. LoginSource
// discards events for unmanaged usernames at the source.
type PolicyFilter func(username string) bool

// LoginSource owns the session-bus connection and the reconnect loop.
type LoginSource struct {
	log      *zap.Logger
	filter   PolicyFilter
	events   chan Event
	queueCap int

	mu       sync.Mutex
	pathToID map[dbus.ObjectPath]string
	rng      *rand.Rand
}

// New creates a LoginSource. filter is consulted on every event; events
// for usernames it rejects never reach the output channel.
func New(filter PolicyFilter, log *zap.Logger, queueCap int) *LoginSource {
	if queueCap <= 0 {
		queueCap = 256
	}
	return &LoginSource{
		log:      log,
		filter:   filter,
		events:   make(chan Event, queueCap),
		queueCap: queueCap,
		pathToID: make(map[dbus.ObjectPath]string),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the connect-subscribe-reconnect loop in the background and
// returns the event channel. The channel is closed once ctx is cancelled
// and the loop has finished its current connection's cleanup.
func (s *LoginSource) Run(ctx context.Context) <-chan Event {
	go s.loop(ctx)
	return s.events
}

// loop owns the reconnect-with-backoff state machine.
func (s *LoginSource) loop(ctx context.Context) {
	defer close(s.events)

	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("loginsource: bus connection lost, reconnecting",
				zap.String("component", "loginsource"),
				zap.String("operation", "connect"),
				zap.String("error_kind", "BusDisconnected"),
				zap.Error(err),
				zap.Duration("backoff", backoff))
		}

		wait := jitter(backoff, backoffJitter, s.rng)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func jitter(d time.Duration, frac float64, rng *rand.Rand) time.Duration {
	delta := float64(d) * frac
	offset := (rng.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// runConnection connects once, emits the reconnect Resync, and streams
// signals until the connection fails or ctx is cancelled. Returns nil
// only when ctx is cancelled; any other return is a disconnect to
// recover from.
func (s *LoginSource) runConnection(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	if err := s.addMatches(conn); err != nil {
		return fmt.Errorf("add match rules: %w", err)
	}

	sessions, err := s.listSessions(conn)
	if err != nil {
		return fmt.Errorf("initial ListSessions: %w", err)
	}
	s.mu.Lock()
	s.pathToID = map[dbus.ObjectPath]string{}
	for _, si := range sessions {
		s.pathToID[sessionObjectPath(si.ID)] = si.ID
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventResync, Sessions: sessions})

	signals := make(chan *dbus.Signal, s.queueCap)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("signal channel closed")
			}
			s.handleSignal(conn, sig)
		}
	}
}

func (s *LoginSource) addMatches(conn *dbus.Conn) error {
	rules := []dbus.MatchOption{
		dbus.WithMatchObjectPath(login1Path),
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
	}
	if err := conn.AddMatchSignal(append(rules, dbus.WithMatchMember("SessionNew"))...); err != nil {
		return err
	}
	if err := conn.AddMatchSignal(append(rules, dbus.WithMatchMember("SessionRemoved"))...); err != nil {
		return err
	}
	sessionRules := []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.login1.Session"),
	}
	if err := conn.AddMatchSignal(append(sessionRules, dbus.WithMatchMember("Lock"))...); err != nil {
		return err
	}
	if err := conn.AddMatchSignal(append(sessionRules, dbus.WithMatchMember("Unlock"))...); err != nil {
		return err
	}
	return nil
}

func (s *LoginSource) handleSignal(conn *dbus.Conn, sig *dbus.Signal) {
	switch sig.Name {
	case "org.freedesktop.login1.Manager.SessionNew":
		if len(sig.Body) < 2 {
			return
		}
		id, _ := sig.Body[0].(string)
		path, _ := sig.Body[1].(dbus.ObjectPath)
		info, err := s.sessionInfo(conn, path, id)
		if err != nil {
			s.log.Warn("loginsource: failed to resolve new session",
				zap.String("session_id", id), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.pathToID[path] = id
		s.mu.Unlock()
		s.emit(Event{Kind: EventNewSession, ID: info.ID, Username: info.Username, Seat: info.Seat})

	case "org.freedesktop.login1.Manager.SessionRemoved":
		if len(sig.Body) < 1 {
			return
		}
		id, _ := sig.Body[0].(string)
		s.mu.Lock()
		for p, pid := range s.pathToID {
			if pid == id {
				delete(s.pathToID, p)
			}
		}
		s.mu.Unlock()
		s.emit(Event{Kind: EventRemovedSession, ID: id})

	case "org.freedesktop.login1.Session.Lock":
		s.emitForPath(sig.Path, EventLocked)

	case "org.freedesktop.login1.Session.Unlock":
		s.emitForPath(sig.Path, EventUnlocked)
	}
}

func (s *LoginSource) emitForPath(path dbus.ObjectPath, kind EventKind) {
	s.mu.Lock()
	id, ok := s.pathToID[path]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(Event{Kind: kind, ID: id})
}

// emit delivers an event, applying the policy filter and dropping with
// a log if the output channel is full. A slow consumer must never stall
// the bus read loop.
func (s *LoginSource) emit(ev Event) {
	if ev.Kind != EventResync && ev.Username != "" && s.filter != nil && !s.filter(ev.Username) {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("loginsource: event queue full, dropping event",
			zap.String("component", "loginsource"),
			zap.String("kind", ev.Kind.String()))
	}
}
