// Package adminipc serves the administrator CLI over a Unix domain
// stream socket: status/quota/bonus/reload/timer commands as 4-byte
// big-endian length-prefixed JSON frames, one request and one response
// per frame. An oversized frame is read off the socket in full before
// the connection is closed; no response is sent for it.
package adminipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-daemon/guardian-daemon/internal/guardianerrors"
	"github.com/guardian-daemon/guardian-daemon/internal/observability"
)

const (
	maxConcurrentConns = 4
	maxFrameBytes      = 1 << 20 // 1 MiB
	connTimeout        = 10 * time.Second

	// DefaultGroup is the socket's group owner.
	DefaultGroup = "guardian-admin"
)

// Backend is every read/write capability AdminIpc's commands need,
// implemented by the Supervisor's wiring of Tracker/Enforcer/ConfigLoader
// /Storage/SystemdWriter.
type Backend interface {
	Version() string
	StartedAt() time.Time
	ActiveUserCount() int
	ManagedUsernames() []string
	Quota(username string) (quota, used, remaining float64, phase string, ok bool)
	GrantBonus(username string, minutes int) error
	Reload() error
	ListTimers() ([]TimerStatus, error)
}

// TimerStatus describes one systemd unit AdminIpc's list-timers reports.
type TimerStatus struct {
	Unit  string `json:"unit"`
	State string `json:"state"`
}

// Request is the JSON body of a single command frame.
type Request struct {
	Cmd     string `json:"cmd"`
	User    string `json:"user,omitempty"`
	Minutes int    `json:"minutes,omitempty"`
}

// Response is the JSON body of a single reply frame.
type Response struct {
	Error       string        `json:"error,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Version     string        `json:"version,omitempty"`
	UptimeSec   int64         `json:"uptime_seconds,omitempty"`
	ActiveUsers int           `json:"active_users,omitempty"`
	Kids        []string      `json:"kids,omitempty"`
	Quota       float64       `json:"quota,omitempty"`
	Used        float64       `json:"used,omitempty"`
	Remaining   float64       `json:"remaining,omitempty"`
	Phase       string        `json:"phase,omitempty"`
	Timers      []TimerStatus `json:"timers,omitempty"`
}

// Server is the AdminIpc Unix domain socket server.
type Server struct {
	socketPath string
	backend    Backend
	log        *zap.Logger
	sem        chan struct{}
	metrics    *observability.Metrics
}

// NewServer creates an AdminIpc Server.
func NewServer(socketPath string, backend Backend, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// SetMetrics attaches a metrics sink for per-command counts.
func (s *Server) SetMetrics(m *observability.Metrics) { s.metrics = m }

// ListenAndServe binds the socket (root-owned, admin group, mode 0660)
// and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return guardianerrors.New("adminipc", "listen", guardianerrors.KindIpcMalformed,
			fmt.Errorf("remove stale socket %q: %w", s.socketPath, err))
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return guardianerrors.New("adminipc", "listen", guardianerrors.KindIpcMalformed,
			fmt.Errorf("listen %q: %w", s.socketPath, err))
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		s.log.Warn("adminipc: chmod failed", zap.Error(err))
	}
	if gid, err := lookupGroupID(DefaultGroup); err == nil {
		_ = os.Chown(s.socketPath, 0, gid)
	} else {
		s.log.Warn("adminipc: could not resolve admin group, leaving socket group as created",
			zap.String("group", DefaultGroup), zap.Error(err))
	}

	s.log.Info("adminipc: socket listening", zap.String("component", "adminipc"), zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("adminipc: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminipc: max connections reached, rejecting")
			conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func lookupGroupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}

// handleConn reads one length-prefixed request frame, dispatches it, and
// writes one length-prefixed response frame.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	body, err := readFrame(conn)
	if err != nil {
		s.log.Warn("adminipc: frame read failed", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(conn, Response{Error: "invalid_argument", Detail: "malformed JSON body"})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// readFrame reads one length-prefixed frame: a 4-byte big-endian
// unsigned length followed by the body. A frame declaring a length
// beyond maxFrameBytes is read and discarded in full before the error is
// returned, so the connection is never closed on a half-read frame;
// handleConn then closes it without sending a response.
func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameBytes {
		if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
			return nil, fmt.Errorf("drain oversized frame: %w", err)
		}
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", length, maxFrameBytes)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("adminipc: marshal response failed", zap.Error(err))
		return
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return
	}
	_, _ = conn.Write(data)
}

func (s *Server) dispatch(req Request) Response {
	if s.metrics != nil {
		s.metrics.IpcCommandsTotal.WithLabelValues(req.Cmd).Inc()
	}
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "list-kids":
		return s.cmdListKids()
	case "get-quota":
		return s.cmdGetQuota(req)
	case "grant-bonus":
		return s.cmdGrantBonus(req)
	case "reload":
		return s.cmdReload()
	case "list-timers":
		return s.cmdListTimers()
	default:
		return Response{Error: "unknown_command"}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		Version:     s.backend.Version(),
		UptimeSec:   int64(time.Since(s.backend.StartedAt()).Seconds()),
		ActiveUsers: s.backend.ActiveUserCount(),
	}
}

func (s *Server) cmdListKids() Response {
	return Response{Kids: s.backend.ManagedUsernames()}
}

func (s *Server) cmdGetQuota(req Request) Response {
	if req.User == "" {
		return Response{Error: "invalid_argument", Detail: "user is required"}
	}
	quota, used, remaining, phase, ok := s.backend.Quota(req.User)
	if !ok {
		return Response{Error: "invalid_argument", Detail: fmt.Sprintf("user %q is not managed", req.User)}
	}
	return Response{Quota: quota, Used: used, Remaining: remaining, Phase: phase}
}

func (s *Server) cmdGrantBonus(req Request) Response {
	if req.User == "" {
		return Response{Error: "invalid_argument", Detail: "user is required"}
	}
	if req.Minutes < 1 || req.Minutes > 240 {
		return Response{Error: "invalid_argument", Detail: "minutes must be in [1, 240]"}
	}
	if err := s.backend.GrantBonus(req.User, req.Minutes); err != nil {
		s.log.Error("adminipc: grant-bonus failed",
			zap.String("component", "adminipc"), zap.String("username", req.User), zap.Error(err))
		return Response{Error: "invalid_argument", Detail: err.Error()}
	}
	s.log.Info("adminipc: bonus granted",
		zap.String("component", "adminipc"), zap.String("username", req.User), zap.Int("minutes", req.Minutes))
	return Response{}
}

func (s *Server) cmdReload() Response {
	if err := s.backend.Reload(); err != nil {
		return Response{Error: "invalid_argument", Detail: err.Error()}
	}
	return Response{}
}

func (s *Server) cmdListTimers() Response {
	timers, err := s.backend.ListTimers()
	if err != nil {
		return Response{Error: "invalid_argument", Detail: err.Error()}
	}
	return Response{Timers: timers}
}
