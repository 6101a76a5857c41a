package chat

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/andy6609/relaychat/internal/transport"
)

type SessionState int

const (
	StateHandshake SessionState = iota
	StateActive
	StateClosed
)

// Session drives one client connection through HANDSHAKE, ACTIVE and CLOSED.
type Session struct {
	client   *Client
	reg      *Registry
	router   *Router
	dialect  Dialect
	stopping func() bool
	logger   *slog.Logger
	state    atomic.Int32
}

func NewSession(c *Client, reg *Registry, router *Router, d Dialect, stopping func() bool, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if stopping == nil {
		stopping = func() bool { return false }
	}
	return &Session{
		client:   c,
		reg:      reg,
		router:   router,
		dialect:  d,
		stopping: stopping,
		logger:   logger.With("session", c.ID, "addr", remoteAddr(c.Conn)),
	}
}

// State reports the lifecycle state. Tests use it to follow the handshake.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *Session) Run() {
	c := s.client
	defer func() {
		s.setState(StateClosed)
		_ = c.Conn.Close()
	}()

	StartOutboundWriter(c.Conn, c.Out, s.logger)

	if !s.handshake() {
		// Out is still ours until registration succeeds.
		close(c.Out)
		return
	}
	s.setState(StateActive)
	log := s.logger.With("nickname", c.Nickname)

	for !s.stopping() {
		msg, err := c.Conn.ReadMessage()
		if err != nil {
			if s.stopping() {
				break
			}
			if transport.IsTransient(err) {
				log.Warn("read failed, skipping", "error", err)
				continue
			}
			if transport.IsReset(err) {
				log.Info("connection reset", "error", err)
			} else {
				log.Error("read failed, closing", "error", err)
			}
			s.leave(log)
			return
		}
		if msg.EOF {
			log.Info("client disconnected")
			s.leave(log)
			return
		}
		if msg.Text == "" {
			continue
		}

		outcome, err := s.router.Route(c, msg.Text)
		if err != nil {
			log.Warn("routing failed", "error", err)
			if errors.Is(err, ErrRegistryStopped) {
				return
			}
		}
		if outcome != OutcomeContinue {
			return
		}
	}

	// Shutdown closed our connection; the registry entry is gone already.
	_ = s.reg.Unregister(c, "")
}

// handshake prompts until a free nickname is registered. It reports false when
// the connection ended first.
func (s *Session) handshake() bool {
	c := s.client
	s.setState(StateHandshake)
	for !s.stopping() {
		sendLine(c, s.dialect.Prompt)

		msg, err := c.Conn.ReadMessage()
		if err != nil {
			if transport.IsTransient(err) {
				continue
			}
			s.logger.Info("handshake aborted", "error", err)
			return false
		}
		if msg.EOF {
			s.logger.Info("client left during handshake")
			return false
		}

		err = s.reg.Register(c, msg.Text, "hello "+trimNickname(msg.Text))
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrNicknameTaken), errors.Is(err, ErrNicknameEmpty):
			s.logger.Info("nickname rejected", "nickname", msg.Text, "error", err)
		default:
			s.logger.Warn("register failed", "error", err)
			return false
		}
	}
	return false
}

// leave removes the client and tells everyone else it is gone.
func (s *Session) leave(log *slog.Logger) {
	c := s.client
	err := s.reg.Unregister(c, c.Nickname+" left chat")
	if err != nil && !errors.Is(err, ErrNotRegistered) {
		log.Warn("unregister failed", "error", err)
	}
}

// sendLine queues a line on a client the session still owns.
func sendLine(c *Client, line string) {
	select {
	case c.Out <- line:
	default:
		DroppedLines.Inc()
	}
}

func remoteAddr(conn transport.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
