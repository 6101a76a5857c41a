package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/andy6609/relaychat/internal/transport"
)

type Server struct {
	cfg     Config
	dialect Dialect
	logger  *slog.Logger
	reg     *Registry
	router  *Router

	mu       sync.Mutex
	listener net.Listener
	live     map[*Client]struct{} // every served connection, registered or not

	stopping atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	sessions sync.WaitGroup
}

// NewServer builds a server and starts its registry. Call Stop to release it.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Sanitize()
	d, _ := DialectByName(cfg.Dialect)

	s := &Server{
		cfg:     cfg,
		dialect: d,
		logger:  logger,
		reg:     NewRegistry(cfg.RegistryBuffer, logger),
		live:    make(map[*Client]struct{}),
		done:    make(chan struct{}),
	}
	s.router = NewRouter(s.reg, d, cfg.Admin, s.requestShutdown, logger)

	go s.reg.Run()
	return s
}

// Registry exposes the server's registry for inspection in tests.
func (s *Server) Registry() *Registry { return s.reg }

// Done is closed once the shutdown flag is set.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) Stopping() bool { return s.stopping.Load() }

// Listen binds and listens on the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("server is listening", "addr", ln.Addr().String(),
		"admin", s.cfg.Admin, "framing", s.cfg.Framing, "dialect", s.dialect.Name)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener fails or the shutdown flag is
// seen. The flag is checked after each accept, so the connection that wakes the
// loop is closed without being served. Serve always returns a non-nil error;
// ErrServerStopped marks a normal stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.Stopping() || errors.Is(err, net.ErrClosed) {
				return ErrServerStopped
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if s.Stopping() {
			s.logger.Info("shutdown flag set, not serving", "addr", conn.RemoteAddr().String())
			_ = conn.Close()
			return ErrServerStopped
		}

		s.logger.Info("got a connection", "addr", conn.RemoteAddr().String())
		s.serveConn(transport.Wrap(conn, s.cfg.Framing, s.cfg.BufferSize), "tcp")
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerStopped) {
			s.logger.Error("serve stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every connection, then stops the registry and
// waits for the sessions to finish.
func (s *Server) Stop() {
	s.logger.Info("shutting down")
	s.requestShutdown()

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.live {
		_ = c.Conn.Close()
	}
	s.mu.Unlock()

	if err := s.reg.CloseAll(); err != nil && !errors.Is(err, ErrRegistryStopped) {
		s.logger.Warn("close all failed", "error", err)
	}
	s.reg.Stop()
	s.reg.Wait()
	s.sessions.Wait()

	s.logger.Info("shutdown complete")
}

// WebSocketHandler serves the chat protocol over WebSocket, one frame per message.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := transport.NewUpgrader(s.cfg.AllowedOrigins, s.cfg.BufferSize, s.logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.Stopping() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}
		s.logger.Info("got a websocket connection", "addr", r.RemoteAddr)
		s.serveConn(transport.NewWebSocketConn(ws, s.cfg.BufferSize), "websocket")
	})
}

func (s *Server) serveConn(conn transport.Conn, kind string) {
	ConnectionsTotal.WithLabelValues(kind).Inc()

	c := NewClient(conn, s.cfg.OutboundQueue)
	sess := NewSession(c, s.reg, s.router, s.dialect, s.Stopping, s.logger)

	// Stop sets the flag before taking mu, so a session added here is either
	// seen by Stop's close loop or never started.
	s.mu.Lock()
	if s.Stopping() {
		s.mu.Unlock()
		s.logger.Info("shutdown flag set, not serving", "addr", remoteAddr(conn))
		_ = conn.Close()
		return
	}
	s.live[c] = struct{}{}
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		defer func() {
			s.mu.Lock()
			delete(s.live, c)
			s.mu.Unlock()
		}()
		sess.Run()
	}()
}

func (s *Server) requestShutdown() {
	s.doneOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)
	})
}
