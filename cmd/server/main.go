package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andy6609/relaychat/internal/chat"
	"github.com/andy6609/relaychat/internal/transport"
)

func main() {
	cfg := chat.NewConfigFromEnv()

	framing := string(cfg.Framing)
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "chat listen address (host:port)")
	flag.BoolVar(&cfg.Admin, "admin", cfg.Admin, "allow clients to stop the server")
	flag.StringVar(&framing, "framing", framing, "message framing: raw or line")
	flag.StringVar(&cfg.Dialect, "dialect", cfg.Dialect, "protocol dialect: modern or legacy")
	flag.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "receive buffer size in bytes")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics listen address (empty disables)")
	flag.StringVar(&cfg.WebSocketAddr, "ws-addr", cfg.WebSocketAddr, "websocket listen address (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	flag.Parse()

	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	f, err := transport.ParseFraming(framing)
	if err != nil {
		logger.Error("invalid flag", "error", err)
		os.Exit(2)
	}
	cfg.Framing = f
	if _, err := chat.DialectByName(cfg.Dialect); err != nil {
		logger.Error("invalid flag", "error", err)
		os.Exit(2)
	}

	srv := chat.NewServer(cfg, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	var httpServers []*http.Server
	for addr, mux := range buildMuxes(cfg, srv) {
		hs := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpServers = append(httpServers, hs)
		go func() {
			logger.Info("http listener started", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http listener failed", "addr", hs.Addr, "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-srv.Done():
		logger.Info("shutdown requested by client")
	}

	for _, hs := range httpServers {
		_ = hs.Close()
	}
	srv.Stop()
}

// buildMuxes groups the optional HTTP endpoints by listen address.
func buildMuxes(cfg chat.Config, srv *chat.Server) map[string]*http.ServeMux {
	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}
	if cfg.MetricsAddr != "" {
		mux(cfg.MetricsAddr).Handle("/metrics", promhttp.Handler())
	}
	if cfg.WebSocketAddr != "" {
		mux(cfg.WebSocketAddr).Handle("/ws", srv.WebSocketHandler())
	}
	return muxes
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
