package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/andy6609/relaychat/internal/chat"
	"github.com/andy6609/relaychat/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:12345", "chat server address (host:port)")
	dialect := flag.String("dialect", chat.ModernDialect.Name, "protocol dialect: modern or legacy")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	d, err := chat.DialectByName(*dialect)
	if err != nil {
		logger.Error("invalid flag", "error", err)
		os.Exit(2)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		logger.Error("failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}
	c := transport.Wrap(conn, transport.FramingRaw, transport.DefaultBufferSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(c, os.Stdout, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = c.WriteMessage(d.Quit)
		_ = c.Close()
	}()

	if err := relay(os.Stdin, c); err != nil && !transport.IsReset(err) {
		logger.Error("send failed", "error", err)
	}
	_ = c.Close()
	<-done
}

// receive prints everything the server sends until the connection ends.
func receive(c transport.Conn, w io.Writer, logger *slog.Logger) {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if !transport.IsReset(err) {
				logger.Error("connection lost", "error", err)
			}
			return
		}
		if msg.EOF {
			fmt.Fprintln(w, "Connection closed by server.")
			return
		}
		fmt.Fprintln(w, msg.Text)
	}
}

// relay sends each stdin line as one message.
func relay(r io.Reader, c transport.Conn) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		if err := c.WriteMessage(sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
