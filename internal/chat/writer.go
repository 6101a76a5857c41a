package chat

import (
	"log/slog"

	"github.com/andy6609/relaychat/internal/transport"
)

// StartOutboundWriter drains out into conn, one write per line, until out is
// closed or a write fails.
func StartOutboundWriter(conn transport.Conn, out <-chan string, logger *slog.Logger) {
	go func() {
		for msg := range out {
			// Best-effort. If the connection breaks, just stop the writer.
			if err := conn.WriteMessage(msg); err != nil {
				logger.Debug("outbound writer stopped", "error", err)
				return
			}
		}
	}()
}
