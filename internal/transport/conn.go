// Package transport turns byte streams into chat message units.
//
// A message unit is whatever the peer sent in one piece: the bytes returned by a
// single read in raw framing, one line in line framing, or one WebSocket frame.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// DefaultBufferSize bounds a single raw read.
const DefaultBufferSize = 1024

// Message is the result of one read. EOF reports an orderly disconnect; Text is
// empty in that case.
type Message struct {
	Text string
	EOF  bool
}

// Conn is a message-oriented client connection. WriteMessage delivers text as one
// contiguous write and is safe for concurrent use.
type Conn interface {
	ReadMessage() (Message, error)
	WriteMessage(text string) error
	Close() error
	RemoteAddr() net.Addr
}

// Framing selects how message units are cut from a TCP stream.
type Framing string

const (
	// FramingRaw treats each read as one message and writes lines undelimited.
	FramingRaw Framing = "raw"
	// FramingLine reads and writes newline-terminated lines.
	FramingLine Framing = "line"
)

// ParseFraming validates a framing name.
func ParseFraming(name string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(name))); f {
	case FramingRaw, FramingLine:
		return f, nil
	default:
		return "", fmt.Errorf("transport: unknown framing %q", name)
	}
}

// Wrap adapts a stream connection to Conn using the given framing.
func Wrap(conn net.Conn, framing Framing, bufSize int) Conn {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if framing == FramingLine {
		return &lineConn{conn: conn, r: bufio.NewReaderSize(conn, bufSize)}
	}
	return &rawConn{conn: conn, buf: make([]byte, bufSize)}
}

type rawConn struct {
	conn net.Conn
	buf  []byte
	wmu  sync.Mutex
}

func (c *rawConn) ReadMessage() (Message, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		// A trailing EOF surfaces on the next read.
		return Message{Text: trimEOL(string(c.buf[:n]))}, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return Message{EOF: true}, nil
	}
	return Message{}, fmt.Errorf("read: %w", err)
}

func (c *rawConn) WriteMessage(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, text)
	return err
}

func (c *rawConn) Close() error         { return c.conn.Close() }
func (c *rawConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// ReadMessage returns one line. Lines longer than the reader buffer are split
// into buffer-sized messages.
func (c *lineConn) ReadMessage() (Message, error) {
	line, err := c.r.ReadSlice('\n')
	switch {
	case err == nil || errors.Is(err, bufio.ErrBufferFull):
		return Message{Text: trimEOL(string(line))}, nil
	case errors.Is(err, io.EOF):
		if len(line) > 0 {
			// last line without newline
			return Message{Text: trimEOL(string(line))}, nil
		}
		return Message{EOF: true}, nil
	default:
		return Message{}, fmt.Errorf("read: %w", err)
	}
}

func (c *lineConn) WriteMessage(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, text+"\n")
	return err
}

func (c *lineConn) Close() error         { return c.conn.Close() }
func (c *lineConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}
