package chat

import (
	"bufio"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andy6609/relaychat/internal/transport"
)

const prompt = "Give your nickname: "

func startServer(t *testing.T, cfg Config) (*Server, <-chan error) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(srv.Stop)
	return srv, served
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join runs the handshake for nickname and returns the connection.
func join(t *testing.T, srv *Server, nickname string) net.Conn {
	t.Helper()
	return joinWithPrompt(t, srv, nickname, prompt)
}

func joinWithPrompt(t *testing.T, srv *Server, nickname, greetPrompt string) net.Conn {
	t.Helper()
	conn := dial(t, srv)
	expect(t, conn, greetPrompt)
	send(t, conn, nickname)
	expect(t, conn, "hello "+nickname)
	return conn
}

func send(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
}

// expect reads one message unit and compares it with want.
func expect(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read (want %q): %v", want, err)
	}
	if got := string(buf[:n]); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected silence, got %q (err %v)", buf[:n], err)
	}
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("connection still open")
			}
			return
		}
		if n > 0 {
			t.Fatalf("unexpected data before close: %q", buf[:n])
		}
	}
}

func TestServer_AdminScenario(t *testing.T) {
	cfg := NewConfig()
	cfg.Admin = true
	srv, served := startServer(t, cfg)

	freddie := join(t, srv, "Freddie")
	jim := join(t, srv, "Jim")
	mick := join(t, srv, "Mick")

	names, err := srv.Registry().Nicknames()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "Freddie,Jim,Mick" {
		t.Fatalf("registry = %v", names)
	}

	send(t, freddie, "what's up?")
	for _, c := range []net.Conn{freddie, jim, mick} {
		expect(t, c, "Freddie: what's up?")
	}

	send(t, freddie, "@Jim hello Jim")
	expect(t, freddie, "Freddie: hello Jim")
	expect(t, jim, "Freddie: hello Jim")
	expectSilence(t, mick)

	send(t, freddie, "@Nobody hi")
	expect(t, freddie, "No such user: Nobody")
	expectSilence(t, jim)
	expectSilence(t, mick)

	send(t, mick, "/stop_server")
	for _, c := range []net.Conn{freddie, jim, mick} {
		expectClosed(t, c)
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown flag not set")
	}

	// The next accepted connection is dropped and the accept loop ends.
	late, err := net.Dial("tcp", srv.Addr().String())
	if err == nil {
		defer late.Close()
		expectClosed(t, late)
	}
	select {
	case err := <-served:
		if !errors.Is(err, ErrServerStopped) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 500*time.Millisecond); err == nil {
		t.Fatal("listener still accepting")
	}
}

func TestServer_NicknameCollisionReprompts(t *testing.T) {
	srv, _ := startServer(t, NewConfig())

	freddie := join(t, srv, "Freddie")

	other := dial(t, srv)
	expect(t, other, prompt)
	send(t, other, "Freddie")
	expect(t, other, prompt)
	send(t, other, "Roger")
	expect(t, other, "hello Roger")

	send(t, freddie, "still me")
	expect(t, freddie, "Freddie: still me")
	expect(t, other, "Freddie: still me")
}

func TestServer_QuitAndDisconnectAnnounceDeparture(t *testing.T) {
	srv, _ := startServer(t, NewConfig())

	freddie := join(t, srv, "Freddie")
	jim := join(t, srv, "Jim")
	mick := join(t, srv, "Mick")

	send(t, jim, "/quit")
	expectClosed(t, jim)
	expect(t, freddie, "Jim left chat")
	expect(t, mick, "Jim left chat")

	_ = mick.Close()
	expect(t, freddie, "Mick left chat")

	names, _ := srv.Registry().Nicknames()
	if len(names) != 1 || names[0] != "Freddie" {
		t.Fatalf("registry = %v", names)
	}
}

func TestServer_StopServerWithoutAdminIsChat(t *testing.T) {
	srv, _ := startServer(t, NewConfig())

	freddie := join(t, srv, "Freddie")
	jim := join(t, srv, "Jim")

	send(t, jim, "/stop_server")
	expect(t, freddie, "Jim: /stop_server")
	expect(t, jim, "Jim: /stop_server")
	if srv.Stopping() {
		t.Fatal("server flagged for shutdown without admin mode")
	}
}

func TestServer_MalformedDirected(t *testing.T) {
	srv, _ := startServer(t, NewConfig())

	freddie := join(t, srv, "Freddie")
	jim := join(t, srv, "Jim")

	send(t, freddie, "@Jim")
	expect(t, freddie, MalformedDirectedText)
	expectSilence(t, jim)
}

func TestServer_LegacyDialect(t *testing.T) {
	cfg := NewConfig()
	cfg.Dialect = LegacyDialect.Name
	srv, _ := startServer(t, cfg)

	conn := dial(t, srv)
	expect(t, conn, LegacyDialect.Prompt)
	send(t, conn, "Freddie")
	expect(t, conn, "hello Freddie")

	other := joinWithPrompt(t, srv, "Jim", LegacyDialect.Prompt)
	send(t, other, "quit")
	expectClosed(t, other)
	expect(t, conn, "Jim left chat")
}

func TestServer_LineFraming(t *testing.T) {
	cfg := NewConfig()
	cfg.Framing = transport.FramingLine
	srv, _ := startServer(t, cfg)

	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	readLine := func(want string) {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read (want %q): %v", want, err)
		}
		if got := strings.TrimRight(line, "\n"); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}

	readLine(prompt)
	send(t, conn, "Freddie\r\n")
	readLine("hello Freddie")
	send(t, conn, "one\ntwo\n")
	readLine("Freddie: one")
	readLine("Freddie: two")
}

func TestServer_WebSocketBridgesToTCP(t *testing.T) {
	srv, _ := startServer(t, NewConfig())
	hs := httptest.NewServer(srv.WebSocketHandler())
	t.Cleanup(hs.Close)

	tcp := join(t, srv, "Freddie")

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	readFrame := func(want string) {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ws read (want %q): %v", want, err)
		}
		if string(data) != want {
			t.Fatalf("got %q, want %q", data, want)
		}
	}

	readFrame(prompt)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("Jim")); err != nil {
		t.Fatal(err)
	}
	readFrame("hello Jim")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("@Freddie hi from the web")); err != nil {
		t.Fatal(err)
	}
	expect(t, tcp, "Jim: hi from the web")
	readFrame("Jim: hi from the web")

	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	expect(t, tcp, "Jim left chat")
}

func TestServer_ListenErrors(t *testing.T) {
	srv, _ := startServer(t, NewConfig())

	cfg := NewConfig()
	cfg.Addr = srv.Addr().String()
	busy := NewServer(cfg, nil)
	t.Cleanup(busy.Stop)
	if err := busy.Listen(); err == nil {
		t.Fatal("expected address in use error")
	}

	idle := NewServer(NewConfig(), nil)
	t.Cleanup(idle.Stop)
	if err := idle.Serve(); !errors.Is(err, ErrNotListening) {
		t.Fatalf("Serve before Listen = %v", err)
	}
}

func TestServer_StopClosesHandshakingClients(t *testing.T) {
	cfg := NewConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	pending := dial(t, srv)
	expect(t, pending, prompt)

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a handshaking client")
	}
	expectClosed(t, pending)
}

func TestServer_NoSessionStartsAfterStop(t *testing.T) {
	srv := NewServer(NewConfig(), nil)
	srv.Stop()

	conn := &stubConn{}
	srv.serveConn(conn, "websocket")
	if !conn.closed.Load() {
		t.Fatal("connection served after Stop")
	}

	srv.mu.Lock()
	live := len(srv.live)
	srv.mu.Unlock()
	if live != 0 {
		t.Fatalf("%d sessions tracked after Stop", live)
	}

	waited := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("a session was started after Stop")
	}
}
