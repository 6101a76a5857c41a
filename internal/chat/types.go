package chat

import (
	"github.com/google/uuid"

	"github.com/andy6609/relaychat/internal/transport"
)

type Client struct {
	ID       string
	Conn     transport.Conn
	Nickname string
	Out      chan string // outbound lines written by the writer goroutine
}

// NewClient wraps conn with a fresh session id and an outbound queue.
func NewClient(conn transport.Conn, queue int) *Client {
	if queue <= 0 {
		queue = 32
	}
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Out:  make(chan string, queue),
	}
}

type EventType int

const (
	EventRegister EventType = iota
	EventUnregister
	EventBroadcast
	EventDirect
	EventSend
	EventCloseAll
	EventList
)

func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventBroadcast:
		return "broadcast"
	case EventDirect:
		return "direct"
	case EventSend:
		return "send"
	case EventCloseAll:
		return "close_all"
	case EventList:
		return "list"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	Client   *Client
	Nickname string
	To       string
	Text     string
	Reply    chan error    // answered exactly once per event
	Names    chan []string // list only
}

var (
	ErrNicknameTaken   = errorString("nickname_taken")
	ErrNicknameEmpty   = errorString("nickname_empty")
	ErrNoSuchUser      = errorString("no_such_user")
	ErrNotRegistered   = errorString("not_registered")
	ErrRegistryClosed  = errorString("registry_closed")
	ErrRegistryStopped = errorString("registry_stopped")
	ErrNotListening    = errorString("not_listening")
	ErrServerStopped   = errorString("server_stopped")
)

type errorString string

func (e errorString) Error() string { return string(e) }
