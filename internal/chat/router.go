package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MalformedDirectedText is returned to a sender whose "@nick" has no body.
const MalformedDirectedText = "Can't send message to receiver. Wrong syntax."

type CommandKind int

const (
	CommandBroadcast CommandKind = iota
	CommandDirected
	CommandQuit
	CommandShutdown
	CommandMalformed
)

func (k CommandKind) String() string {
	switch k {
	case CommandBroadcast:
		return "broadcast"
	case CommandDirected:
		return "directed"
	case CommandQuit:
		return "quit"
	case CommandShutdown:
		return "shutdown"
	case CommandMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Command is a parsed client message. To is set only for CommandDirected.
type Command struct {
	Kind CommandKind
	To   string
	Body string
}

// ParseMessage classifies one raw message. Reserved tokens only count when they
// are the whole message; "@bob /quit" is a directed message carrying "/quit".
func ParseMessage(message string, d Dialect) Command {
	switch message {
	case d.Quit:
		return Command{Kind: CommandQuit}
	case d.Shutdown:
		return Command{Kind: CommandShutdown, Body: message}
	}
	if !strings.HasPrefix(message, "@") {
		return Command{Kind: CommandBroadcast, Body: message}
	}
	target, body, found := strings.Cut(message[1:], " ")
	if !found {
		return Command{Kind: CommandMalformed}
	}
	return Command{Kind: CommandDirected, To: target, Body: body}
}

// FormatLine renders a chat line as relayed to clients.
func FormatLine(sender, body string) string {
	return sender + ": " + body
}

// Outcome tells the session what to do after a message was routed.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeClosed           // the sender quit
	OutcomeFatal            // the server is shutting down
)

type Router struct {
	reg      *Registry
	dialect  Dialect
	admin    bool
	shutdown func()
	logger   *slog.Logger
}

// NewRouter builds a router over reg. shutdown is invoked for an authorized
// shutdown command before every connection is closed; it may be nil when admin is
// false.
func NewRouter(reg *Registry, d Dialect, admin bool, shutdown func(), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdown == nil {
		shutdown = func() {}
	}
	return &Router{reg: reg, dialect: d, admin: admin, shutdown: shutdown, logger: logger}
}

// Route parses message from c and delivers the result.
func (rt *Router) Route(c *Client, message string) (Outcome, error) {
	cmd := ParseMessage(message, rt.dialect)
	if cmd.Kind == CommandShutdown && !rt.admin {
		cmd = Command{Kind: CommandBroadcast, Body: message}
	}
	RoutedMessages.WithLabelValues(cmd.Kind.String()).Inc()

	switch cmd.Kind {
	case CommandQuit:
		err := rt.reg.Unregister(c, c.Nickname+" left chat")
		if cerr := c.Conn.Close(); cerr != nil {
			rt.logger.Debug("close after quit", "nickname", c.Nickname, "error", cerr)
		}
		if errors.Is(err, ErrNotRegistered) {
			err = nil
		}
		return OutcomeClosed, err

	case CommandShutdown:
		rt.logger.Warn("shutdown requested", "nickname", c.Nickname, "session", c.ID)
		rt.shutdown()
		if err := rt.reg.CloseAll(); err != nil {
			return OutcomeFatal, fmt.Errorf("close all: %w", err)
		}
		return OutcomeFatal, nil

	case CommandMalformed:
		// Sent once and without the "<nick>: " prefix. Not a relayed chat line.
		return OutcomeContinue, rt.reg.Send(c, MalformedDirectedText)

	case CommandDirected:
		err := rt.reg.Direct(c, cmd.To, FormatLine(c.Nickname, cmd.Body))
		if errors.Is(err, ErrNoSuchUser) {
			RoutedMessages.WithLabelValues("no_such_user").Inc()
			return OutcomeContinue, rt.reg.Send(c, "No such user: "+cmd.To)
		}
		return OutcomeContinue, err

	default:
		return OutcomeContinue, rt.reg.Broadcast(FormatLine(c.Nickname, cmd.Body))
	}
}
