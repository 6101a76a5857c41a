package chat

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry maps nicknames to live clients. The map is owned by the Run goroutine;
// every other goroutine reaches it through the request methods below.
type Registry struct {
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Stop signals the Run loop to exit. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

// Register claims nickname for c. On success greeting is queued to c and c's
// outbound queue becomes owned by the registry.
func (r *Registry) Register(c *Client, nickname, greeting string) error {
	return r.request(Event{Type: EventRegister, Client: c, Nickname: nickname, Text: greeting})
}

// Unregister releases c's nickname and closes its outbound queue. A non-empty
// notice is broadcast to the remaining clients. Returns ErrNotRegistered when c no
// longer owns a nickname, which callers may ignore.
func (r *Registry) Unregister(c *Client, notice string) error {
	return r.request(Event{Type: EventUnregister, Client: c, Text: notice})
}

// Broadcast queues text to every registered client.
func (r *Registry) Broadcast(text string) error {
	return r.request(Event{Type: EventBroadcast, Text: text})
}

// Direct queues text to the client named to and echoes it to from.
func (r *Registry) Direct(from *Client, to, text string) error {
	return r.request(Event{Type: EventDirect, Client: from, To: to, Text: text})
}

// Send queues text to c if it is still registered.
func (r *Registry) Send(c *Client, text string) error {
	return r.request(Event{Type: EventSend, Client: c, Text: text})
}

// CloseAll closes every registered connection and refuses later registrations.
func (r *Registry) CloseAll() error {
	return r.request(Event{Type: EventCloseAll})
}

// Nicknames returns the registered nicknames in sorted order. Only tests call
// it today.
func (r *Registry) Nicknames() ([]string, error) {
	names := make(chan []string, 1)
	if err := r.request(Event{Type: EventList, Names: names}); err != nil {
		return nil, err
	}
	return <-names, nil
}

func (r *Registry) request(ev Event) error {
	ev.Reply = make(chan error, 1)
	select {
	case r.events <- ev:
	case <-r.stopCh:
		return ErrRegistryStopped
	}
	select {
	case err := <-ev.Reply:
		return err
	case <-r.doneCh:
		return ErrRegistryStopped
	}
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	clients := make(map[string]*Client)
	sealed := false

	for {
		select {
		case ev := <-r.events:
			start := time.Now()

			var err error
			switch ev.Type {
			case EventRegister:
				if sealed {
					err = ErrRegistryClosed
					break
				}
				err = r.handleRegister(clients, ev)
				ConnectedClients.Set(float64(len(clients)))
			case EventUnregister:
				err = r.handleUnregister(clients, ev)
				ConnectedClients.Set(float64(len(clients)))
			case EventBroadcast:
				r.broadcast(clients, ev.Text)
			case EventDirect:
				err = r.handleDirect(clients, ev)
			case EventSend:
				err = r.handleSend(clients, ev)
			case EventCloseAll:
				sealed = true
				r.handleCloseAll(clients)
				ConnectedClients.Set(0)
			case EventList:
				ev.Names <- sortedNames(clients)
			}

			ev.Reply <- err
			EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handleRegister(clients map[string]*Client, ev Event) error {
	nickname := trimNickname(ev.Nickname)
	if nickname == "" {
		return ErrNicknameEmpty
	}
	if _, exists := clients[nickname]; exists {
		return ErrNicknameTaken
	}

	ev.Client.Nickname = nickname
	clients[nickname] = ev.Client

	r.logger.Info("user registered", "nickname", nickname, "session", ev.Client.ID)

	if ev.Text != "" {
		r.sendLine(ev.Client, ev.Text)
	}
	return nil
}

func (r *Registry) handleUnregister(clients map[string]*Client, ev Event) error {
	if !owns(clients, ev.Client) {
		return ErrNotRegistered
	}
	nickname := ev.Client.Nickname
	delete(clients, nickname)

	r.logger.Info("user left", "nickname", nickname, "session", ev.Client.ID)

	// Closing Out stops the writer goroutine gracefully.
	close(ev.Client.Out)
	if ev.Text != "" {
		r.broadcast(clients, ev.Text)
	}
	return nil
}

func (r *Registry) handleDirect(clients map[string]*Client, ev Event) error {
	if !owns(clients, ev.Client) {
		return ErrNotRegistered
	}
	receiver, ok := clients[ev.To]
	if !ok {
		return ErrNoSuchUser
	}
	r.sendLine(receiver, ev.Text)
	if receiver != ev.Client {
		r.sendLine(ev.Client, ev.Text)
	}
	return nil
}

func (r *Registry) handleSend(clients map[string]*Client, ev Event) error {
	if !owns(clients, ev.Client) {
		return ErrNotRegistered
	}
	r.sendLine(ev.Client, ev.Text)
	return nil
}

func (r *Registry) handleCloseAll(clients map[string]*Client) {
	for nickname, c := range clients {
		close(c.Out)
		if err := c.Conn.Close(); err != nil {
			r.logger.Debug("close failed", "nickname", nickname, "error", err)
		}
		delete(clients, nickname)
	}
	r.logger.Info("closed all connections")
}

func (r *Registry) broadcast(clients map[string]*Client, line string) {
	for _, c := range clients {
		r.sendLine(c, line)
	}
}

func (r *Registry) sendLine(c *Client, line string) {
	// Non-blocking send prevents slow/disconnected clients from blocking the registry.
	select {
	case c.Out <- line:
	default:
		DroppedLines.Inc()
		r.logger.Warn("outbound queue full, line dropped", "nickname", c.Nickname, "session", c.ID)
	}
}

// owns reports whether c is the current holder of its nickname. A stale session
// must not evict a newer claimant of the same name.
func owns(clients map[string]*Client, c *Client) bool {
	if c == nil || c.Nickname == "" {
		return false
	}
	cur, ok := clients[c.Nickname]
	return ok && cur.ID == c.ID
}

// trimNickname strips surrounding whitespace, including a trailing newline.
func trimNickname(s string) string {
	return strings.TrimSpace(s)
}

func sortedNames(clients map[string]*Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
