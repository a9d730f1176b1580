package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/metrics"
	"github.com/umar/chatsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type Credentials struct {
	Token string
}

type Handler func(chat.InEvent)

type Options struct {
	URL     string
	Backoff Backoff
	Logger  *slog.Logger
	Metrics *metrics.Client
	Dialer  *websocket.Dialer
	// Now is used for the local token expiry check.
	Now func() time.Time
}

// Manager is safe for concurrent use. Handlers run on the manager's
// goroutines and must not block.
type Manager struct {
	url     string
	backoff Backoff
	log     *slog.Logger
	metrics *metrics.Client
	dialer  *websocket.Dialer
	now     func() time.Time

	mu       sync.Mutex
	state    State
	sess     *session
	token    string
	userID   string
	rooms    map[string]struct{}
	handlers map[string][]Handler
}

// session is one connect..disconnect span, possibly many sockets long.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	link   *link
}

type link struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		url:      opts.URL,
		backoff:  opts.Backoff.withDefaults(),
		log:      log.With("component", "conn"),
		metrics:  opts.Metrics,
		dialer:   dialer,
		now:      now,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]Handler),
	}
}

// On registers h for an inbound event type, including the synthetic
// connection:status.
func (m *Manager) On(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID is the identity carried by the current token.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connect opens the link. It is a no-op while a session is already live.
// An expired or unreadable token fails with models.ErrAuth before dialing.
// A transport failure returns an error wrapping models.ErrTransport and
// leaves the manager reconnecting in the background.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	live := m.sess != nil
	m.mu.Unlock()
	if live {
		return nil
	}

	claims, err := auth.Inspect(creds.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if claims.Expired(m.now()) {
		return fmt.Errorf("%w: token expired", models.ErrAuth)
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return nil
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: sctx, cancel: cancel}
	m.sess = s
	m.token = creds.Token
	m.userID = claims.UserID
	m.mu.Unlock()

	m.setState(s, Connecting, 0, nil)

	ws, err := m.dial(ctx, creds.Token)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			m.end(s, err)
			return err
		}
		m.log.Warn("connect failed, retrying", "error", err)
		m.setState(s, Reconnecting, 0, err)
		go m.supervise(s, nil)
		return err
	}
	go m.supervise(s, ws)
	return nil
}

// Disconnect cancels pending retries and closes the link. Events that
// arrive afterwards are dropped.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.end(s, nil)
}

// end tears a session down and reports the final disconnected state.
func (m *Manager) end(s *session, cause error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.sess = nil
	m.mu.Unlock()

	s.cancel()
	m.announce(Disconnected, 0, cause)
}

// Subscribe records roomID as subscribed and joins it now when connected.
// Subscribed rooms are joined again after every reconnect.
func (m *Manager) Subscribe(roomID string) error {
	m.mu.Lock()
	m.rooms[roomID] = struct{}{}
	userID := m.userID
	m.mu.Unlock()
	err := m.Emit(chat.RoomJoin{RoomID: roomID, UserID: userID})
	if errors.Is(err, models.ErrNotConnected) {
		return nil
	}
	return err
}

func (m *Manager) Unsubscribe(roomID string) error {
	m.mu.Lock()
	_, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.Emit(chat.RoomLeave{RoomID: roomID})
	if errors.Is(err, models.ErrNotConnected) {
		return nil
	}
	return err
}

func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionsLocked()
}

func (m *Manager) subscriptionsLocked() []string {
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Emit queues ev on the live link. It fails with models.ErrNotConnected
// unless the manager is connected.
func (m *Manager) Emit(ev chat.OutEvent) error {
	data, err := chat.Encode(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	var l *link
	if m.sess != nil && m.state == Connected {
		l = m.sess.link
	}
	m.mu.Unlock()
	if l == nil {
		return models.ErrNotConnected
	}
	return l.enqueue(data)
}

func (l *link) enqueue(data []byte) error {
	select {
	case <-l.done:
		return models.ErrNotConnected
	default:
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return models.ErrNotConnected
	default:
		return fmt.Errorf("%w: send buffer full", models.ErrTransport)
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(m.url)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %d", models.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return ws, nil
}

// supervise serves ws, if any, and keeps redialing after drops until the
// session ends.
func (m *Manager) supervise(s *session, ws *websocket.Conn) {
	for {
		if ws != nil {
			err := m.serve(s, ws)
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrAuth) {
				m.end(s, err)
				return
			}
			m.log.Warn("connection lost", "error", err)
			m.setState(s, Reconnecting, 0, err)
		}
		ws = m.redial(s)
		if ws == nil {
			return
		}
	}
}

func (m *Manager) redial(s *session) *websocket.Conn {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if m.backoff.Exhausted(attempt) {
			m.log.Error("giving up reconnecting", "attempts", attempt-1, "error", lastErr)
			m.end(s, fmt.Errorf("%w: %v", models.ErrRetriesExhausted, lastErr))
			return nil
		}
		delay := m.backoff.Delay(attempt)
		m.setState(s, Reconnecting, attempt, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		m.metrics.IncReconnectAttempt()
		ws, err := m.dial(s.ctx, token)
		if err == nil {
			m.log.Info("reconnected", "attempt", attempt)
			return ws
		}
		if s.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, models.ErrAuth) {
			m.end(s, err)
			return nil
		}
		m.log.Debug("reconnect attempt failed", "attempt", attempt, "delay", delay, "error", err)
		lastErr = err
	}
}

// serve runs the pumps for one socket and returns why it ended.
func (m *Manager) serve(s *session, ws *websocket.Conn) error {
	l := &link{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		ws.Close()
		return s.ctx.Err()
	}
	s.link = l
	m.state = Connected
	// joins go out ahead of anything else queued on this link
	for _, roomID := range m.subscriptionsLocked() {
		data, err := chat.Encode(chat.RoomJoin{RoomID: roomID, UserID: m.userID})
		if err == nil {
			l.enqueue(data)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writePump(s.ctx, l)
	}()

	m.announce(Connected, 0, nil)
	err := m.readPump(s.ctx, l)

	close(l.done)
	ws.Close()
	wg.Wait()

	m.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	m.mu.Unlock()
	return err
}

var errServerUnauthorized = fmt.Errorf("%w: relay rejected the session", models.ErrAuth)

func (m *Manager) readPump(ctx context.Context, l *link) error {
	l.ws.SetReadLimit(maxMessageSize)
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev, err := chat.DecodeInbound(data)
		if err != nil {
			if errors.Is(err, chat.ErrUnknownEvent) {
				m.log.Debug("dropping unknown event", "error", err)
			} else {
				m.log.Warn("dropping malformed frame", "error", err)
			}
			continue
		}
		m.metrics.IncEvent(ev.EventType())
		m.dispatch(ev)

		if e, ok := ev.(chat.Error); ok && e.Code == chat.CodeUnauthorized {
			return errServerUnauthorized
		}
	}
}

func (m *Manager) writePump(ctx context.Context, l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.ws.Close()
	}()

	for {
		select {
		case data := <-l.send:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		case <-ctx.Done():
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			l.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// setState records a transition for a live session and announces it.
func (m *Manager) setState(s *session, st State, attempt int, cause error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.mu.Unlock()
	m.announce(st, attempt, cause)
}

func (m *Manager) announce(st State, attempt int, cause error) {
	m.metrics.SetConnectionState(int(st))
	m.log.Debug("connection state", "state", st.String(), "attempt", attempt)
	m.dispatch(chat.ConnectionStatus{State: st.String(), Attempt: attempt, Err: cause})
}

func (m *Manager) dispatch(ev chat.InEvent) {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers[ev.EventType()]...)
	m.mu.Unlock()
	for _, h := range hs {
		m.call(h, ev)
	}
}

func (m *Manager) call(h Handler, ev chat.InEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", "event", ev.EventType(), "panic", r)
		}
	}()
	h(ev)
}
