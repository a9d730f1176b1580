package relay

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/metrics"
	redisc "github.com/umar/chatsync/internal/redis"
)

type BroadcastMessage struct {
	RoomID        string
	Event         string
	Data          []byte
	ExcludeUserID string
}

type Options struct {
	Logger *slog.Logger
	// Fanout, when set, carries broadcasts to other relay instances.
	Fanout  *redisc.Fanout
	Metrics *metrics.Relay
	// RateLimit and Burst bound inbound frames per connection.
	RateLimit      rate.Limit
	Burst          int
	MaxMessageSize int64
}

type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	store   *database.Store
	fanout  *redisc.Fanout
	metrics *metrics.Relay
	log     *slog.Logger

	limit          rate.Limit
	burst          int
	maxMessageSize int64
}

func NewHub(store *database.Store, opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		done:           make(chan struct{}),
		store:          store,
		fanout:         opts.Fanout,
		metrics:        opts.Metrics,
		log:            log.With("component", "relay"),
		limit:          opts.RateLimit,
		burst:          opts.Burst,
		maxMessageSize: opts.MaxMessageSize,
	}
	if h.limit <= 0 {
		h.limit = 20
	}
	if h.burst <= 0 {
		h.burst = 40
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = 64 * 1024
	}
	return h
}

// Run owns the client table until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.fanout != nil {
		go func() {
			err := h.fanout.SubscribeRooms(ctx, func(roomID string, data []byte, exclude string) {
				h.enqueue(&BroadcastMessage{RoomID: roomID, Data: data, ExcludeUserID: exclude})
			})
			if err != nil && ctx.Err() == nil {
				h.log.Error("fanout subscription ended", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.UserID]; ok {
				close(old.send)
			}
			h.clients[client.UserID] = client
			h.mu.Unlock()
			close(client.ready)
			h.log.Info("client connected", "user_id", client.UserID, "username", client.Username)

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.UserID]; ok && existing == client {
				delete(h.clients, client.UserID)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Info("client disconnected", "user_id", client.UserID)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, client := range h.clients {
		if userID == msg.ExcludeUserID || !client.subscribed(msg.RoomID) {
			continue
		}
		select {
		case client.send <- msg.Data:
		default:
			h.log.Warn("dropping slow client", "user_id", userID)
			close(client.send)
			delete(h.clients, userID)
		}
	}
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full", "room_id", msg.RoomID)
	}
}

// BroadcastToRoom sends data to the room's subscribers on this instance and,
// when fan-out is configured, on every other instance.
func (h *Hub) BroadcastToRoom(roomID, event string, data []byte, excludeUserID string) {
	h.metrics.IncBroadcast(event)
	h.enqueue(&BroadcastMessage{RoomID: roomID, Event: event, Data: data, ExcludeUserID: excludeUserID})
	if h.fanout != nil {
		if err := h.fanout.PublishToRoom(context.Background(), roomID, data, excludeUserID); err != nil {
			h.log.Warn("fanout publish failed", "room_id", roomID, "error", err)
		}
	}
}

// reply sends data to c only while c is the user's live connection.
func (h *Hub) reply(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.UserID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.send)
		delete(h.clients, id)
	}
}
