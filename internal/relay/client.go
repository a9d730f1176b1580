package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	UserID   string
	Username string
	user     models.User
	limiter  *rate.Limiter

	mu    sync.Mutex
	rooms map[string]bool
	send  chan []byte
	ready chan struct{}
}

// ServeWS upgrades an authenticated request. A missing or invalid token is
// rejected with 401 before the upgrade.
func ServeWS(hub *Hub, jwtSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(token, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Error("websocket upgrade failed", "error", err)
			return
		}

		user := hub.store.EnsureUser(models.User{ID: claims.UserID, DisplayName: claims.Username})
		client := &Client{
			hub:      hub,
			conn:     conn,
			UserID:   claims.UserID,
			Username: claims.Username,
			user:     user,
			limiter:  rate.NewLimiter(hub.limit, hub.burst),
			rooms:    make(map[string]bool),
			send:     make(chan []byte, 256),
			ready:    make(chan struct{}),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}
		select {
		case <-client.ready:
		case <-hub.done:
			conn.Close()
			return
		}
		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) subscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

func (c *Client) setSubscribed(roomID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.rooms[roomID] = true
	} else {
		delete(c.rooms, roomID)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Error("ws read error", "error", err, "user_id", c.UserID)
			}
			break
		}

		if !c.limiter.Allow() {
			c.hub.metrics.IncRateLimited()
			c.sendError(chat.CodeRateLimited, "slow down")
			continue
		}

		ev, err := chat.DecodeOutbound(message)
		if err != nil {
			c.sendError(chat.CodeInvalidPayload, err.Error())
			continue
		}
		c.handle(ev)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ev chat.OutEvent) {
	switch ev := ev.(type) {
	case chat.RoomJoin:
		c.handleRoomJoin(ev)
	case chat.RoomLeave:
		c.handleRoomLeave(ev)
	case chat.MessageSend:
		c.handleSendMessage(ev)
	case chat.TypingStatus:
		c.handleTyping(ev)
	case chat.ReadReceipt:
		c.handleReadReceipt(ev)
	case chat.MessageReact:
		c.handleReact(ev)
	}
}

func (c *Client) sendError(code, message string) {
	data, err := chat.Encode(chat.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	c.hub.reply(c, data)
}

// sendStoreError reports a store failure to the client.
func (c *Client) sendStoreError(err error) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrNotFound):
		c.sendError(chat.CodeInvalidPayload, err.Error())
	case errors.Is(err, database.ErrForbidden):
		c.sendError(chat.CodeNotSubscribed, err.Error())
	default:
		c.sendError(chat.CodeInternal, "internal error")
	}
}
