package typing

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/models"
)

type Config struct {
	// Debounce is the minimum spacing between typing-start emissions.
	Debounce time.Duration
	// Idle is how long after the last keystroke an implicit stop is sent.
	Idle time.Duration
	// RemoteTTL bounds how long a remote indicator lives without a refresh.
	RemoteTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:  time.Second,
		Idle:      3 * time.Second,
		RemoteTTL: 5 * time.Second,
	}
}

type localState struct {
	limiter   *rate.Limiter
	announced bool
	lastInput time.Time
}

type remoteEntry struct {
	user      models.User
	expiresAt time.Time
}

// Coordinator is not safe for concurrent use; the sync loop owns it.
type Coordinator struct {
	selfID string
	cfg    Config

	local  map[string]*localState
	remote map[string]map[string]*remoteEntry
}

func New(selfID string, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Idle <= 0 {
		cfg.Idle = def.Idle
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = def.RemoteTTL
	}
	return &Coordinator{
		selfID: selfID,
		cfg:    cfg,
		local:  make(map[string]*localState),
		remote: make(map[string]map[string]*remoteEntry),
	}
}

// SetTyping records local input for a room and returns the signal to emit,
// if any. Starts are collapsed to one per debounce window; while input keeps
// arriving a start is re-sent once per window so remote indicators stay
// armed.
func (c *Coordinator) SetTyping(roomID string, isTyping bool, now time.Time) (chat.TypingStatus, bool) {
	st, ok := c.local[roomID]
	if !isTyping {
		if !ok || !st.announced {
			return chat.TypingStatus{}, false
		}
		st.announced = false
		return chat.TypingStatus{RoomID: roomID, IsTyping: false}, true
	}

	if !ok {
		st = &localState{limiter: rate.NewLimiter(rate.Every(c.cfg.Debounce), 1)}
		c.local[roomID] = st
	}
	st.lastInput = now
	if !st.limiter.AllowN(now, 1) {
		return chat.TypingStatus{}, false
	}
	st.announced = true
	return chat.TypingStatus{RoomID: roomID, IsTyping: true}, true
}

// Typing reports whether a start is currently announced for the room.
func (c *Coordinator) Typing(roomID string) bool {
	st, ok := c.local[roomID]
	return ok && st.announced
}

// ApplyRemote arms or clears another user's indicator. Events about the
// local user are ignored.
func (c *Coordinator) ApplyRemote(roomID string, user models.User, isTyping bool, now time.Time) bool {
	if user.ID == "" || user.ID == c.selfID {
		return false
	}
	if !isTyping {
		return c.ClearUser(roomID, user.ID)
	}
	users, ok := c.remote[roomID]
	if !ok {
		users = make(map[string]*remoteEntry)
		c.remote[roomID] = users
	}
	e, existed := users[user.ID]
	if existed && e.expiresAt.After(now) {
		e.expiresAt = now.Add(c.cfg.RemoteTTL)
		if user.DisplayName != "" {
			e.user = user
		}
		return false
	}
	users[user.ID] = &remoteEntry{user: user, expiresAt: now.Add(c.cfg.RemoteTTL)}
	return true
}

// ClearUser drops a remote indicator, e.g. when that user's message lands.
func (c *Coordinator) ClearUser(roomID, userID string) bool {
	users, ok := c.remote[roomID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(c.remote, roomID)
	}
	return true
}

// Users lists the unexpired remote typists of a room ordered by name.
func (c *Coordinator) Users(roomID string, now time.Time) []models.User {
	users := c.remote[roomID]
	out := make([]models.User, 0, len(users))
	for _, e := range users {
		if e.expiresAt.After(now) {
			out = append(out, e.user)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sweep expires idle local typing and stale remote entries. It returns the
// implicit stops to emit and the rooms whose remote set changed.
func (c *Coordinator) Sweep(now time.Time) ([]chat.TypingStatus, []string) {
	var stops []chat.TypingStatus
	for roomID, st := range c.local {
		if st.announced && now.Sub(st.lastInput) >= c.cfg.Idle {
			st.announced = false
			stops = append(stops, chat.TypingStatus{RoomID: roomID, IsTyping: false})
		}
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].RoomID < stops[j].RoomID })

	var changed []string
	for roomID, users := range c.remote {
		n := len(users)
		for userID, e := range users {
			if !e.expiresAt.After(now) {
				delete(users, userID)
			}
		}
		if len(users) != n {
			changed = append(changed, roomID)
		}
		if len(users) == 0 {
			delete(c.remote, roomID)
		}
	}
	sort.Strings(changed)
	return stops, changed
}

// DropRemote forgets every remote indicator and returns the rooms that had
// any. Local state is kept so a pending stop still goes out.
func (c *Coordinator) DropRemote(now time.Time) []string {
	var rooms []string
	for roomID := range c.remote {
		if len(c.Users(roomID, now)) > 0 {
			rooms = append(rooms, roomID)
		}
	}
	c.remote = make(map[string]map[string]*remoteEntry)
	sort.Strings(rooms)
	return rooms
}

// Reset drops all state without emitting anything.
func (c *Coordinator) Reset() {
	c.local = make(map[string]*localState)
	c.remote = make(map[string]map[string]*remoteEntry)
}
