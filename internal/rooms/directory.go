package rooms

import (
	"sort"

	"github.com/umar/chatsync/internal/models"
)

// MembershipEvent is a join or leave observed on the live transport.
type MembershipEvent struct {
	RoomID string
	User   models.User
	Joined bool
}

// Directory is not safe for concurrent use; the sync loop owns it.
type Directory struct {
	rooms  map[string]*models.Room
	active string

	// Live changes seen while a room list fetch is in flight. They are
	// applied on top of the fetched list so nothing is lost to the race.
	loading bool
	deltas  map[string]int
	cleared map[string]bool
	latest  map[string]*models.Message
}

func NewDirectory() *Directory {
	d := &Directory{rooms: make(map[string]*models.Room)}
	d.resetLoad()
	return d
}

// BeginLoad marks the start of a room list fetch.
func (d *Directory) BeginLoad() {
	d.resetLoad()
	d.loading = true
}

// ReplaceAll swaps in a fetched room list. Unread increments and newer last
// messages observed since BeginLoad are carried over; the active room keeps
// its local counter.
func (d *Directory) ReplaceAll(list []models.Room) {
	next := make(map[string]*models.Room, len(list))
	for i := range list {
		r := list[i].Clone()
		if r.ID == d.active {
			if cur, ok := d.rooms[r.ID]; ok {
				r.UnreadCount = cur.UnreadCount
			} else {
				r.UnreadCount = 0
			}
		} else if d.cleared[r.ID] {
			r.UnreadCount = d.deltas[r.ID]
		} else {
			r.UnreadCount += d.deltas[r.ID]
		}
		if m, ok := d.latest[r.ID]; ok && newer(m, r.LastMessage) {
			lm := m.Clone()
			r.LastMessage = &lm
			if lm.Timestamp.After(r.UpdatedAt) {
				r.UpdatedAt = lm.Timestamp
			}
		}
		next[r.ID] = &r
	}
	d.rooms = next
	d.resetLoad()
}

// AbortLoad ends a fetch that failed; live state is kept as is.
func (d *Directory) AbortLoad() {
	d.resetLoad()
}

func (d *Directory) resetLoad() {
	d.loading = false
	d.deltas = make(map[string]int)
	d.cleared = make(map[string]bool)
	d.latest = make(map[string]*models.Message)
}

func newer(m, than *models.Message) bool {
	if than == nil {
		return true
	}
	return than.Before(m)
}

// SetActiveRoom switches the active room and returns the previous one.
// Unread counters are left untouched.
func (d *Directory) SetActiveRoom(id string) string {
	prev := d.active
	d.active = id
	return prev
}

func (d *Directory) ActiveRoom() string {
	return d.active
}

// ApplyIncomingMessage records msg as the room's last message and, when
// countUnread is set and the room is not active, bumps its unread counter.
// It reports false when the room was unknown and a placeholder was created.
func (d *Directory) ApplyIncomingMessage(msg models.Message, countUnread bool) bool {
	r, known := d.rooms[msg.RoomID]
	if !known {
		r = &models.Room{ID: msg.RoomID, Type: models.RoomGroup, UpdatedAt: msg.Timestamp}
		d.rooms[msg.RoomID] = r
	}
	if newer(&msg, r.LastMessage) {
		lm := msg.Clone()
		r.LastMessage = &lm
	}
	if msg.Timestamp.After(r.UpdatedAt) {
		r.UpdatedAt = msg.Timestamp
	}

	bump := countUnread && msg.RoomID != d.active
	if bump {
		r.UnreadCount++
	}
	if d.loading {
		if bump {
			d.deltas[msg.RoomID]++
		}
		if prev, ok := d.latest[msg.RoomID]; !ok || newer(&msg, prev) {
			lm := msg.Clone()
			d.latest[msg.RoomID] = &lm
		}
	}
	return known
}

// ApplyMembershipEvent updates a room's participants. It reports false for
// unknown rooms and for events that change nothing.
func (d *Directory) ApplyMembershipEvent(ev MembershipEvent) bool {
	r, ok := d.rooms[ev.RoomID]
	if !ok {
		return false
	}
	idx := -1
	for i, p := range r.Participants {
		if p.ID == ev.User.ID {
			idx = i
			break
		}
	}
	switch {
	case ev.Joined && idx < 0:
		r.Participants = append(r.Participants, ev.User)
	case ev.Joined && ev.User.DisplayName != "" && r.Participants[idx].DisplayName != ev.User.DisplayName:
		r.Participants[idx] = ev.User
	case !ev.Joined && idx >= 0:
		r.Participants = append(r.Participants[:idx], r.Participants[idx+1:]...)
	default:
		return false
	}
	return true
}

// MarkRead resets the room's unread counter.
func (d *Directory) MarkRead(id string) bool {
	r, ok := d.rooms[id]
	if !ok {
		return false
	}
	if d.loading {
		d.deltas[id] = 0
		d.cleared[id] = true
	}
	if r.UnreadCount == 0 {
		return false
	}
	r.UnreadCount = 0
	return true
}

func (d *Directory) Unread(id string) int {
	if r, ok := d.rooms[id]; ok {
		return r.UnreadCount
	}
	return 0
}

func (d *Directory) TotalUnread() int {
	n := 0
	for _, r := range d.rooms {
		n += r.UnreadCount
	}
	return n
}

func (d *Directory) Room(id string) (models.Room, bool) {
	r, ok := d.rooms[id]
	if !ok {
		return models.Room{}, false
	}
	return r.Clone(), true
}

// Rooms lists rooms by most recent activity, ties by id.
func (d *Directory) Rooms() []models.Room {
	out := make([]models.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].ActivityAt(), out[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) Len() int {
	return len(d.rooms)
}

// Reset drops every room, for logout.
func (d *Directory) Reset() {
	d.rooms = make(map[string]*models.Room)
	d.active = ""
	d.resetLoad()
}
