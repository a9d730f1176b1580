package models

import "time"

type RoomType string

const (
	RoomDirect  RoomType = "direct"
	RoomGroup   RoomType = "group"
	RoomProject RoomType = "project"
)

type Room struct {
	ID           string    `json:"id"`
	Type         RoomType  `json:"room_type"`
	Name         string    `json:"name,omitempty"`
	Participants []User    `json:"participants"`
	OtherUser    *User     `json:"other_user,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	UnreadCount  int       `json:"unread_count"`
}

// ActivityAt is the room list sort key: the last message timestamp,
// falling back to UpdatedAt.
func (r *Room) ActivityAt() time.Time {
	if r.LastMessage != nil && !r.LastMessage.Timestamp.IsZero() {
		return r.LastMessage.Timestamp
	}
	return r.UpdatedAt
}

// Title is the display name: the room name, or the other user for direct rooms.
func (r *Room) Title() string {
	if r.Name != "" {
		return r.Name
	}
	if r.OtherUser != nil {
		return r.OtherUser.DisplayName
	}
	return r.ID
}

func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func (r *Room) Clone() Room {
	out := *r
	out.Participants = append([]User(nil), r.Participants...)
	if r.OtherUser != nil {
		u := *r.OtherUser
		out.OtherUser = &u
	}
	if r.LastMessage != nil {
		m := r.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}
