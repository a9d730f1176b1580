package models

import "time"

type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

// DeliveryStatus is local-only and never sent over the wire.
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusPending DeliveryStatus = "pending"
	StatusFailed  DeliveryStatus = "failed"
)

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID           string             `json:"id,omitempty"`
	RoomID       string             `json:"room_id"`
	Content      string             `json:"content"`
	Sender       User               `json:"sender"`
	Type         MessageType        `json:"message_type"`
	Timestamp    time.Time          `json:"timestamp"`
	ReplyTo      string             `json:"reply_to,omitempty"`
	Attachment   *Attachment        `json:"attachment,omitempty"`
	Reactions    map[string]UserSet `json:"reactions,omitempty"`
	ReadBy       UserSet            `json:"read_by,omitempty"`
	IsEdited     bool               `json:"is_edited"`
	IsDeleted    bool               `json:"is_deleted"`
	ClientTempID string             `json:"client_temp_id,omitempty"`

	Status DeliveryStatus `json:"-"`
}

// Key identifies the message locally: the durable id once assigned,
// otherwise the client temp id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientTempID
}

func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// MergeState unions reactions and read receipts from other into m and
// reports whether m changed.
func (m *Message) MergeState(other *Message) bool {
	changed := false
	if len(other.ReadBy) > 0 {
		if m.ReadBy == nil {
			m.ReadBy = UserSet{}
		}
		if m.ReadBy.Union(other.ReadBy) {
			changed = true
		}
	}
	for emoji, users := range other.Reactions {
		if len(users) == 0 {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]UserSet)
		}
		set, ok := m.Reactions[emoji]
		if !ok {
			set = UserSet{}
			m.Reactions[emoji] = set
		}
		if set.Union(users) {
			changed = true
		}
	}
	return changed
}

func (m *Message) Clone() Message {
	out := *m
	if m.ReadBy != nil {
		out.ReadBy = m.ReadBy.Clone()
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]UserSet, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = users.Clone()
		}
	}
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	return out
}

// Before orders messages by server timestamp, ties broken by Key.
func (m *Message) Before(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Key() < other.Key()
}

// MessagePage is one page of room history, oldest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}
