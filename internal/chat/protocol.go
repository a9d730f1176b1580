package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/umar/chatsync/internal/models"
)

// Client → relay.
const (
	TypeRoomJoin     = "room:join"
	TypeRoomLeave    = "room:leave"
	TypeMessageSend  = "message:send"
	TypeTypingStatus = "typing:status"
	TypeReadReceipt  = "read:receipt"
	TypeMessageReact = "message:react"
)

// Relay → client.
const (
	TypeUserJoined      = "user:joined"
	TypeUserLeft        = "user:left"
	TypeMessageNew      = "message:new"
	TypeTypingUpdate    = "typing:update"
	TypeMessageRead     = "message:read"
	TypeMessageReaction = "message:reaction"
	TypeError           = "error"

	// TypeConnectionStatus is produced locally by the connection manager
	// and never travels over the wire.
	TypeConnectionStatus = "connection:status"
)

const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeNotSubscribed  = "NOT_SUBSCRIBED"
	CodeInternal       = "INTERNAL_ERROR"
)

var ErrUnknownEvent = errors.New("unknown event type")

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is any payload that can travel in a WSMessage.
type Event interface {
	EventType() string
}

// OutEvent is the closed set of events a client emits.
type OutEvent interface {
	Event
	outbound()
}

// InEvent is the closed set of events a client receives.
type InEvent interface {
	Event
	inbound()
}

type RoomJoin struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type RoomLeave struct {
	RoomID string `json:"room_id"`
}

// MessageSend carries the confirmed message when the REST send already
// succeeded; without it the relay synthesizes one.
type MessageSend struct {
	RoomID       string             `json:"room_id"`
	Content      string             `json:"content"`
	ReplyTo      string             `json:"reply_to,omitempty"`
	ClientTempID string             `json:"client_temp_id,omitempty"`
	Attachment   *models.Attachment `json:"attachment,omitempty"`
	Message      *models.Message    `json:"message,omitempty"`
}

type TypingStatus struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type ReadReceipt struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type MessageReact struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type UserJoined struct {
	RoomID string      `json:"room_id"`
	User   models.User `json:"user"`
	UserID string      `json:"user_id"`
}

type UserLeft struct {
	RoomID string      `json:"room_id"`
	User   models.User `json:"user"`
	UserID string      `json:"user_id"`
}

type MessageNew struct {
	Message models.Message `json:"message"`
}

type TypingUpdate struct {
	RoomID   string      `json:"room_id"`
	User     models.User `json:"user"`
	UserID   string      `json:"user_id"`
	IsTyping bool        `json:"is_typing"`
}

type MessageRead struct {
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageReaction struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

type ConnectionStatus struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Err     error  `json:"-"`
}

func (RoomJoin) EventType() string         { return TypeRoomJoin }
func (RoomLeave) EventType() string        { return TypeRoomLeave }
func (MessageSend) EventType() string      { return TypeMessageSend }
func (TypingStatus) EventType() string     { return TypeTypingStatus }
func (ReadReceipt) EventType() string      { return TypeReadReceipt }
func (MessageReact) EventType() string     { return TypeMessageReact }
func (UserJoined) EventType() string       { return TypeUserJoined }
func (UserLeft) EventType() string         { return TypeUserLeft }
func (MessageNew) EventType() string       { return TypeMessageNew }
func (TypingUpdate) EventType() string     { return TypeTypingUpdate }
func (MessageRead) EventType() string      { return TypeMessageRead }
func (MessageReaction) EventType() string  { return TypeMessageReaction }
func (Error) EventType() string            { return TypeError }
func (ConnectionStatus) EventType() string { return TypeConnectionStatus }

func (RoomJoin) outbound()     {}
func (RoomLeave) outbound()    {}
func (MessageSend) outbound()  {}
func (TypingStatus) outbound() {}
func (ReadReceipt) outbound()  {}
func (MessageReact) outbound() {}

func (UserJoined) inbound()       {}
func (UserLeft) inbound()         {}
func (MessageNew) inbound()       {}
func (TypingUpdate) inbound()     {}
func (MessageRead) inbound()      {}
func (MessageReaction) inbound()  {}
func (Error) inbound()            {}
func (ConnectionStatus) inbound() {}

func NewWSMessage(msgType string, payload interface{}) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	msg := WSMessage{Type: msgType, Payload: p}
	return json.Marshal(msg)
}

// Encode wraps ev in its envelope.
func Encode(ev Event) ([]byte, error) {
	if ev.EventType() == TypeConnectionStatus {
		return nil, fmt.Errorf("%s is not a wire event", TypeConnectionStatus)
	}
	return NewWSMessage(ev.EventType(), ev)
}

func unmarshalEnvelope(data []byte) (WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode envelope: %w", err)
	}
	return msg, nil
}

func decodeAs[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// DecodeInbound parses a relay frame into its typed event.
func DecodeInbound(data []byte) (InEvent, error) {
	msg, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeUserJoined:
		return decodeAs[UserJoined](msg.Payload)
	case TypeUserLeft:
		return decodeAs[UserLeft](msg.Payload)
	case TypeMessageNew:
		return decodeAs[MessageNew](msg.Payload)
	case TypeTypingUpdate:
		return decodeAs[TypingUpdate](msg.Payload)
	case TypeMessageRead:
		return decodeAs[MessageRead](msg.Payload)
	case TypeMessageReaction:
		return decodeAs[MessageReaction](msg.Payload)
	case TypeError:
		return decodeAs[Error](msg.Payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
}

// DecodeOutbound parses a client frame into its typed event.
func DecodeOutbound(data []byte) (OutEvent, error) {
	msg, err := unmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeRoomJoin:
		return decodeAs[RoomJoin](msg.Payload)
	case TypeRoomLeave:
		return decodeAs[RoomLeave](msg.Payload)
	case TypeMessageSend:
		return decodeAs[MessageSend](msg.Payload)
	case TypeTypingStatus:
		return decodeAs[TypingStatus](msg.Payload)
	case TypeReadReceipt:
		return decodeAs[ReadReceipt](msg.Payload)
	case TypeMessageReact:
		return decodeAs[MessageReact](msg.Payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Type)
}
