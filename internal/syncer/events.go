package syncer

import "github.com/umar/chatsync/internal/conn"

type EventKind int

const (
	RoomsChanged EventKind = iota
	MessagesChanged
	TypingChanged
	ConnectionChanged
	MessageFailed
	AuthFailed
	// RelayError carries a non-fatal error frame from the relay.
	RelayError
)

func (k EventKind) String() string {
	switch k {
	case RoomsChanged:
		return "rooms_changed"
	case MessagesChanged:
		return "messages_changed"
	case TypingChanged:
		return "typing_changed"
	case ConnectionChanged:
		return "connection_changed"
	case MessageFailed:
		return "message_failed"
	case AuthFailed:
		return "auth_failed"
	case RelayError:
		return "relay_error"
	}
	return "unknown"
}

// Event tells the presentation layer what to re-read. Only the fields that
// matter for the kind are set.
type Event struct {
	Kind   EventKind
	RoomID string
	TempID string
	State  conn.State
	Err    error
}
