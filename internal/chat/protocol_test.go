package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/models"
)

func TestEncodeEnvelope(t *testing.T) {
	data, err := Encode(RoomJoin{RoomID: "r2", UserID: "u1"})
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "room:join", msg.Type)
	assert.JSONEq(t, `{"room_id":"r2","user_id":"u1"}`, string(msg.Payload))
}

func TestEncodeRejectsConnectionStatus(t *testing.T) {
	_, err := Encode(ConnectionStatus{State: "connected"})
	assert.Error(t, err)
}

func TestDecodeInbound(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want InEvent
	}{
		{
			name: "typing update",
			raw:  `{"type":"typing:update","payload":{"room_id":"r1","user":{"id":"u2","display_name":"Bo"},"user_id":"u2","is_typing":true}}`,
			want: TypingUpdate{RoomID: "r1", User: models.User{ID: "u2", DisplayName: "Bo"}, UserID: "u2", IsTyping: true},
		},
		{
			name: "read receipt",
			raw:  `{"type":"message:read","payload":{"room_id":"r1","message_id":"m1","user_id":"u2","timestamp":"2024-05-01T12:00:00Z"}}`,
			want: MessageRead{RoomID: "r1", MessageID: "m1", UserID: "u2", Timestamp: ts},
		},
		{
			name: "error",
			raw:  `{"type":"error","payload":{"code":"UNAUTHORIZED","message":"expired"}}`,
			want: Error{Code: CodeUnauthorized, Message: "expired"},
		},
		{
			name: "user left",
			raw:  `{"type":"user:left","payload":{"room_id":"r1","user":{"id":"u3"},"user_id":"u3"}}`,
			want: UserLeft{RoomID: "r1", User: models.User{ID: "u3"}, UserID: "u3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeInboundMessageNew(t *testing.T) {
	raw := `{"type":"message:new","payload":{"message":{"id":"m42","room_id":"r1","content":"hi",
		"sender":{"id":"u1","display_name":"Al"},"message_type":"text","timestamp":"2024-05-01T12:00:00Z",
		"reactions":{"👍":["u2","u1"]},"read_by":["u1"],"client_temp_id":"t1"}}}`

	ev, err := DecodeInbound([]byte(raw))
	require.NoError(t, err)

	mn, ok := ev.(MessageNew)
	require.True(t, ok)
	assert.Equal(t, "m42", mn.Message.ID)
	assert.Equal(t, "t1", mn.Message.ClientTempID)
	assert.True(t, mn.Message.Reactions["👍"].Has("u2"))
	assert.Equal(t, []string{"u1", "u2"}, mn.Message.Reactions["👍"].Sorted())
	assert.True(t, mn.Message.ReadBy.Has("u1"))
}

func TestDecodeUnknown(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"presence:update","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeOutbound([]byte(`{"type":"message:new","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeInbound([]byte(`not json`))
	assert.Error(t, err)
}

func TestOutboundRoundTrip(t *testing.T) {
	events := []OutEvent{
		RoomLeave{RoomID: "r1"},
		MessageSend{RoomID: "r1", Content: "hi", ClientTempID: "t1"},
		TypingStatus{RoomID: "r1", IsTyping: true},
		ReadReceipt{RoomID: "r1", MessageID: "m1"},
		MessageReact{RoomID: "r1", MessageID: "m1", Emoji: "🎉"},
	}
	for _, ev := range events {
		data, err := Encode(ev)
		require.NoError(t, err)
		got, err := DecodeOutbound(data)
		require.NoError(t, err)
		assert.Equal(t, ev, got, ev.EventType())
	}
}
