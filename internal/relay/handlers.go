package relay

import (
	"strings"

	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/models"
)

// handleRoomJoin subscribes the connection to a room, adding the user as a
// member first when needed. Only new members are announced.
func (c *Client) handleRoomJoin(ev chat.RoomJoin) {
	if ev.RoomID == "" {
		c.sendError(chat.CodeInvalidPayload, "room_id is required")
		return
	}
	wasMember := c.hub.store.IsRoomMember(ev.RoomID, c.UserID)
	if !wasMember {
		if err := c.hub.store.AddRoomMember(ev.RoomID, c.UserID); err != nil {
			c.hub.log.Warn("failed to join room", "room_id", ev.RoomID, "user_id", c.UserID, "error", err)
			c.sendStoreError(err)
			return
		}
	}
	c.setSubscribed(ev.RoomID, true)

	if !wasMember {
		c.broadcast(ev.RoomID, chat.UserJoined{RoomID: ev.RoomID, User: c.user, UserID: c.UserID}, "")
	}
}

// handleRoomLeave only drops the subscription; membership is left to the
// REST API.
func (c *Client) handleRoomLeave(ev chat.RoomLeave) {
	c.setSubscribed(ev.RoomID, false)
}

func (c *Client) handleSendMessage(ev chat.MessageSend) {
	if ev.RoomID == "" {
		c.sendError(chat.CodeInvalidPayload, "room_id is required")
		return
	}
	if !c.subscribed(ev.RoomID) {
		c.sendError(chat.CodeNotSubscribed, "join the room first")
		return
	}

	var msg models.Message
	if ev.Message != nil {
		// already stored through REST; relay it as is
		if ev.Message.RoomID != ev.RoomID || ev.Message.Sender.ID != c.UserID || ev.Message.ID == "" {
			c.sendError(chat.CodeInvalidPayload, "message does not match sender or room")
			return
		}
		msg = *ev.Message
	} else {
		if strings.TrimSpace(ev.Content) == "" && ev.Attachment == nil {
			c.sendError(chat.CodeInvalidPayload, "content or attachment is required")
			return
		}
		stored, _, err := c.hub.store.CreateMessage(database.NewMessage{
			RoomID:       ev.RoomID,
			SenderID:     c.UserID,
			Content:      ev.Content,
			ReplyTo:      ev.ReplyTo,
			ClientTempID: ev.ClientTempID,
			Attachment:   ev.Attachment,
		})
		if err != nil {
			c.hub.log.Error("failed to create message", "room_id", ev.RoomID, "error", err)
			c.sendStoreError(err)
			return
		}
		msg = stored
	}
	if msg.ClientTempID == "" {
		msg.ClientTempID = ev.ClientTempID
	}

	// the sender gets the echo too; it completes reconciliation
	c.broadcast(ev.RoomID, chat.MessageNew{Message: msg}, "")
}

func (c *Client) handleTyping(ev chat.TypingStatus) {
	if !c.subscribed(ev.RoomID) {
		return
	}
	c.broadcast(ev.RoomID, chat.TypingUpdate{
		RoomID:   ev.RoomID,
		User:     c.user,
		UserID:   c.UserID,
		IsTyping: ev.IsTyping,
	}, c.UserID)
}

func (c *Client) handleReadReceipt(ev chat.ReadReceipt) {
	if ev.RoomID == "" || ev.MessageID == "" {
		c.sendError(chat.CodeInvalidPayload, "room_id and message_id are required")
		return
	}
	at, err := c.hub.store.UpdateLastRead(ev.RoomID, c.UserID, ev.MessageID)
	if err != nil {
		c.sendStoreError(err)
		return
	}
	c.broadcast(ev.RoomID, chat.MessageRead{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		UserID:    c.UserID,
		Timestamp: at,
	}, c.UserID)
}

func (c *Client) handleReact(ev chat.MessageReact) {
	if ev.RoomID == "" || ev.MessageID == "" || ev.Emoji == "" {
		c.sendError(chat.CodeInvalidPayload, "room_id, message_id and emoji are required")
		return
	}
	if !c.hub.store.IsRoomMember(ev.RoomID, c.UserID) {
		c.sendStoreError(database.ErrForbidden)
		return
	}
	changed, err := c.hub.store.AddReaction(ev.RoomID, ev.MessageID, ev.Emoji, c.UserID)
	if err != nil {
		c.sendStoreError(err)
		return
	}
	if !changed {
		return
	}
	c.broadcast(ev.RoomID, chat.MessageReaction{
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		Emoji:     ev.Emoji,
		UserID:    c.UserID,
	}, c.UserID)
}

func (c *Client) broadcast(roomID string, ev chat.InEvent, excludeUserID string) {
	data, err := chat.Encode(ev)
	if err != nil {
		c.hub.log.Error("encode broadcast", "event", ev.EventType(), "error", err)
		return
	}
	c.hub.BroadcastToRoom(roomID, ev.EventType(), data, excludeUserID)
}
