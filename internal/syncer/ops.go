package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/ledger"
	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/restapi"
)

// ConnectSocket opens the live link. Rooms subscribed through
// SetActiveRoom are joined once it is up. A transport failure leaves the
// connection retrying in the background; an auth failure is final.
func (s *Syncer) ConnectSocket(ctx context.Context) error {
	err := s.conn.Connect(ctx, conn.Credentials{Token: s.token})
	if errors.Is(err, models.ErrAuth) {
		s.emit(Event{Kind: AuthFailed, Err: err})
	}
	return err
}

func (s *Syncer) DisconnectSocket() {
	s.conn.Disconnect()
}

// LoadRooms replaces the room directory with the server's list. Unread
// counts from live events that race the fetch are kept.
func (s *Syncer) LoadRooms(ctx context.Context) error {
	var gen uint64
	if err := s.do(ctx, func() {
		s.roomsLoad++
		gen = s.roomsLoad
		s.dir.BeginLoad()
	}); err != nil {
		return err
	}

	list, err := s.api.ListRooms(ctx)

	if derr := s.do(context.WithoutCancel(ctx), func() {
		if gen != s.roomsLoad {
			// a newer load owns the directory now
			return
		}
		if err != nil {
			s.dir.AbortLoad()
			return
		}
		s.dir.ReplaceAll(list)
		s.emit(Event{Kind: RoomsChanged})
	}); derr != nil {
		return derr
	}
	if err != nil {
		s.surfaceAuth(err)
		return fmt.Errorf("load rooms: %w", err)
	}
	return nil
}

// LoadMessages fetches the newest page of a room and merges it into the
// ledger without losing local reactions or receipts.
func (s *Syncer) LoadMessages(ctx context.Context, roomID string) error {
	page, err := s.api.ListMessages(ctx, roomID, "", s.pageSize)
	if err != nil {
		s.surfaceAuth(err)
		return fmt.Errorf("load messages: %w", err)
	}
	return s.do(context.WithoutCancel(ctx), func() {
		s.ledger.MergeHistory(roomID, "", pageOf(page))
		s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
	})
}

// LoadMoreMessages fetches the page before the oldest loaded message. It
// reports whether older history remains.
func (s *Syncer) LoadMoreMessages(ctx context.Context, roomID string) (bool, error) {
	var cursor string
	var loaded, more bool
	if err := s.do(ctx, func() {
		loaded = s.ledger.Loaded(roomID)
		cursor, more = s.ledger.Cursor(roomID)
	}); err != nil {
		return false, err
	}
	if !loaded {
		if err := s.LoadMessages(ctx, roomID); err != nil {
			return false, err
		}
		err := s.do(ctx, func() { _, more = s.ledger.Cursor(roomID) })
		return more, err
	}
	if !more {
		return false, nil
	}

	page, err := s.api.ListMessages(ctx, roomID, cursor, s.pageSize)
	if err != nil {
		s.surfaceAuth(err)
		return true, fmt.Errorf("load more messages: %w", err)
	}
	err = s.do(context.WithoutCancel(ctx), func() {
		s.ledger.MergeHistory(roomID, cursor, pageOf(page))
		_, more = s.ledger.Cursor(roomID)
		s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
	})
	return more, err
}

func pageOf(p models.MessagePage) ledger.Page {
	return ledger.Page{Messages: p.Messages, NextCursor: p.NextCursor, HasMore: p.HasMore}
}

// SetActiveRoom makes roomID the room the user is looking at: its live
// events are subscribed and its unread counter stops growing. Other rooms
// keep their counters.
func (s *Syncer) SetActiveRoom(ctx context.Context, roomID string) error {
	return s.do(ctx, func() {
		prev := s.dir.SetActiveRoom(roomID)
		if prev == roomID {
			return
		}
		if prev != "" {
			if stop, ok := s.typing.SetTyping(prev, false, s.now()); ok {
				s.send(stop)
			}
			if err := s.conn.Unsubscribe(prev); err != nil {
				s.log.Warn("unsubscribe failed", "room_id", prev, "error", err)
			}
		}
		if roomID != "" {
			if err := s.conn.Subscribe(roomID); err != nil {
				s.log.Warn("subscribe failed", "room_id", roomID, "error", err)
			}
		}
		s.emit(Event{Kind: RoomsChanged, RoomID: roomID})
	})
}

// Outgoing is a message to send.
type Outgoing struct {
	RoomID  string
	Content string
	ReplyTo string
	File    *restapi.File
}

// SendMessage sends text to a room. The message is shown immediately as
// pending and is replaced in place once the server confirms it.
func (s *Syncer) SendMessage(ctx context.Context, roomID, content string) (models.Message, error) {
	return s.Send(ctx, Outgoing{RoomID: roomID, Content: content})
}

// SendMessageWithFile uploads file first and sends the message referencing
// it.
func (s *Syncer) SendMessageWithFile(ctx context.Context, roomID, content string, file restapi.File) (models.Message, error) {
	return s.Send(ctx, Outgoing{RoomID: roomID, Content: content, File: &file})
}

func (s *Syncer) Send(ctx context.Context, out Outgoing) (models.Message, error) {
	if out.RoomID == "" {
		return models.Message{}, fmt.Errorf("room id is required: %w", models.ErrValidation)
	}
	if strings.TrimSpace(out.Content) == "" && out.File == nil {
		return models.Message{}, fmt.Errorf("message is empty: %w", models.ErrValidation)
	}

	var pending models.Message
	if err := s.do(ctx, func() {
		tempID := s.newTempID()
		pending = s.ledger.AppendOptimistic(out.RoomID, out.Content, tempID, out.ReplyTo, nil, s.now())
		if out.File != nil {
			s.unsentFiles[tempID] = *out.File
		}
		if stop, ok := s.typing.SetTyping(out.RoomID, false, s.now()); ok {
			s.send(stop)
		}
		s.emit(Event{Kind: MessagesChanged, RoomID: out.RoomID})
	}); err != nil {
		return models.Message{}, err
	}
	return s.deliver(ctx, pending)
}

// RetryMessage re-sends a failed message.
func (s *Syncer) RetryMessage(ctx context.Context, tempID string) (models.Message, error) {
	var msg models.Message
	var rerr error
	if err := s.do(ctx, func() {
		msg, rerr = s.ledger.Retry(tempID, s.now())
		if rerr == nil {
			s.emit(Event{Kind: MessagesChanged, RoomID: msg.RoomID})
		}
	}); err != nil {
		return models.Message{}, err
	}
	if rerr != nil {
		return models.Message{}, rerr
	}
	return s.deliver(ctx, msg)
}

// DiscardMessage drops a failed or pending message from the ledger.
func (s *Syncer) DiscardMessage(ctx context.Context, tempID string) (bool, error) {
	var ok bool
	err := s.do(ctx, func() {
		roomID, _ := s.ledger.PendingRoom(tempID)
		ok = s.ledger.Discard(tempID)
		delete(s.unsentFiles, tempID)
		delete(s.viaSocket, tempID)
		if ok {
			s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
		}
	})
	return ok, err
}

// Logout ends the session. Pending typing stops go out before the link is
// closed, then room, message and typing state is dropped. Drafts stay with
// their store.
func (s *Syncer) Logout(ctx context.Context) error {
	if err := s.do(ctx, func() {
		for _, r := range s.dir.Rooms() {
			if s.typing.Typing(r.ID) {
				s.send(chat.TypingStatus{RoomID: r.ID, IsTyping: false})
			}
		}
	}); err != nil {
		return err
	}
	s.conn.Disconnect()
	return s.do(context.WithoutCancel(ctx), func() {
		// an in-flight room load must not repopulate the directory
		s.roomsLoad++
		s.dir.Reset()
		s.ledger.Reset()
		s.typing.Reset()
		clear(s.unsentFiles)
		clear(s.viaSocket)
		s.everOnline = false
		s.log.Info("logged out")
		s.emit(Event{Kind: RoomsChanged})
	})
}

// deliver uploads any attachment and sends a pending message, REST first
// and the live link as a fallback when the API is unreachable.
func (s *Syncer) deliver(ctx context.Context, msg models.Message) (models.Message, error) {
	tempID, roomID := msg.ClientTempID, msg.RoomID

	var file *restapi.File
	if err := s.do(ctx, func() {
		if f, ok := s.unsentFiles[tempID]; ok {
			file = &f
		}
	}); err != nil {
		return msg, err
	}
	if file != nil && msg.Attachment == nil {
		att, err := s.api.Upload(ctx, *file)
		if err != nil {
			return msg, s.fail(ctx, msg, fmt.Errorf("upload: %w", err))
		}
		msg.Attachment = &att
		msg.Type = models.MessageFile
		s.do(context.WithoutCancel(ctx), func() {
			s.ledger.SetAttachment(tempID, att)
			delete(s.unsentFiles, tempID)
			s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
		})
	}

	req := restapi.SendRequest{
		RoomID:       roomID,
		Content:      msg.Content,
		ReplyTo:      msg.ReplyTo,
		ClientTempID: tempID,
		Attachment:   msg.Attachment,
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	confirmed, err := s.api.SendMessage(sendCtx, req)
	cancel()

	if err == nil {
		var out models.Message
		s.do(context.WithoutCancel(ctx), func() {
			s.ledger.Reconcile(tempID, confirmed)
			delete(s.viaSocket, tempID)
			s.dir.ApplyIncomingMessage(confirmed, false)
			s.drafts.Clear(roomID)
			if m, ok := s.ledger.Message(roomID, confirmed.ID); ok {
				out = m
			} else {
				out = confirmed
			}
			s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
			s.emit(Event{Kind: RoomsChanged, RoomID: roomID})
			// let the relay fan it out to the room
			s.send(chat.MessageSend{
				RoomID:       roomID,
				Content:      confirmed.Content,
				ReplyTo:      confirmed.ReplyTo,
				ClientTempID: tempID,
				Attachment:   confirmed.Attachment,
				Message:      &confirmed,
			})
		})
		s.metrics.IncSent("sent")
		return out, nil
	}

	if restapi.IsTransport(err) && !errors.Is(err, models.ErrSendTimeout) {
		ferr := models.ErrNotConnected
		// registered on the loop so the echo cannot overtake it
		s.do(context.WithoutCancel(ctx), func() {
			ferr = s.conn.Emit(chat.MessageSend{
				RoomID:       roomID,
				Content:      msg.Content,
				ReplyTo:      msg.ReplyTo,
				ClientTempID: tempID,
				Attachment:   msg.Attachment,
			})
			if ferr == nil {
				// the draft goes once the echo confirms the send
				s.viaSocket[tempID] = roomID
			}
		})
		if ferr == nil {
			s.log.Info("api unreachable, sent over the live link", "room_id", roomID, "temp_id", tempID)
			s.metrics.IncSent("fallback")
			return msg, nil
		}
	}
	return msg, s.fail(ctx, msg, err)
}

// fail marks a send failed and surfaces it for that message only.
func (s *Syncer) fail(ctx context.Context, msg models.Message, cause error) error {
	serr := &SendError{TempID: msg.ClientTempID, RoomID: msg.RoomID, Err: cause}
	s.metrics.IncSent("failed")
	s.log.Warn("send failed", "room_id", msg.RoomID, "temp_id", msg.ClientTempID, "error", cause)
	s.do(context.WithoutCancel(ctx), func() {
		delete(s.viaSocket, msg.ClientTempID)
		if _, ok := s.ledger.MarkFailed(msg.ClientTempID); ok {
			s.emit(Event{Kind: MessageFailed, RoomID: msg.RoomID, TempID: msg.ClientTempID, Err: serr})
		}
	})
	s.surfaceAuth(cause)
	return serr
}

func (s *Syncer) surfaceAuth(err error) {
	if errors.Is(err, models.ErrAuth) {
		s.emit(Event{Kind: AuthFailed, Err: err})
	}
}

// SetTyping reports local typing activity. Starts are debounced and an
// idle stop is sent automatically.
func (s *Syncer) SetTyping(roomID string, isTyping bool) {
	s.post(func() {
		if ev, ok := s.typing.SetTyping(roomID, isTyping, s.now()); ok {
			s.send(ev)
		}
	})
}

// ReactToMessage tells the room about the user's reaction and records it
// locally once the emit is accepted.
func (s *Syncer) ReactToMessage(ctx context.Context, roomID, messageID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji is required: %w", models.ErrValidation)
	}
	var rerr error
	if err := s.do(ctx, func() {
		m, ok := s.ledger.Message(roomID, messageID)
		if !ok {
			rerr = fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
			return
		}
		if !m.Confirmed() {
			rerr = fmt.Errorf("message %s is not confirmed yet: %w", messageID, models.ErrValidation)
			return
		}
		if rerr = s.send(chat.MessageReact{RoomID: roomID, MessageID: m.ID, Emoji: emoji}); rerr != nil {
			return
		}
		if s.ledger.ApplyReaction(roomID, m.ID, emoji, s.self.ID) {
			s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
		}
	}); err != nil {
		return err
	}
	return rerr
}

// MarkRoomAsRead clears the room's unread counter and acknowledges its
// newest message. For a room whose history was never loaded only the
// counter is cleared.
func (s *Syncer) MarkRoomAsRead(ctx context.Context, roomID string) error {
	var lastID string
	var online bool
	if err := s.do(ctx, func() {
		if s.dir.MarkRead(roomID) {
			s.emit(Event{Kind: RoomsChanged, RoomID: roomID})
		}
		if !s.ledger.Loaded(roomID) {
			return
		}
		var changed bool
		lastID, changed = s.ledger.MarkAllRead(roomID, s.self.ID)
		if changed {
			s.emit(Event{Kind: MessagesChanged, RoomID: roomID})
		}
		if lastID != "" {
			online = s.send(chat.ReadReceipt{RoomID: roomID, MessageID: lastID}) == nil
		}
	}); err != nil {
		return err
	}
	if lastID == "" || online {
		return nil
	}
	if err := s.api.MarkRead(ctx, roomID, lastID); err != nil {
		s.surfaceAuth(err)
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *Syncer) GetDraftMessage(roomID string) string {
	return s.drafts.Get(roomID)
}

func (s *Syncer) SetDraftMessage(roomID, value string) {
	s.drafts.Set(roomID, value)
}

// --- Accessors ---

func (s *Syncer) Rooms(ctx context.Context) ([]models.Room, error) {
	var out []models.Room
	err := s.do(ctx, func() { out = s.dir.Rooms() })
	return out, err
}

func (s *Syncer) Messages(ctx context.Context, roomID string) ([]models.Message, error) {
	var out []models.Message
	err := s.do(ctx, func() { out = s.ledger.Messages(roomID) })
	return out, err
}

func (s *Syncer) TypingUsers(ctx context.Context, roomID string) ([]models.User, error) {
	var out []models.User
	err := s.do(ctx, func() { out = s.typing.Users(roomID, s.now()) })
	return out, err
}

func (s *Syncer) UnreadCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.do(ctx, func() { n = s.dir.Unread(roomID) })
	return n, err
}

func (s *Syncer) TotalUnread(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() { n = s.dir.TotalUnread() })
	return n, err
}

func (s *Syncer) ActiveRoom(ctx context.Context) (string, error) {
	var id string
	err := s.do(ctx, func() { id = s.dir.ActiveRoom() })
	return id, err
}

func (s *Syncer) ConnectionState() conn.State {
	return s.conn.State()
}
