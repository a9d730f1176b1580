package syncer

import (
	"errors"

	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/ledger"
	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/rooms"
)

// receive is the transport callback; it hands the event to the loop.
func (s *Syncer) receive(ev chat.InEvent) {
	s.post(func() { s.handle(ev) })
}

func (s *Syncer) handle(ev chat.InEvent) {
	switch ev := ev.(type) {
	case chat.ConnectionStatus:
		s.onConnectionStatus(ev)
	case chat.MessageNew:
		s.onMessage(ev.Message)
	case chat.UserJoined:
		s.onMembership(ev.RoomID, userOf(ev.User, ev.UserID), true)
	case chat.UserLeft:
		s.onMembership(ev.RoomID, userOf(ev.User, ev.UserID), false)
	case chat.TypingUpdate:
		if s.typing.ApplyRemote(ev.RoomID, userOf(ev.User, ev.UserID), ev.IsTyping, s.now()) {
			s.emit(Event{Kind: TypingChanged, RoomID: ev.RoomID})
		}
	case chat.MessageRead:
		if s.ledger.ApplyReadReceipt(ev.RoomID, ev.MessageID, ev.UserID) {
			s.emit(Event{Kind: MessagesChanged, RoomID: ev.RoomID})
		}
	case chat.MessageReaction:
		if s.ledger.ApplyReaction(ev.RoomID, ev.MessageID, ev.Emoji, ev.UserID) {
			s.emit(Event{Kind: MessagesChanged, RoomID: ev.RoomID})
		}
	case chat.Error:
		if ev.Code == chat.CodeUnauthorized {
			s.emit(Event{Kind: AuthFailed, Err: errors.Join(models.ErrAuth, ev)})
			return
		}
		s.log.Warn("relay error", "code", ev.Code, "message", ev.Message)
		s.emit(Event{Kind: RelayError, Err: ev})
	}
}

func userOf(u models.User, id string) models.User {
	if u.ID == "" {
		u.ID = id
	}
	return u
}

func parseState(name string) conn.State {
	for _, st := range []conn.State{conn.Disconnected, conn.Connecting, conn.Connected, conn.Reconnecting} {
		if st.String() == name {
			return st
		}
	}
	return conn.Disconnected
}

func (s *Syncer) onConnectionStatus(ev chat.ConnectionStatus) {
	st := parseState(ev.State)
	prev := s.connState
	s.connState = st
	s.emit(Event{Kind: ConnectionChanged, State: st, Err: ev.Err})

	switch st {
	case conn.Connected:
		if s.everOnline && prev != conn.Connected {
			s.log.Info("reconnected, refreshing")
			go s.refresh()
		}
		s.everOnline = true
	case conn.Reconnecting:
		// indicators from before the drop can no longer be cleared by a stop
		s.dropRemoteTyping()
	case conn.Disconnected:
		s.dropRemoteTyping()
		if errors.Is(ev.Err, models.ErrAuth) {
			s.emit(Event{Kind: AuthFailed, Err: ev.Err})
		}
	}
}

func (s *Syncer) dropRemoteTyping() {
	for _, roomID := range s.typing.DropRemote(s.now()) {
		s.emit(Event{Kind: TypingChanged, RoomID: roomID})
	}
}

// refresh reloads what may have been missed while offline.
func (s *Syncer) refresh() {
	ctx := s.bg
	if err := s.LoadRooms(ctx); err != nil {
		s.log.Warn("room refresh failed", "error", err)
	}
	var active string
	var loaded bool
	if err := s.do(ctx, func() {
		active = s.dir.ActiveRoom()
		loaded = active != "" && s.ledger.Loaded(active)
	}); err != nil {
		return
	}
	if loaded {
		if err := s.LoadMessages(ctx, active); err != nil {
			s.log.Warn("history refresh failed", "room_id", active, "error", err)
		}
	}
}

func (s *Syncer) onMessage(msg models.Message) {
	if msg.RoomID == "" {
		s.log.Debug("dropping message without room")
		return
	}
	res := s.ledger.ApplyIncoming(msg)
	switch res {
	case ledger.Dropped:
		s.log.Debug("dropping message without id", "room_id", msg.RoomID, "temp_id", msg.ClientTempID)
		return
	case ledger.Duplicate:
		s.metrics.IncDuplicate()
		s.emit(Event{Kind: MessagesChanged, RoomID: msg.RoomID})
		return
	case ledger.Reconciled:
		s.clearConfirmedDrafts()
	}

	own := msg.Sender.ID == s.self.ID
	known := s.dir.ApplyIncomingMessage(msg, res == ledger.Inserted && !own)
	if !known {
		go func() {
			if err := s.LoadRooms(s.bg); err != nil {
				s.log.Warn("room refresh failed", "error", err)
			}
		}()
	}
	if s.typing.ClearUser(msg.RoomID, msg.Sender.ID) {
		s.emit(Event{Kind: TypingChanged, RoomID: msg.RoomID})
	}
	s.emit(Event{Kind: MessagesChanged, RoomID: msg.RoomID})
	s.emit(Event{Kind: RoomsChanged, RoomID: msg.RoomID})

	if !own && res == ledger.Inserted && msg.RoomID == s.dir.ActiveRoom() {
		s.readActive(msg.RoomID)
	}
}

// clearConfirmedDrafts clears the draft of every fallback send whose echo
// has now arrived.
func (s *Syncer) clearConfirmedDrafts() {
	for tempID, roomID := range s.viaSocket {
		if _, pending := s.ledger.PendingRoom(tempID); pending {
			continue
		}
		delete(s.viaSocket, tempID)
		s.drafts.Clear(roomID)
	}
}

// readActive acknowledges everything in a loaded active room.
func (s *Syncer) readActive(roomID string) {
	if !s.ledger.Loaded(roomID) {
		return
	}
	lastID, changed := s.ledger.MarkAllRead(roomID, s.self.ID)
	if lastID == "" || !changed {
		return
	}
	s.send(chat.ReadReceipt{RoomID: roomID, MessageID: lastID})
}

func (s *Syncer) onMembership(roomID string, user models.User, joined bool) {
	if s.dir.ApplyMembershipEvent(rooms.MembershipEvent{RoomID: roomID, User: user, Joined: joined}) {
		s.emit(Event{Kind: RoomsChanged, RoomID: roomID})
	}
	if !joined && s.typing.ClearUser(roomID, user.ID) {
		s.emit(Event{Kind: TypingChanged, RoomID: roomID})
	}
}
