package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umar/chatsync/internal/models"
)

var (
	ErrConflict  = errors.New("already exists")
	ErrForbidden = errors.New("not a member of this room")
)

type userRecord struct {
	user         models.User
	username     string
	passwordHash string
}

type roomRecord struct {
	room     models.Room
	members  map[string]time.Time
	messages []*models.Message
}

type File struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

type Store struct {
	mu     sync.RWMutex
	users  map[string]*userRecord
	byName map[string]string
	rooms  map[string]*roomRecord
	byTemp map[string]string
	files  map[string]*File

	now  func() time.Time
	last time.Time
}

func NewStore() *Store {
	return &Store{
		users:  make(map[string]*userRecord),
		byName: make(map[string]string),
		rooms:  make(map[string]*roomRecord),
		byTemp: make(map[string]string),
		files:  make(map[string]*File),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// clock hands out strictly increasing timestamps so message order and
// read positions never tie.
func (s *Store) clock() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// --- Users ---

func (s *Store) CreateUser(username, displayName, passwordHash string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := s.byName[key]; ok {
		return models.User{}, fmt.Errorf("user %q: %w", username, ErrConflict)
	}
	if displayName == "" {
		displayName = username
	}
	u := models.User{ID: uuid.NewString(), DisplayName: displayName}
	s.users[u.ID] = &userRecord{user: u, username: username, passwordHash: passwordHash}
	s.byName[key] = u.ID
	return u, nil
}

// EnsureUser records a user known from a token, keeping an existing entry.
func (s *Store) EnsureUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[u.ID]; ok {
		return rec.user
	}
	s.users[u.ID] = &userRecord{user: u, username: u.DisplayName}
	return u
}

func (s *Store) GetUserByUsername(username string) (models.User, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return models.User{}, "", fmt.Errorf("user %q: %w", username, models.ErrNotFound)
	}
	rec := s.users[id]
	return rec.user, rec.passwordHash, nil
}

func (s *Store) GetUser(id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return rec.user, nil
}

func (s *Store) SearchUsers(query string, limit int) []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []models.User
	for _, rec := range s.users {
		if strings.Contains(strings.ToLower(rec.username), q) || strings.Contains(strings.ToLower(rec.user.DisplayName), q) {
			out = append(out, rec.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- Rooms ---

func (s *Store) CreateRoom(name string, roomType models.RoomType, createdBy string) models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRoomLocked(name, roomType, createdBy)
}

func (s *Store) createRoomLocked(name string, roomType models.RoomType, members ...string) models.Room {
	now := s.clock()
	rec := &roomRecord{
		room:    models.Room{ID: uuid.NewString(), Type: roomType, Name: name, UpdatedAt: now},
		members: make(map[string]time.Time),
	}
	for _, id := range members {
		rec.members[id] = now
	}
	s.rooms[rec.room.ID] = rec
	return rec.room
}

func (s *Store) GetOrCreateDMRoom(userID1, userID2 string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID2]; !ok {
		return models.Room{}, fmt.Errorf("user %s: %w", userID2, models.ErrNotFound)
	}
	for _, rec := range s.rooms {
		if rec.room.Type != models.RoomDirect || len(rec.members) != 2 {
			continue
		}
		_, a := rec.members[userID1]
		_, b := rec.members[userID2]
		if a && b {
			return s.viewLocked(rec, userID1), nil
		}
	}
	room := s.createRoomLocked("", models.RoomDirect, userID1, userID2)
	return s.viewLocked(s.rooms[room.ID], userID1), nil
}

func (s *Store) GetRoom(roomID, userID string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	return s.viewLocked(rec, userID), nil
}

// GetRoomsForUser returns the user's rooms with participants, last message
// and unread count filled in, most recent activity first.
func (s *Store) GetRoomsForUser(userID string) []models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Room{}
	for _, rec := range s.rooms {
		if _, ok := rec.members[userID]; ok {
			out = append(out, s.viewLocked(rec, userID))
		}
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

func (s *Store) viewLocked(rec *roomRecord, userID string) models.Room {
	r := rec.room.Clone()
	ids := make([]string, 0, len(rec.members))
	for id := range rec.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u := models.User{ID: id}
		if ur, ok := s.users[id]; ok {
			u = ur.user
		}
		r.Participants = append(r.Participants, u)
		if r.Type == models.RoomDirect && id != userID {
			other := u
			r.OtherUser = &other
		}
	}
	if n := len(rec.messages); n > 0 {
		lm := rec.messages[n-1].Clone()
		r.LastMessage = &lm
	}
	r.UnreadCount = s.unreadLocked(rec, userID)
	return r
}

func (s *Store) AddRoomMember(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if _, ok := rec.members[userID]; !ok {
		rec.members[userID] = s.clock()
	}
	return nil
}

func (s *Store) RemoveRoomMember(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	delete(rec.members, userID)
	return nil
}

func (s *Store) IsRoomMember(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, member := rec.members[userID]
	return member
}

// --- Messages ---

type NewMessage struct {
	RoomID       string
	SenderID     string
	Content      string
	ReplyTo      string
	ClientTempID string
	Attachment   *models.Attachment
}

// CreateMessage stores a message. Repeating a create with the same client
// temp id returns the original message with created=false.
func (s *Store) CreateMessage(in NewMessage) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[in.RoomID]
	if !ok {
		return models.Message{}, false, fmt.Errorf("room %s: %w", in.RoomID, models.ErrNotFound)
	}
	if _, ok := rec.members[in.SenderID]; !ok {
		return models.Message{}, false, ErrForbidden
	}
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return models.Message{}, false, fmt.Errorf("content or attachment required: %w", models.ErrValidation)
	}

	tempKey := in.RoomID + "/" + in.SenderID + "/" + in.ClientTempID
	if in.ClientTempID != "" {
		if id, ok := s.byTemp[tempKey]; ok {
			for _, m := range rec.messages {
				if m.ID == id {
					return m.Clone(), false, nil
				}
			}
		}
	}

	sender := models.User{ID: in.SenderID}
	if ur, ok := s.users[in.SenderID]; ok {
		sender = ur.user
	}
	now := s.clock()
	m := &models.Message{
		ID:           uuid.NewString(),
		RoomID:       in.RoomID,
		Content:      in.Content,
		Sender:       sender,
		Type:         models.MessageText,
		Timestamp:    now,
		ReplyTo:      in.ReplyTo,
		ReadBy:       models.NewUserSet(in.SenderID),
		ClientTempID: in.ClientTempID,
	}
	if in.Attachment != nil {
		a := *in.Attachment
		m.Attachment = &a
		m.Type = models.MessageFile
	}
	rec.messages = append(rec.messages, m)
	rec.room.UpdatedAt = now
	rec.members[in.SenderID] = now
	if in.ClientTempID != "" {
		s.byTemp[tempKey] = m.ID
	}
	return m.Clone(), true, nil
}

// GetMessages pages backwards through a room's history. before is the id of
// the oldest message already held ("" for the newest page). Messages are
// returned oldest first; next is the cursor for the page before them.
func (s *Store) GetMessages(roomID, before string, limit int) ([]models.Message, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, "", false, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	end := len(rec.messages)
	if before != "" {
		end = -1
		for i, m := range rec.messages {
			if m.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, "", false, fmt.Errorf("cursor %s: %w", before, models.ErrNotFound)
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, 0, end-start)
	for _, m := range rec.messages[start:end] {
		out = append(out, m.Clone())
	}
	if start == 0 {
		return out, "", false, nil
	}
	return out, rec.messages[start].ID, true, nil
}

// AddReaction records a reaction; it reports false when nothing changed.
func (s *Store) AddReaction(roomID, messageID, emoji, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.messageLocked(roomID, messageID)
	if err != nil {
		return false, err
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]models.UserSet)
	}
	set, ok := m.Reactions[emoji]
	if !ok {
		set = models.UserSet{}
		m.Reactions[emoji] = set
	}
	return set.Add(userID), nil
}

func (s *Store) messageLocked(roomID, messageID string) (*models.Message, error) {
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	for _, m := range rec.messages {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
}

// --- Read Tracking ---

// UpdateLastRead marks the room read up to messageID, or entirely when
// messageID is empty, and returns the read position's timestamp.
func (s *Store) UpdateLastRead(roomID, userID, messageID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return time.Time{}, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if _, ok := rec.members[userID]; !ok {
		return time.Time{}, ErrForbidden
	}
	upto := len(rec.messages) - 1
	if messageID != "" {
		upto = -1
		for i, m := range rec.messages {
			if m.ID == messageID {
				upto = i
				break
			}
		}
		if upto < 0 {
			return time.Time{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
	}
	at := s.clock()
	if upto >= 0 {
		at = rec.messages[upto].Timestamp
		for _, m := range rec.messages[:upto+1] {
			if m.ReadBy == nil {
				m.ReadBy = models.UserSet{}
			}
			m.ReadBy.Add(userID)
		}
	}
	if at.After(rec.members[userID]) {
		rec.members[userID] = at
	}
	return at, nil
}

func (s *Store) GetUnreadCount(roomID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return s.unreadLocked(rec, userID)
}

func (s *Store) unreadLocked(rec *roomRecord, userID string) int {
	lastRead, ok := rec.members[userID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range rec.messages {
		if m.Sender.ID != userID && m.Timestamp.After(lastRead) {
			n++
		}
	}
	return n
}

// --- Files ---

func (s *Store) SaveFile(name, contentType string, data []byte) *File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &File{ID: uuid.NewString(), Name: name, ContentType: contentType, Data: data}
	s.files[f.ID] = f
	return f
}

func (s *Store) GetFile(id string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	return f, nil
}
