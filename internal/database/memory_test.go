package database

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/models"
)

func seed(t *testing.T) (*Store, models.User, models.User, models.Room) {
	t.Helper()
	s := NewStore()
	al, err := s.CreateUser("al", "Al", "hash")
	require.NoError(t, err)
	bo, err := s.CreateUser("bo", "Bo", "hash")
	require.NoError(t, err)
	room := s.CreateRoom("general", models.RoomGroup, al.ID)
	require.NoError(t, s.AddRoomMember(room.ID, bo.ID))
	return s, al, bo, room
}

func TestCreateUserConflict(t *testing.T) {
	s, _, _, _ := seed(t)
	_, err := s.CreateUser("AL", "", "x")
	assert.ErrorIs(t, err, ErrConflict)

	_, _, err = s.GetUserByUsername("nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateMessageIdempotentByTempID(t *testing.T) {
	s, al, _, room := seed(t)

	m1, created, err := s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID, Content: "hi", ClientTempID: "t1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Al", m1.Sender.DisplayName)

	m2, created, err := s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID, Content: "hi", ClientTempID: "t1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m1.ID, m2.ID)

	_, _, err = s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: "stranger", Content: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetMessagesPaging(t *testing.T) {
	s, al, _, room := seed(t)
	for i := 0; i < 5; i++ {
		_, _, err := s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID, Content: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	page, next, more, err := s.GetMessages(room.ID, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, contents(page))
	assert.True(t, more)

	page, next, more, err = s.GetMessages(room.ID, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, contents(page))
	assert.True(t, more)

	page, _, more, err = s.GetMessages(room.ID, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, contents(page))
	assert.False(t, more)
}

func TestUnreadAndLastRead(t *testing.T) {
	s, al, bo, room := seed(t)
	var last models.Message
	for i := 0; i < 3; i++ {
		m, _, err := s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID, Content: "x"})
		require.NoError(t, err)
		last = m
	}
	assert.Equal(t, 3, s.GetUnreadCount(room.ID, bo.ID))
	assert.Equal(t, 0, s.GetUnreadCount(room.ID, al.ID))

	rooms := s.GetRoomsForUser(bo.ID)
	require.Len(t, rooms, 1)
	assert.Equal(t, 3, rooms[0].UnreadCount)
	assert.Equal(t, last.ID, rooms[0].LastMessage.ID)

	_, err := s.UpdateLastRead(room.ID, bo.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, s.GetUnreadCount(room.ID, bo.ID))

	page, _, _, err := s.GetMessages(room.ID, "", 10)
	require.NoError(t, err)
	for _, m := range page {
		assert.True(t, m.ReadBy.Has(bo.ID))
	}
}

func TestDirectRooms(t *testing.T) {
	s, al, bo, _ := seed(t)
	r1, err := s.GetOrCreateDMRoom(al.ID, bo.ID)
	require.NoError(t, err)
	r2, err := s.GetOrCreateDMRoom(al.ID, bo.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)
	require.NotNil(t, r1.OtherUser)
	assert.Equal(t, bo.ID, r1.OtherUser.ID)

	_, err = s.GetOrCreateDMRoom(al.ID, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReactions(t *testing.T) {
	s, al, bo, room := seed(t)
	m, _, err := s.CreateMessage(NewMessage{RoomID: room.ID, SenderID: al.ID, Content: "x"})
	require.NoError(t, err)

	changed, err := s.AddReaction(room.ID, m.ID, "👍", bo.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.AddReaction(room.ID, m.ID, "👍", bo.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.AddReaction(room.ID, "nope", "👍", bo.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
