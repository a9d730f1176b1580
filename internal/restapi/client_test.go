package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/handlers"
	"github.com/umar/chatsync/internal/models"
)

const secret = "test-secret"

func setup(t *testing.T) (*Client, *database.Store, models.Room, string) {
	t.Helper()
	store := database.NewStore()
	al, err := store.CreateUser("al", "Al", "")
	require.NoError(t, err)
	room := store.CreateRoom("general", models.RoomGroup, al.ID)

	router := mux.NewRouter()
	handlers.Mount(router, store, secret, 1<<20)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	tok, err := auth.GenerateToken(al.ID, al.DisplayName, secret)
	require.NoError(t, err)
	return New(srv.URL+"/api", tok, 5*time.Second), store, room, srv.URL
}

func TestSendListAndRead(t *testing.T) {
	c, store, room, _ := setup(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := c.SendMessage(ctx, SendRequest{RoomID: room.ID, Content: content})
		require.NoError(t, err)
	}
	msg, err := c.SendMessage(ctx, SendRequest{RoomID: room.ID, Content: "four", ClientTempID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ClientTempID)

	page, err := c.ListMessages(ctx, room.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "three", page.Messages[0].Content)
	assert.True(t, page.HasMore)

	page, err = c.ListMessages(ctx, room.ID, page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.False(t, page.HasMore)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "four", rooms[0].LastMessage.Content)

	require.NoError(t, c.MarkRead(ctx, room.ID, msg.ID))
	assert.Zero(t, store.GetUnreadCount(room.ID, msg.Sender.ID))
}

func TestUpload(t *testing.T) {
	c, _, _, _ := setup(t)
	att, err := c.Upload(context.Background(), File{Name: "a.txt", ContentType: "text/plain", Data: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", att.Name)
	assert.EqualValues(t, 3, att.Size)
	assert.NotEmpty(t, att.URL)
}

func TestErrorMapping(t *testing.T) {
	c, _, room, base := setup(t)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, SendRequest{RoomID: room.ID})
	assert.ErrorIs(t, err, models.ErrValidation)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = c.SendMessage(ctx, SendRequest{RoomID: "missing", Content: "x"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	anon := New(base+"/api", "bogus", time.Second)
	_, err = anon.ListRooms(ctx)
	assert.ErrorIs(t, err, models.ErrAuth)
}

func TestTransportAndTimeout(t *testing.T) {
	dead := New("http://127.0.0.1:1/api", "tok", time.Second)
	_, err := dead.ListRooms(context.Background())
	assert.True(t, IsTransport(err))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = New(slow.URL, "tok", 5*time.Second).SendMessage(ctx, SendRequest{RoomID: "r", Content: "x"})
	assert.ErrorIs(t, err, models.ErrSendTimeout)
	assert.False(t, IsTransport(err))
}
