package syncer_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/database"
	"github.com/umar/chatsync/internal/handlers"
	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/relay"
	"github.com/umar/chatsync/internal/restapi"
	"github.com/umar/chatsync/internal/syncer"
)

const secret = "integration-secret"

type world struct {
	srv   *httptest.Server
	store *database.Store
	room  models.Room
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := database.NewStore()
	hub := relay.NewHub(store, relay.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := mux.NewRouter()
	router.Handle("/ws", relay.ServeWS(hub, secret))
	handlers.Mount(router, store, secret, 1<<20)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &world{srv: srv, store: store}
}

func (w *world) join(t *testing.T, username string) *syncer.Syncer {
	t.Helper()
	u, err := w.store.CreateUser(username, strings.ToUpper(username[:1])+username[1:], "")
	require.NoError(t, err)
	if w.room.ID == "" {
		w.room = w.store.CreateRoom("general", models.RoomGroup, u.ID)
	} else {
		require.NoError(t, w.store.AddRoomMember(w.room.ID, u.ID))
	}

	tok, err := auth.GenerateToken(u.ID, u.DisplayName, secret)
	require.NoError(t, err)
	cm := conn.New(conn.Options{
		URL:     "ws" + strings.TrimPrefix(w.srv.URL, "http") + "/ws",
		Backoff: conn.Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	})
	s, err := syncer.New(syncer.Options{
		Token:         tok,
		API:           restapi.New(w.srv.URL+"/api", tok, 5*time.Second),
		Conn:          cm,
		SweepInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cm.Disconnect()
		cancel()
	})

	require.NoError(t, s.ConnectSocket(ctx))
	require.NoError(t, s.LoadRooms(ctx))
	require.NoError(t, s.LoadMessages(ctx, w.room.ID))
	require.NoError(t, s.SetActiveRoom(ctx, w.room.ID))
	return s
}

func TestTwoClientsConverge(t *testing.T) {
	w := newWorld(t)
	al := w.join(t, "al")
	bo := w.join(t, "bo")
	ctx := context.Background()
	roomID := w.room.ID

	// the relay handles joins asynchronously
	time.Sleep(100 * time.Millisecond)

	sent, err := al.SendMessage(ctx, roomID, "hello bo")
	require.NoError(t, err)
	require.NotEmpty(t, sent.ID)

	require.Eventually(t, func() bool {
		msgs, err := bo.Messages(ctx, roomID)
		return err == nil && len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 3*time.Second, 10*time.Millisecond)

	// al's echo must not duplicate the confirmed send
	time.Sleep(100 * time.Millisecond)
	msgs, err := al.Messages(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)

	// bo is looking at the room, so the message is acknowledged automatically
	require.Eventually(t, func() bool {
		msgs, err := al.Messages(ctx, roomID)
		return err == nil && len(msgs) == 1 && msgs[0].ReadBy.Has(bo.Self().ID)
	}, 3*time.Second, 10*time.Millisecond)

	bo.SetTyping(roomID, true)
	require.Eventually(t, func() bool {
		users, err := al.TypingUsers(ctx, roomID)
		return err == nil && len(users) == 1 && users[0].ID == bo.Self().ID
	}, 3*time.Second, 10*time.Millisecond)

	reply, err := bo.SendMessage(ctx, roomID, "hi al")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		users, _ := al.TypingUsers(ctx, roomID)
		msgs, _ := al.Messages(ctx, roomID)
		return len(users) == 0 && len(msgs) == 2 && msgs[1].ID == reply.ID
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bo.ReactToMessage(ctx, roomID, sent.ID, "👍"))
	require.Eventually(t, func() bool {
		msgs, _ := al.Messages(ctx, roomID)
		return len(msgs) == 2 && msgs[0].Reactions["👍"].Has(bo.Self().ID)
	}, 3*time.Second, 10*time.Millisecond)

	stored, _, _, err := w.store.GetMessages(roomID, "", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2, "each send is stored exactly once")
}

func TestReloadKeepsLiveState(t *testing.T) {
	w := newWorld(t)
	al := w.join(t, "al")
	bo := w.join(t, "bo")
	ctx := context.Background()
	roomID := w.room.ID
	time.Sleep(100 * time.Millisecond)

	m, err := bo.SendMessage(ctx, roomID, "react to me")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs, _ := al.Messages(ctx, roomID)
		return len(msgs) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, al.ReactToMessage(ctx, roomID, m.ID, "🎉"))
	require.NoError(t, al.LoadMessages(ctx, roomID))

	msgs, err := al.Messages(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Reactions["🎉"].Has(al.Self().ID))
	assert.Equal(t, conn.Connected, al.ConnectionState())
}
