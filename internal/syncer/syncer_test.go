package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/restapi"
)

var (
	al = models.User{ID: "u-al", DisplayName: "al"}
	bo = models.User{ID: "u-bo", DisplayName: "bo"}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAPI struct {
	mu        sync.Mutex
	rooms     []models.Room
	pages     map[string]models.MessagePage // keyed by room + "|" + cursor
	sendFn    func(ctx context.Context, req restapi.SendRequest) (models.Message, error)
	sends     []restapi.SendRequest
	marks     []string
	uploads   int
	listCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[string]models.MessagePage)}
}

func (f *fakeAPI) ListRooms(context.Context) ([]models.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]models.Room, len(f.rooms))
	copy(out, f.rooms)
	return out, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, roomID, cursor string, _ int) (models.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[roomID+"|"+cursor], nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req restapi.SendRequest) (models.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return models.Message{}, errors.New("no send handler")
	}
	return fn(ctx, req)
}

func (f *fakeAPI) MarkRead(_ context.Context, roomID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, roomID+"/"+messageID)
	return nil
}

func (f *fakeAPI) Upload(_ context.Context, file restapi.File) (models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return models.Attachment{URL: "/files/f1", Name: file.Name, ContentType: file.ContentType, Size: int64(len(file.Data))}, nil
}

func (f *fakeAPI) setSend(fn func(ctx context.Context, req restapi.SendRequest) (models.Message, error)) {
	f.mu.Lock()
	f.sendFn = fn
	f.mu.Unlock()
}

func (f *fakeAPI) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeConn struct {
	mu         sync.Mutex
	state      conn.State
	handlers   map[string][]conn.Handler
	emitted    []chat.OutEvent
	subs       map[string]bool
	connectErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:    conn.Connected,
		handlers: make(map[string][]conn.Handler),
		subs:     make(map[string]bool),
	}
}

func (c *fakeConn) Connect(context.Context, conn.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.state = conn.Connected
	return nil
}

func (c *fakeConn) Disconnect() {
	c.setState(conn.Disconnected)
}

func (c *fakeConn) On(eventType string, h conn.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

func (c *fakeConn) Emit(ev chat.OutEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != conn.Connected {
		return models.ErrNotConnected
	}
	c.emitted = append(c.emitted, ev)
	return nil
}

func (c *fakeConn) Subscribe(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[roomID] = true
	return nil
}

func (c *fakeConn) Unsubscribe(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, roomID)
	return nil
}

func (c *fakeConn) State() conn.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) setState(st conn.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *fakeConn) deliver(ev chat.InEvent) {
	c.mu.Lock()
	hs := append([]conn.Handler(nil), c.handlers[ev.EventType()]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeConn) sent() []chat.OutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.OutEvent(nil), c.emitted...)
}

func (c *fakeConn) subscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[roomID]
}

type harness struct {
	s     *Syncer
	api   *fakeAPI
	conn  *fakeConn
	clock *clock
}

func newHarness(t *testing.T, mod func(*Options)) *harness {
	t.Helper()
	tok, err := auth.GenerateToken(al.ID, al.DisplayName, "secret")
	require.NoError(t, err)

	h := &harness{
		api:   newFakeAPI(),
		conn:  newFakeConn(),
		clock: &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	n := 0
	opts := Options{
		Token:         tok,
		API:           h.api,
		Conn:          h.conn,
		SweepInterval: 5 * time.Millisecond,
		Now:           h.clock.Now,
		NewTempID: func() string {
			n++
			return fmt.Sprintf("t%d", n)
		},
	}
	if mod != nil {
		mod(&opts)
	}
	h.s, err = New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go h.s.Run(ctx)
	t.Cleanup(cancel)
	return h
}

// flush waits until everything posted to the loop so far has run.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.s.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}
}

func (h *harness) messages(t *testing.T, roomID string) []models.Message {
	t.Helper()
	msgs, err := h.s.Messages(context.Background(), roomID)
	require.NoError(t, err)
	return msgs
}

func (h *harness) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func (h *harness) incoming(from models.User, roomID, id, content string) models.Message {
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		Content:   content,
		Sender:    from,
		Type:      models.MessageText,
		Timestamp: h.clock.Now(),
	}
}

func (h *harness) withRooms(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		h.api.rooms = append(h.api.rooms, models.Room{ID: id, Type: models.RoomGroup, Name: id, Participants: []models.User{al, bo}})
	}
	require.NoError(t, h.s.LoadRooms(context.Background()))
}

func sentOfType[T chat.OutEvent](c *fakeConn) []T {
	var out []T
	for _, ev := range c.sent() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func TestSendReconcilesInPlace(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.s.SetDraftMessage("r1", "hello")

	release := make(chan struct{})
	h.api.setSend(func(_ context.Context, req restapi.SendRequest) (models.Message, error) {
		<-release
		m := h.incoming(al, req.RoomID, "m42", req.Content)
		m.ClientTempID = req.ClientTempID
		return m, nil
	})

	type result struct {
		msg models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := h.s.SendMessage(context.Background(), "r1", "hello")
		done <- result{m, err}
	}()

	require.Eventually(t, func() bool {
		msgs := h.messages(t, "r1")
		return len(msgs) == 1 && msgs[0].ClientTempID == "t1" && msgs[0].Status == models.StatusPending
	}, time.Second, 5*time.Millisecond)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "m42", res.msg.ID)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m42", msgs[0].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Empty(t, msgs[0].ClientTempID)
	assert.Empty(t, h.s.GetDraftMessage("r1"))

	sends := sentOfType[chat.MessageSend](h.conn)
	require.Len(t, sends, 1)
	require.NotNil(t, sends[0].Message)
	assert.Equal(t, "m42", sends[0].Message.ID)
	assert.Equal(t, "t1", sends[0].ClientTempID)
}

func TestEchoBeforeAck(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	release := make(chan struct{})
	h.api.setSend(func(_ context.Context, req restapi.SendRequest) (models.Message, error) {
		<-release
		m := h.incoming(al, req.RoomID, "m42", req.Content)
		m.ClientTempID = req.ClientTempID
		return m, nil
	})
	done := make(chan error, 1)
	go func() {
		_, err := h.s.SendMessage(context.Background(), "r1", "hello")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.messages(t, "r1")) == 1 }, time.Second, 5*time.Millisecond)

	echo := h.incoming(al, "r1", "m42", "hello")
	echo.ClientTempID = "t1"
	h.conn.deliver(chat.MessageNew{Message: echo})
	h.flush(t)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m42", msgs[0].ID)

	close(release)
	require.NoError(t, <-done)
	msgs = h.messages(t, "r1")
	require.Len(t, msgs, 1, "the late ack must not duplicate the echo")
	assert.Equal(t, "m42", msgs[0].ID)
	assert.Zero(t, h.s.dirUnread(t, "r1"), "own messages never count as unread")
}

func (s *Syncer) dirUnread(t *testing.T, roomID string) int {
	n, err := s.UnreadCount(context.Background(), roomID)
	require.NoError(t, err)
	return n
}

func TestEchoWithoutTempIDMatchesByContent(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, &restapi.APIError{Status: http.StatusInternalServerError, Message: "boom"}
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "hello")
	require.Error(t, err)

	h.conn.deliver(chat.MessageNew{Message: h.incoming(al, "r1", "m7", "hello")})
	h.flush(t)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m7", msgs[0].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	_, err := h.s.SendMessage(context.Background(), "r1", "   ")
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, h.api.sendCount())
	assert.Empty(t, h.messages(t, "r1"))
}

func TestFailedSendKeepsDraftAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.s.SetDraftMessage("r1", "hello")

	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, &restapi.APIError{Status: http.StatusInternalServerError, Message: "boom"}
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "hello")
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "t1", serr.TempID)

	ev := h.waitEvent(t, MessageFailed)
	assert.Equal(t, "t1", ev.TempID)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.Equal(t, "hello", h.s.GetDraftMessage("r1"))

	h.api.setSend(func(_ context.Context, req restapi.SendRequest) (models.Message, error) {
		m := h.incoming(al, req.RoomID, "m1", req.Content)
		m.ClientTempID = req.ClientTempID
		return m, nil
	})
	m, err := h.s.RetryMessage(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	msgs = h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Empty(t, h.s.GetDraftMessage("r1"))

	_, err = h.s.RetryMessage(context.Background(), "t1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDiscardFailedMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, &restapi.APIError{Status: http.StatusInternalServerError}
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "oops")
	require.Error(t, err)

	ok, err := h.s.DiscardMessage(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.messages(t, "r1"))
}

func TestAckTimeoutMarksFailed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AckTimeout = 50 * time.Millisecond })
	h.withRooms(t, "r1")

	h.api.setSend(func(ctx context.Context, _ restapi.SendRequest) (models.Message, error) {
		<-ctx.Done()
		return models.Message{}, fmt.Errorf("%w: %w", models.ErrSendTimeout, ctx.Err())
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "slow")
	require.ErrorIs(t, err, models.ErrSendTimeout)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.Empty(t, sentOfType[chat.MessageSend](h.conn), "a timed out send is not replayed over the socket")
}

func TestPendingExpiresOnSweep(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AckTimeout = time.Hour })
	h.withRooms(t, "r1")

	h.api.setSend(func(ctx context.Context, _ restapi.SendRequest) (models.Message, error) {
		<-ctx.Done()
		return models.Message{}, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.s.SendMessage(ctx, "r1", "stuck")
	require.Eventually(t, func() bool { return len(h.messages(t, "r1")) == 1 }, time.Second, 5*time.Millisecond)

	h.clock.Advance(2 * time.Hour)
	ev := h.waitEvent(t, MessageFailed)
	assert.ErrorIs(t, ev.Err, models.ErrSendTimeout)
	assert.Equal(t, models.StatusFailed, h.messages(t, "r1")[0].Status)
}

func TestTransportFailureFallsBackToSocket(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.s.SetDraftMessage("r1", "hi")

	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, fmt.Errorf("%w: connection refused", models.ErrTransport)
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "hi")
	require.NoError(t, err)

	sends := sentOfType[chat.MessageSend](h.conn)
	require.Len(t, sends, 1)
	assert.Nil(t, sends[0].Message)
	assert.Equal(t, "t1", sends[0].ClientTempID)
	assert.Equal(t, "hi", h.s.GetDraftMessage("r1"), "kept until the echo confirms the send")

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusPending, msgs[0].Status)

	echo := h.incoming(al, "r1", "m9", "hi")
	echo.ClientTempID = "t1"
	h.conn.deliver(chat.MessageNew{Message: echo})
	h.flush(t)
	msgs = h.messages(t, "r1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m9", msgs[0].ID)
	assert.Empty(t, h.s.GetDraftMessage("r1"))
}

func TestFallbackSendWithoutEchoKeepsDraft(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.s.SetDraftMessage("r1", "hi")

	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, fmt.Errorf("%w: connection refused", models.ErrTransport)
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "hi")
	require.NoError(t, err)
	require.Len(t, sentOfType[chat.MessageSend](h.conn), 1)

	h.clock.Advance(20 * time.Second)
	ev := h.waitEvent(t, MessageFailed)
	assert.Equal(t, "t1", ev.TempID)
	assert.Equal(t, models.StatusFailed, h.messages(t, "r1")[0].Status)
	assert.Equal(t, "hi", h.s.GetDraftMessage("r1"))

	// unrelated traffic in the room leaves the draft alone
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r1", "m1", "yo")})
	h.flush(t)
	assert.Equal(t, "hi", h.s.GetDraftMessage("r1"))
}

func TestTransportFailureOfflineFails(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.conn.setState(conn.Reconnecting)

	h.api.setSend(func(context.Context, restapi.SendRequest) (models.Message, error) {
		return models.Message{}, fmt.Errorf("%w: connection refused", models.ErrTransport)
	})
	_, err := h.s.SendMessage(context.Background(), "r1", "hi")
	require.ErrorIs(t, err, models.ErrTransport)
	assert.Equal(t, models.StatusFailed, h.messages(t, "r1")[0].Status)
}

func TestSendWithFileUploadsFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	var got restapi.SendRequest
	h.api.setSend(func(_ context.Context, req restapi.SendRequest) (models.Message, error) {
		got = req
		m := h.incoming(al, req.RoomID, "m5", req.Content)
		m.Attachment = req.Attachment
		m.Type = models.MessageFile
		return m, nil
	})
	m, err := h.s.SendMessageWithFile(context.Background(), "r1", "", restapi.File{Name: "a.txt", ContentType: "text/plain", Data: []byte("abc")})
	require.NoError(t, err)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, "/files/f1", got.Attachment.URL)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, models.MessageFile, m.Type)
	assert.Equal(t, 1, h.api.uploads)
}

func TestUnreadAccounting(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1", "r2")
	ctx := context.Background()
	require.NoError(t, h.s.SetActiveRoom(ctx, "r1"))

	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r2", "a", "one")})
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r2", "b", "two")})
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r1", "c", "here")})
	h.conn.deliver(chat.MessageNew{Message: h.incoming(al, "r2", "d", "mine")})
	// redelivery counts once
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r2", "a", "one")})
	h.flush(t)

	assert.Equal(t, 2, h.s.dirUnread(t, "r2"))
	assert.Zero(t, h.s.dirUnread(t, "r1"))
	total, err := h.s.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, h.s.MarkRoomAsRead(ctx, "r2"))
	assert.Zero(t, h.s.dirUnread(t, "r2"))
	assert.Empty(t, sentOfType[chat.ReadReceipt](h.conn), "an unloaded room only clears its counter")
	assert.Empty(t, h.api.marks)
}

func TestActiveRoomAutoRead(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "old")}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))
	require.NoError(t, h.s.SetActiveRoom(ctx, "r1"))

	h.clock.Advance(time.Second)
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r1", "m2", "new")})
	h.flush(t)

	receipts := sentOfType[chat.ReadReceipt](h.conn)
	require.Len(t, receipts, 1)
	assert.Equal(t, chat.ReadReceipt{RoomID: "r1", MessageID: "m2"}, receipts[0])

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].ReadBy.Has(al.ID))
	assert.True(t, msgs[1].ReadBy.Has(al.ID))
}

func TestMarkRoomAsReadOfflineUsesREST(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "old")}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))
	h.conn.setState(conn.Disconnected)

	require.NoError(t, h.s.MarkRoomAsRead(ctx, "r1"))
	assert.Equal(t, []string{"r1/m1"}, h.api.marks)
}

func TestIncomingReceiptsAndReactions(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	second := h.incoming(al, "r1", "m2", "second")
	second.Timestamp = second.Timestamp.Add(time.Second)
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(al, "r1", "m1", "first"), second}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))

	h.conn.deliver(chat.MessageRead{RoomID: "r1", MessageID: "m2", UserID: bo.ID})
	h.conn.deliver(chat.MessageReaction{RoomID: "r1", MessageID: "m1", Emoji: "👍", UserID: bo.ID})
	h.conn.deliver(chat.MessageReaction{RoomID: "r1", MessageID: "m1", Emoji: "👍", UserID: bo.ID})
	h.flush(t)

	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].ReadBy.Has(bo.ID), "receipts are cumulative")
	assert.True(t, msgs[1].ReadBy.Has(bo.ID))
	assert.Len(t, msgs[0].Reactions["👍"], 1)

	// a page refetch keeps the local state
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))
	msgs = h.messages(t, "r1")
	assert.True(t, msgs[0].Reactions["👍"].Has(bo.ID))
}

func TestReactToMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "hi")}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))

	require.NoError(t, h.s.ReactToMessage(ctx, "r1", "m1", "🎉"))
	assert.True(t, h.messages(t, "r1")[0].Reactions["🎉"].Has(al.ID))
	reacts := sentOfType[chat.MessageReact](h.conn)
	require.Len(t, reacts, 1)
	assert.Equal(t, "m1", reacts[0].MessageID)

	assert.ErrorIs(t, h.s.ReactToMessage(ctx, "r1", "nope", "🎉"), models.ErrNotFound)
	assert.ErrorIs(t, h.s.ReactToMessage(ctx, "r1", "m1", ""), models.ErrValidation)
}

func TestReactWhileOfflineLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "hi")}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))

	h.conn.setState(conn.Reconnecting)
	err := h.s.ReactToMessage(ctx, "r1", "m1", "X")
	require.ErrorIs(t, err, models.ErrNotConnected)
	assert.Empty(t, h.messages(t, "r1")[0].Reactions["X"])
	assert.Empty(t, sentOfType[chat.MessageReact](h.conn))

	h.conn.setState(conn.Connected)
	require.NoError(t, h.s.ReactToMessage(ctx, "r1", "m1", "X"))
	assert.True(t, h.messages(t, "r1")[0].Reactions["X"].Has(al.ID))
}

func TestIncomingWithoutIDIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()

	ghost := h.incoming(bo, "r1", "", "hi")
	ghost.ClientTempID = "theirs"
	h.conn.deliver(chat.MessageNew{Message: ghost})
	h.conn.deliver(chat.MessageNew{Message: ghost})
	h.flush(t)

	assert.Empty(t, h.messages(t, "r1"))
	n, err := h.s.UnreadCount(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadMoreMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()
	newer := h.incoming(bo, "r1", "m2", "new")
	newer.Timestamp = newer.Timestamp.Add(time.Minute)
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{newer}, NextCursor: "m2", HasMore: true}
	h.api.pages["r1|m2"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "old")}}

	more, err := h.s.LoadMoreMessages(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, h.messages(t, "r1"), 1)

	more, err = h.s.LoadMoreMessages(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, more)
	msgs := h.messages(t, "r1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestTyping(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	ctx := context.Background()

	h.s.SetTyping("r1", true)
	h.s.SetTyping("r1", true)
	h.flush(t)
	starts := sentOfType[chat.TypingStatus](h.conn)
	require.Len(t, starts, 1, "repeated keystrokes are debounced")
	assert.True(t, starts[0].IsTyping)

	// idle stop
	h.clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool {
		ts := sentOfType[chat.TypingStatus](h.conn)
		return len(ts) == 2 && !ts[1].IsTyping
	}, time.Second, 5*time.Millisecond)

	h.conn.deliver(chat.TypingUpdate{RoomID: "r1", UserID: bo.ID, User: bo, IsTyping: true})
	h.flush(t)
	users, err := h.s.TypingUsers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, bo.ID, users[0].ID)

	// a message from the typist clears the indicator
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r1", "m1", "done")})
	h.flush(t)
	users, err = h.s.TypingUsers(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, users)

	// stale indicators expire
	h.conn.deliver(chat.TypingUpdate{RoomID: "r1", UserID: bo.ID, User: bo, IsTyping: true})
	h.flush(t)
	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		users, _ := h.s.TypingUsers(ctx, "r1")
		return len(users) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSendStopsTyping(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.api.setSend(func(_ context.Context, req restapi.SendRequest) (models.Message, error) {
		return h.incoming(al, req.RoomID, "m1", req.Content), nil
	})

	h.s.SetTyping("r1", true)
	h.flush(t)
	_, err := h.s.SendMessage(context.Background(), "r1", "hi")
	require.NoError(t, err)

	ts := sentOfType[chat.TypingStatus](h.conn)
	require.Len(t, ts, 2)
	assert.False(t, ts[1].IsTyping)
}

func TestDraftsArePerRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.s.SetDraftMessage("r1", "one")
	h.s.SetDraftMessage("r2", "two")
	assert.Equal(t, "one", h.s.GetDraftMessage("r1"))
	assert.Equal(t, "two", h.s.GetDraftMessage("r2"))
	assert.Empty(t, h.s.GetDraftMessage("r3"))
}

func TestSetActiveRoomSwitchesSubscription(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1", "r2")
	ctx := context.Background()

	require.NoError(t, h.s.SetActiveRoom(ctx, "r1"))
	assert.True(t, h.conn.subscribed("r1"))

	h.s.SetTyping("r1", true)
	h.flush(t)
	require.NoError(t, h.s.SetActiveRoom(ctx, "r2"))
	assert.False(t, h.conn.subscribed("r1"))
	assert.True(t, h.conn.subscribed("r2"))

	active, err := h.s.ActiveRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", active)

	ts := sentOfType[chat.TypingStatus](h.conn)
	require.NotEmpty(t, ts)
	assert.False(t, ts[len(ts)-1].IsTyping, "leaving a room stops typing there")
}

func TestMembershipEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	cy := models.User{ID: "u-cy", DisplayName: "cy"}

	h.conn.deliver(chat.UserJoined{RoomID: "r1", UserID: cy.ID, User: cy})
	h.conn.deliver(chat.UserLeft{RoomID: "r1", UserID: bo.ID})
	h.flush(t)

	rooms, err := h.s.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	var ids []string
	for _, p := range rooms[0].Participants {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{al.ID, cy.ID}, ids)
}

func TestMessageForUnknownRoomRefreshesDirectory(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")
	h.api.mu.Lock()
	h.api.rooms = append(h.api.rooms, models.Room{ID: "r9", Type: models.RoomDirect, UnreadCount: 1})
	h.api.mu.Unlock()

	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r9", "x", "surprise")})
	require.Eventually(t, func() bool { return h.api.listCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.s.dirUnread(t, "r9") == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectRefreshes(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	h.conn.deliver(chat.ConnectionStatus{State: conn.Connected.String()})
	h.flush(t)
	assert.Equal(t, 1, h.api.listCount(), "the first connect does not refetch")

	h.conn.deliver(chat.TypingUpdate{RoomID: "r1", UserID: bo.ID, User: bo, IsTyping: true})
	h.conn.deliver(chat.ConnectionStatus{State: conn.Reconnecting.String(), Attempt: 1})
	h.flush(t)
	users, err := h.s.TypingUsers(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, users, "indicators are dropped with the link")

	h.conn.deliver(chat.ConnectionStatus{State: conn.Connected.String()})
	require.Eventually(t, func() bool { return h.api.listCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestTypingStopSurvivesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1")

	h.s.SetTyping("r1", true)
	h.flush(t)
	require.Len(t, sentOfType[chat.TypingStatus](h.conn), 1)

	h.conn.deliver(chat.ConnectionStatus{State: conn.Reconnecting.String(), Attempt: 1})
	h.conn.deliver(chat.ConnectionStatus{State: conn.Connected.String()})
	h.flush(t)

	h.clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool {
		ts := sentOfType[chat.TypingStatus](h.conn)
		return len(ts) == 2 && !ts[1].IsTyping
	}, time.Second, 5*time.Millisecond)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.withRooms(t, "r1", "r2")
	ctx := context.Background()
	h.api.pages["r1|"] = models.MessagePage{Messages: []models.Message{h.incoming(bo, "r1", "m1", "hi")}}
	require.NoError(t, h.s.LoadMessages(ctx, "r1"))
	h.conn.deliver(chat.MessageNew{Message: h.incoming(bo, "r2", "m2", "yo")})
	h.s.SetTyping("r1", true)
	h.flush(t)

	require.NoError(t, h.s.Logout(ctx))

	ts := sentOfType[chat.TypingStatus](h.conn)
	require.Len(t, ts, 2)
	assert.False(t, ts[1].IsTyping)
	assert.Equal(t, conn.Disconnected, h.conn.State())

	rooms, err := h.s.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
	assert.Empty(t, h.messages(t, "r1"))
	total, err := h.s.TotalUnread(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAuthFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.conn.deliver(chat.Error{Code: chat.CodeUnauthorized, Message: "token expired"})
	ev := h.waitEvent(t, AuthFailed)
	assert.ErrorIs(t, ev.Err, models.ErrAuth)

	h.conn.connectErr = fmt.Errorf("%w: handshake rejected", models.ErrAuth)
	err := h.s.ConnectSocket(context.Background())
	require.ErrorIs(t, err, models.ErrAuth)
	h.waitEvent(t, AuthFailed)

	h.conn.deliver(chat.Error{Code: chat.CodeRateLimited, Message: "slow down"})
	ev = h.waitEvent(t, RelayError)
	assert.Contains(t, ev.Err.Error(), chat.CodeRateLimited)
}

func TestNewRejectsBadToken(t *testing.T) {
	_, err := New(Options{Token: "garbage", API: newFakeAPI(), Conn: newFakeConn()})
	assert.ErrorIs(t, err, models.ErrAuth)
}
