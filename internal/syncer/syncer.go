package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/chat"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/drafts"
	"github.com/umar/chatsync/internal/ledger"
	"github.com/umar/chatsync/internal/metrics"
	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/restapi"
	"github.com/umar/chatsync/internal/rooms"
	"github.com/umar/chatsync/internal/typing"
)

var ErrClosed = errors.New("syncer stopped")

// API is the REST and storage collaborator.
type API interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	ListMessages(ctx context.Context, roomID, cursor string, limit int) (models.MessagePage, error)
	SendMessage(ctx context.Context, req restapi.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, roomID, messageID string) error
	Upload(ctx context.Context, f restapi.File) (models.Attachment, error)
}

// Connection is the live transport, normally a *conn.Manager.
type Connection interface {
	Connect(ctx context.Context, creds conn.Credentials) error
	Disconnect()
	On(eventType string, h conn.Handler)
	Emit(ev chat.OutEvent) error
	Subscribe(roomID string) error
	Unsubscribe(roomID string) error
	State() conn.State
}

// SendError reports a message that could not be delivered. The message
// stays in the ledger as failed until it is retried or discarded.
type SendError struct {
	TempID string
	RoomID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s in room %s: %v", e.TempID, e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Options struct {
	Token  string
	API    API
	Conn   Connection
	Drafts *drafts.Store

	AckTimeout    time.Duration
	PageSize      int
	Typing        typing.Config
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Client
	Now     func() time.Time
	// NewTempID generates client temp ids; uuids by default.
	NewTempID func() string
}

// Syncer owns the room directory, the message ledger and the typing state
// and mutates them only from Run.
type Syncer struct {
	self   models.User
	token  string
	api    API
	conn   Connection
	drafts *drafts.Store

	ackTimeout time.Duration
	pageSize   int
	sweepEvery time.Duration

	log       *slog.Logger
	metrics   *metrics.Client
	now       func() time.Time
	newTempID func() string

	ops     chan func()
	inbox   chan func()
	events  chan Event
	stopped chan struct{}

	// owned by the loop
	dir         *rooms.Directory
	ledger      *ledger.Ledger
	typing      *typing.Coordinator
	bg          context.Context
	connState   conn.State
	everOnline  bool
	roomsLoad   uint64
	unsentFiles map[string]restapi.File
	// fallback sends awaiting their echo, temp id to room
	viaSocket map[string]string
}

// New builds a Syncer for the user identified by opts.Token. Run must be
// started before any other method is used.
func New(opts Options) (*Syncer, error) {
	claims, err := auth.Inspect(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if opts.API == nil || opts.Conn == nil {
		return nil, errors.New("syncer: API and Conn are required")
	}
	self := models.User{ID: claims.UserID, DisplayName: claims.Username}

	s := &Syncer{
		self:        self,
		token:       opts.Token,
		api:         opts.API,
		conn:        opts.Conn,
		drafts:      opts.Drafts,
		ackTimeout:  opts.AckTimeout,
		pageSize:    opts.PageSize,
		sweepEvery:  opts.SweepInterval,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newTempID:   opts.NewTempID,
		ops:         make(chan func()),
		inbox:       make(chan func(), 1024),
		events:      make(chan Event, 256),
		stopped:     make(chan struct{}),
		dir:         rooms.NewDirectory(),
		typing:      typing.New(self.ID, opts.Typing),
		bg:          context.Background(),
		unsentFiles: make(map[string]restapi.File),
		viaSocket:   make(map[string]string),
	}
	if s.ackTimeout <= 0 {
		s.ackTimeout = 15 * time.Second
	}
	if s.pageSize <= 0 {
		s.pageSize = 50
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = 250 * time.Millisecond
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "syncer", "user_id", self.ID)
	if s.now == nil {
		s.now = time.Now
	}
	if s.newTempID == nil {
		s.newTempID = uuid.NewString
	}
	if s.drafts == nil {
		s.drafts, err = drafts.Open(context.Background(), drafts.Memory(), s.log)
		if err != nil {
			return nil, err
		}
	}
	s.ledger = ledger.New(self, s.ackTimeout)

	for _, t := range []string{
		chat.TypeConnectionStatus,
		chat.TypeMessageNew,
		chat.TypeUserJoined,
		chat.TypeUserLeft,
		chat.TypeTypingUpdate,
		chat.TypeMessageRead,
		chat.TypeMessageReaction,
		chat.TypeError,
	} {
		s.conn.On(t, s.receive)
	}
	return s, nil
}

func (s *Syncer) Self() models.User { return s.self }

// Events delivers change notifications for the presentation layer. Events
// are dropped when the consumer falls behind; state can always be re-read.
func (s *Syncer) Events() <-chan Event { return s.events }

// Run drives the event loop until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.bg = ctx

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.ops:
			s.safe(fn)
		case fn := <-s.inbox:
			s.safe(fn)
		case <-ticker.C:
			s.safe(func() { s.sweep(s.now()) })
		}
	}
}

func (s *Syncer) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sync loop step panicked", "panic", r)
		}
	}()
	fn()
}

// do runs fn on the loop and waits for it.
func (s *Syncer) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	step := func() {
		defer close(done)
		fn()
	}
	select {
	case s.ops <- step:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting.
func (s *Syncer) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.stopped:
	}
}

func (s *Syncer) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("dropping presentation event", "kind", ev.Kind.String())
	}
}

// send emits on the live link; being offline is not an error for
// fire-and-forget signals.
func (s *Syncer) send(ev chat.OutEvent) error {
	err := s.conn.Emit(ev)
	if err != nil && !errors.Is(err, models.ErrNotConnected) {
		s.log.Warn("emit failed", "event", ev.EventType(), "error", err)
	}
	return err
}

// sweep runs the periodic expiries.
func (s *Syncer) sweep(now time.Time) {
	stops, changed := s.typing.Sweep(now)
	for _, stop := range stops {
		s.send(stop)
	}
	for _, roomID := range changed {
		s.emit(Event{Kind: TypingChanged, RoomID: roomID})
	}

	for _, m := range s.ledger.ExpirePending(now) {
		delete(s.viaSocket, m.ClientTempID)
		s.metrics.IncSent("timeout")
		s.log.Warn("send timed out", "room_id", m.RoomID, "temp_id", m.ClientTempID)
		s.emit(Event{
			Kind:   MessageFailed,
			RoomID: m.RoomID,
			TempID: m.ClientTempID,
			Err:    &SendError{TempID: m.ClientTempID, RoomID: m.RoomID, Err: models.ErrSendTimeout},
		})
	}
}
