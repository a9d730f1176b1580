package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/umar/chatsync/internal/models"
)

// Result reports what ApplyIncoming or Reconcile did with a message.
type Result int

const (
	Inserted Result = iota
	Reconciled
	Duplicate
	// Dropped is a message with no durable id.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Page is one page of history as returned by the REST collaborator.
type Page struct {
	Messages   []models.Message
	NextCursor string
	HasMore    bool
}

type timeline struct {
	messages []*models.Message
	loaded   bool
	cursor   string
	hasMore  bool
}

type pendingSend struct {
	roomID string
	sentAt time.Time
}

// Ledger is not safe for concurrent use; the sync loop owns it.
type Ledger struct {
	self       models.User
	ackTimeout time.Duration

	rooms   map[string]*timeline
	pending map[string]pendingSend
}

// New returns a Ledger for the signed-in user. ackTimeout bounds both the
// wait for a send acknowledgment and the heuristic echo match window.
func New(self models.User, ackTimeout time.Duration) *Ledger {
	return &Ledger{
		self:       self,
		ackTimeout: ackTimeout,
		rooms:      make(map[string]*timeline),
		pending:    make(map[string]pendingSend),
	}
}

func (l *Ledger) timeline(roomID string) *timeline {
	tl, ok := l.rooms[roomID]
	if !ok {
		tl = &timeline{}
		l.rooms[roomID] = tl
	}
	return tl
}

func (tl *timeline) indexOf(key string) int {
	if key == "" {
		return -1
	}
	for i, m := range tl.messages {
		if m.Key() == key {
			return i
		}
	}
	return -1
}

func (tl *timeline) indexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range tl.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (tl *timeline) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, m := range tl.messages {
		if m.ID == "" && m.ClientTempID == tempID {
			return i
		}
	}
	return -1
}

func (tl *timeline) insert(m *models.Message) {
	i := sort.Search(len(tl.messages), func(i int) bool {
		return m.Before(tl.messages[i])
	})
	tl.messages = append(tl.messages, nil)
	copy(tl.messages[i+1:], tl.messages[i:])
	tl.messages[i] = m
}

func (tl *timeline) remove(i int) *models.Message {
	m := tl.messages[i]
	tl.messages = append(tl.messages[:i], tl.messages[i+1:]...)
	return m
}

// reposition moves the entry at i to where its timestamp now places it.
func (tl *timeline) reposition(i int) {
	tl.insert(tl.remove(i))
}

func (tl *timeline) sort() {
	sort.SliceStable(tl.messages, func(i, j int) bool {
		return tl.messages[i].Before(tl.messages[j])
	})
}

// MergeHistory merges a fetched page into the room. Messages already known
// keep their local reactions and read receipts; fetched state is unioned in.
// before is the cursor the page was requested with ("" for the newest page).
func (l *Ledger) MergeHistory(roomID, before string, page Page) int {
	tl := l.timeline(roomID)
	inserted := 0
	for i := range page.Messages {
		in := page.Messages[i]
		if in.RoomID == "" {
			in.RoomID = roomID
		}
		if idx := tl.indexOfID(in.ID); idx >= 0 {
			mergeServerFields(tl.messages[idx], &in)
			continue
		}
		if idx := tl.indexOfTemp(in.ClientTempID); idx >= 0 {
			l.replace(tl, idx, &in)
			delete(l.pending, in.ClientTempID)
			continue
		}
		m := in.Clone()
		m.Status = models.StatusSent
		tl.messages = append(tl.messages, &m)
		inserted++
	}
	tl.sort()

	if !tl.loaded || before == tl.cursor {
		tl.cursor = page.NextCursor
		tl.hasMore = page.HasMore
	}
	tl.loaded = true
	return inserted
}

// AppendOptimistic inserts a provisional message for a local send.
func (l *Ledger) AppendOptimistic(roomID, content, tempID, replyTo string, attachment *models.Attachment, now time.Time) models.Message {
	m := &models.Message{
		RoomID:       roomID,
		Content:      content,
		Sender:       l.self,
		Type:         models.MessageText,
		Timestamp:    now,
		ReplyTo:      replyTo,
		ReadBy:       models.NewUserSet(l.self.ID),
		ClientTempID: tempID,
		Status:       models.StatusPending,
	}
	if attachment != nil {
		a := *attachment
		m.Attachment = &a
		m.Type = models.MessageFile
	}
	l.timeline(roomID).insert(m)
	l.pending[tempID] = pendingSend{roomID: roomID, sentAt: now}
	return m.Clone()
}

// SetAttachment records the uploaded attachment on a provisional message.
func (l *Ledger) SetAttachment(tempID string, a models.Attachment) bool {
	p, ok := l.pending[tempID]
	if !ok {
		return false
	}
	tl := l.timeline(p.roomID)
	idx := tl.indexOfTemp(tempID)
	if idx < 0 {
		return false
	}
	tl.messages[idx].Attachment = &a
	tl.messages[idx].Type = models.MessageFile
	return true
}

// Reconcile replaces the provisional entry for tempID with the confirmed
// message. It is idempotent: a confirmation that was already applied (for
// instance through the broadcast echo) is merged and reported as Duplicate.
func (l *Ledger) Reconcile(tempID string, confirmed models.Message) Result {
	roomID := confirmed.RoomID
	if p, ok := l.pending[tempID]; ok && roomID == "" {
		roomID = p.roomID
		confirmed.RoomID = roomID
	}
	tl := l.timeline(roomID)

	if idx := tl.indexOfTemp(tempID); idx >= 0 {
		if dup := tl.indexOfID(confirmed.ID); dup >= 0 {
			old := tl.remove(idx)
			if dup > idx {
				dup--
			}
			tl.messages[dup].MergeState(old)
			mergeServerFields(tl.messages[dup], &confirmed)
			delete(l.pending, tempID)
			return Reconciled
		}
		l.replace(tl, idx, &confirmed)
		delete(l.pending, tempID)
		return Reconciled
	}

	delete(l.pending, tempID)
	if idx := tl.indexOfID(confirmed.ID); idx >= 0 {
		mergeServerFields(tl.messages[idx], &confirmed)
		return Duplicate
	}
	m := confirmed.Clone()
	m.ClientTempID = ""
	m.Status = models.StatusSent
	tl.insert(&m)
	return Inserted
}

// replace swaps the provisional entry at idx for confirmed, keeping any
// reactions or receipts gathered locally, then re-sorts by the server
// timestamp.
func (l *Ledger) replace(tl *timeline, idx int, confirmed *models.Message) {
	old := tl.messages[idx]
	m := confirmed.Clone()
	m.MergeState(old)
	if m.Sender.ID == "" {
		m.Sender = old.Sender
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = old.Timestamp
	}
	if m.Attachment == nil && old.Attachment != nil {
		m.Attachment = old.Attachment
		m.Type = models.MessageFile
	}
	m.ClientTempID = ""
	m.Status = models.StatusSent
	tl.messages[idx] = &m
	tl.reposition(idx)
}

func mergeServerFields(dst, src *models.Message) {
	dst.MergeState(src)
	if src.IsEdited {
		dst.Content = src.Content
		dst.IsEdited = true
	}
	if src.IsDeleted {
		dst.IsDeleted = true
	}
	dst.Status = models.StatusSent
}

// ApplyIncoming applies a live message. Matching runs by durable id, then
// by client temp id, then by the (sender, content, timestamp) heuristic for
// echoes of one's own sends that carry no temp id. A message without a
// durable id cannot be confirmed and is dropped.
func (l *Ledger) ApplyIncoming(msg models.Message) Result {
	if msg.ID == "" {
		return Dropped
	}
	tl := l.timeline(msg.RoomID)

	if idx := tl.indexOfID(msg.ID); idx >= 0 {
		mergeServerFields(tl.messages[idx], &msg)
		return Duplicate
	}
	if msg.ClientTempID != "" {
		if idx := tl.indexOfTemp(msg.ClientTempID); idx >= 0 {
			l.replace(tl, idx, &msg)
			delete(l.pending, msg.ClientTempID)
			return Reconciled
		}
	}
	if msg.ClientTempID == "" {
		if idx := l.heuristicMatch(tl, &msg); idx >= 0 {
			tempID := tl.messages[idx].ClientTempID
			l.replace(tl, idx, &msg)
			delete(l.pending, tempID)
			return Reconciled
		}
	}
	m := msg.Clone()
	m.ClientTempID = ""
	m.Status = models.StatusSent
	tl.insert(&m)
	return Inserted
}

// heuristicMatch finds the oldest unconfirmed local message with the same
// sender and content whose local timestamp lies within the ack timeout of
// the echo.
func (l *Ledger) heuristicMatch(tl *timeline, msg *models.Message) int {
	if msg.Sender.ID != l.self.ID {
		return -1
	}
	for i, m := range tl.messages {
		if m.ID != "" || m.Content != msg.Content {
			continue
		}
		delta := msg.Timestamp.Sub(m.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= l.ackTimeout {
			return i
		}
	}
	return -1
}

// ApplyReaction adds userID to the emoji's reactor set.
func (l *Ledger) ApplyReaction(roomID, messageID, emoji, userID string) bool {
	tl, ok := l.rooms[roomID]
	if !ok {
		return false
	}
	idx := tl.indexOf(messageID)
	if idx < 0 {
		return false
	}
	m := tl.messages[idx]
	if m.Reactions == nil {
		m.Reactions = make(map[string]models.UserSet)
	}
	set, ok := m.Reactions[emoji]
	if !ok {
		set = models.UserSet{}
		m.Reactions[emoji] = set
	}
	return set.Add(userID)
}

// ApplyReadReceipt records that userID has read messageID and everything
// before it.
func (l *Ledger) ApplyReadReceipt(roomID, messageID, userID string) bool {
	tl, ok := l.rooms[roomID]
	if !ok {
		return false
	}
	idx := tl.indexOf(messageID)
	if idx < 0 {
		return false
	}
	changed := false
	for i := 0; i <= idx; i++ {
		m := tl.messages[i]
		if m.ReadBy == nil {
			m.ReadBy = models.UserSet{}
		}
		if m.ReadBy.Add(userID) {
			changed = true
		}
	}
	return changed
}

// MarkAllRead adds userID to every confirmed message of a loaded room and
// returns the newest confirmed message id.
func (l *Ledger) MarkAllRead(roomID, userID string) (string, bool) {
	tl, ok := l.rooms[roomID]
	if !ok || !tl.loaded {
		return "", false
	}
	last := ""
	changed := false
	for _, m := range tl.messages {
		if m.ID == "" {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = models.UserSet{}
		}
		if m.ReadBy.Add(userID) {
			changed = true
		}
		last = m.ID
	}
	return last, changed
}

// ExpirePending marks every send still pending after the ack timeout as
// failed and returns those messages.
func (l *Ledger) ExpirePending(now time.Time) []models.Message {
	var failed []models.Message
	for tempID, p := range l.pending {
		if now.Sub(p.sentAt) < l.ackTimeout {
			continue
		}
		if m, ok := l.MarkFailed(tempID); ok {
			failed = append(failed, m)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Before(&failed[j]) })
	return failed
}

// MarkFailed flags a pending send as failed. The entry stays in the
// timeline so it can be retried or discarded.
func (l *Ledger) MarkFailed(tempID string) (models.Message, bool) {
	p, ok := l.pending[tempID]
	if !ok {
		return models.Message{}, false
	}
	tl := l.timeline(p.roomID)
	idx := tl.indexOfTemp(tempID)
	if idx < 0 {
		delete(l.pending, tempID)
		return models.Message{}, false
	}
	m := tl.messages[idx]
	if m.Status == models.StatusFailed {
		return models.Message{}, false
	}
	m.Status = models.StatusFailed
	return m.Clone(), true
}

// Retry moves a failed message back to pending at the end of its room.
func (l *Ledger) Retry(tempID string, now time.Time) (models.Message, error) {
	p, ok := l.pending[tempID]
	if !ok {
		return models.Message{}, fmt.Errorf("message %s: %w", tempID, models.ErrNotFound)
	}
	tl := l.timeline(p.roomID)
	idx := tl.indexOfTemp(tempID)
	if idx < 0 {
		return models.Message{}, fmt.Errorf("message %s: %w", tempID, models.ErrNotFound)
	}
	m := tl.messages[idx]
	if m.Status != models.StatusFailed {
		return models.Message{}, fmt.Errorf("message %s is %s: %w", tempID, m.Status, models.ErrValidation)
	}
	m.Status = models.StatusPending
	m.Timestamp = now
	tl.reposition(idx)
	l.pending[tempID] = pendingSend{roomID: p.roomID, sentAt: now}
	return m.Clone(), nil
}

// Discard drops an unconfirmed message.
func (l *Ledger) Discard(tempID string) bool {
	p, ok := l.pending[tempID]
	if !ok {
		return false
	}
	delete(l.pending, tempID)
	tl := l.timeline(p.roomID)
	idx := tl.indexOfTemp(tempID)
	if idx < 0 {
		return false
	}
	tl.remove(idx)
	return true
}

// PendingRoom returns the room of an unconfirmed send.
func (l *Ledger) PendingRoom(tempID string) (string, bool) {
	p, ok := l.pending[tempID]
	return p.roomID, ok
}

func (l *Ledger) Messages(roomID string) []models.Message {
	tl, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(tl.messages))
	for i, m := range tl.messages {
		out[i] = m.Clone()
	}
	return out
}

func (l *Ledger) Message(roomID, key string) (models.Message, bool) {
	tl, ok := l.rooms[roomID]
	if !ok {
		return models.Message{}, false
	}
	idx := tl.indexOf(key)
	if idx < 0 {
		return models.Message{}, false
	}
	return tl.messages[idx].Clone(), true
}

func (l *Ledger) Len(roomID string) int {
	if tl, ok := l.rooms[roomID]; ok {
		return len(tl.messages)
	}
	return 0
}

func (l *Ledger) Loaded(roomID string) bool {
	tl, ok := l.rooms[roomID]
	return ok && tl.loaded
}

// Cursor returns the cursor for the next older page and whether one exists.
func (l *Ledger) Cursor(roomID string) (string, bool) {
	tl, ok := l.rooms[roomID]
	if !ok || !tl.loaded {
		return "", false
	}
	return tl.cursor, tl.hasMore
}

// Reset drops every timeline and pending send, for logout.
func (l *Ledger) Reset() {
	l.rooms = make(map[string]*timeline)
	l.pending = make(map[string]pendingSend)
}
