package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/umar/chatsync/internal/models"
	"github.com/umar/chatsync/internal/restapi"
	"github.com/umar/chatsync/internal/syncer"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session. Plain lines are sent to the open room.

Commands:
  /rooms                 list rooms
  /open <room>           open a room by id or name
  /more                  load older messages
  /react <msg> <emoji>   react to a message
  /read                  mark the open room as read
  /retry <temp-id>       resend a failed message
  /discard <temp-id>     drop a failed message
  /file <path> [text]    send a file
  /draft [text]          show or set the open room's draft
  /quit                  leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()

		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			s.sync.Run(ctx)
		}()

		t := &terminal{sync: s.sync, out: cmd.OutOrStdout(), shown: make(map[string]bool)}
		go t.watch(ctx)

		if err := s.sync.ConnectSocket(ctx); err != nil {
			if errors.Is(err, models.ErrAuth) {
				return err
			}
			t.printf("offline: %v (retrying)\n", err)
		}
		if err := s.sync.LoadRooms(ctx); err != nil {
			t.printf("could not load rooms: %v\n", err)
		} else {
			t.listRooms(ctx)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				<-loopDone
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := t.exec(ctx, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

// terminal renders syncer state as plain lines.
type terminal struct {
	sync *syncer.Syncer
	out  io.Writer

	mu     sync.Mutex
	active string
	shown  map[string]bool
	typing string
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) activeRoom() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *terminal) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	room := t.activeRoom()

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/logout":
		if err = t.sync.Logout(ctx); err == nil {
			return true
		}
	case "/rooms":
		t.listRooms(ctx)
	case "/open":
		if len(args) != 1 {
			err = errors.New("usage: /open <room>")
			break
		}
		err = t.open(ctx, args[0])
	case "/more":
		if room == "" {
			err = errors.New("no room open")
			break
		}
		var more bool
		more, err = t.sync.LoadMoreMessages(ctx, room)
		if err == nil && !more {
			t.printf("-- beginning of history --\n")
		}
	case "/react":
		if len(args) != 2 {
			err = errors.New("usage: /react <msg> <emoji>")
			break
		}
		err = t.sync.ReactToMessage(ctx, room, args[0], args[1])
	case "/read":
		err = t.sync.MarkRoomAsRead(ctx, room)
	case "/retry":
		if len(args) != 1 {
			err = errors.New("usage: /retry <temp-id>")
			break
		}
		_, err = t.sync.RetryMessage(ctx, args[0])
	case "/discard":
		if len(args) != 1 {
			err = errors.New("usage: /discard <temp-id>")
			break
		}
		_, err = t.sync.DiscardMessage(ctx, args[0])
	case "/file":
		if len(args) < 1 {
			err = errors.New("usage: /file <path> [text]")
			break
		}
		err = t.sendFile(ctx, args[0], strings.TrimSpace(strings.TrimPrefix(rest, args[0])))
	case "/draft":
		if room == "" {
			err = errors.New("no room open")
			break
		}
		if rest == "" {
			t.printf("draft: %q\n", t.sync.GetDraftMessage(room))
			break
		}
		t.sync.SetDraftMessage(room, rest)
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		t.printf("! %v\n", err)
	}
	return false
}

func (t *terminal) listRooms(ctx context.Context) {
	rooms, err := t.sync.Rooms(ctx)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	total, err := t.sync.TotalUnread(ctx)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	printRooms(t.out, rooms, t.active, total)
}

func (t *terminal) open(ctx context.Context, ref string) error {
	rooms, err := t.sync.Rooms(ctx)
	if err != nil {
		return err
	}
	id := ""
	for _, r := range rooms {
		if r.ID == ref || strings.EqualFold(roomName(r), ref) {
			id = r.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("no room %q", ref)
	}

	if err := t.sync.SetActiveRoom(ctx, id); err != nil {
		return err
	}
	t.mu.Lock()
	t.active = id
	t.mu.Unlock()

	if err := t.sync.LoadMessages(ctx, id); err != nil {
		return err
	}
	t.render(ctx, id)
	if draft := t.sync.GetDraftMessage(id); draft != "" {
		t.printf("draft: %q\n", draft)
	}
	return t.sync.MarkRoomAsRead(ctx, id)
}

func (t *terminal) send(ctx context.Context, content string) {
	room := t.activeRoom()
	if room == "" {
		t.printf("! open a room first\n")
		return
	}
	if _, err := t.sync.SendMessage(ctx, room, content); err != nil {
		var serr *syncer.SendError
		if errors.As(err, &serr) {
			t.printf("! not sent (%s): %v\n", serr.TempID, serr.Err)
			return
		}
		t.printf("! %v\n", err)
	}
}

func (t *terminal) sendFile(ctx context.Context, path, caption string) error {
	room := t.activeRoom()
	if room == "" {
		return errors.New("open a room first")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	_, err = t.sync.SendMessageWithFile(ctx, room, caption, restapi.File{
		Name:        filepath.Base(path),
		ContentType: ct,
		Data:        data,
	})
	return err
}

// render prints messages of the room not printed yet.
func (t *terminal) render(ctx context.Context, roomID string) {
	msgs, err := t.sync.Messages(ctx, roomID)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		key := m.Key() + "|" + string(m.Status)
		if t.shown[key] {
			continue
		}
		t.shown[key] = true
		fmt.Fprintln(t.out, formatMessage(m))
	}
}

func formatMessage(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.Sender.DisplayName, m.Content)
	if m.Attachment != nil {
		fmt.Fprintf(&b, " <%s %s>", m.Attachment.Name, m.Attachment.URL)
	}
	for emoji, users := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", emoji, len(users))
	}
	switch m.Status {
	case models.StatusPending:
		fmt.Fprintf(&b, "  (sending %s)", m.ClientTempID)
	case models.StatusFailed:
		fmt.Fprintf(&b, "  (failed %s)", m.ClientTempID)
	default:
		fmt.Fprintf(&b, "  #%s", m.ID)
	}
	return b.String()
}

func (t *terminal) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.sync.Events():
			t.onEvent(ctx, ev)
		}
	}
}

func (t *terminal) onEvent(ctx context.Context, ev syncer.Event) {
	active := t.activeRoom()
	switch ev.Kind {
	case syncer.MessagesChanged:
		if ev.RoomID == active {
			t.render(ctx, active)
		}
	case syncer.TypingChanged:
		if ev.RoomID != active {
			return
		}
		users, err := t.sync.TypingUsers(ctx, active)
		if err != nil {
			return
		}
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.DisplayName
		}
		line := strings.Join(names, ", ")
		t.mu.Lock()
		changed := line != t.typing
		t.typing = line
		t.mu.Unlock()
		if changed && line != "" {
			t.printf("  %s typing...\n", line)
		}
	case syncer.ConnectionChanged:
		t.printf("-- %s --\n", ev.State)
	case syncer.MessageFailed:
		t.printf("! message %s failed: %v (/retry or /discard)\n", ev.TempID, ev.Err)
	case syncer.AuthFailed:
		t.printf("! authentication failed: %v\n", ev.Err)
	case syncer.RelayError:
		t.printf("! relay: %v\n", ev.Err)
	}
}
