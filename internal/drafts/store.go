package drafts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Policy string

const (
	PolicyMemory Policy = "memory"
	PolicyPebble Policy = "pebble"
	PolicyRedis  Policy = "redis"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMemory, PolicyPebble, PolicyRedis:
		return p, nil
	case "":
		return PolicyMemory, nil
	}
	return "", fmt.Errorf("unknown drafts policy %q", s)
}

// Backend persists drafts beyond the process lifetime.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, roomID, content string) error
	Delete(ctx context.Context, roomID string) error
	Close() error
}

type memoryBackend struct{}

func (memoryBackend) Load(context.Context) (map[string]string, error) { return nil, nil }
func (memoryBackend) Save(context.Context, string, string) error      { return nil }
func (memoryBackend) Delete(context.Context, string) error            { return nil }
func (memoryBackend) Close() error                                    { return nil }

// Memory keeps drafts for the lifetime of the process only.
func Memory() Backend { return memoryBackend{} }

const writeTimeout = 5 * time.Second

type Store struct {
	mu     sync.Mutex
	drafts map[string]string
	dirty  map[string]string

	backend Backend
	log     *slog.Logger
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Open loads persisted drafts from backend and starts the writer.
func Open(ctx context.Context, backend Backend, log *slog.Logger) (*Store, error) {
	if backend == nil {
		backend = Memory()
	}
	if log == nil {
		log = slog.Default()
	}
	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	s := &Store{
		drafts:  make(map[string]string, len(loaded)),
		dirty:   make(map[string]string),
		backend: backend,
		log:     log.With("component", "drafts"),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for room, content := range loaded {
		if content != "" {
			s.drafts[room] = content
		}
	}
	go s.writer()
	return s, nil
}

// Get returns the room's draft, or "" if there is none.
func (s *Store) Get(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[roomID]
}

// Set stores content as the room's draft. An empty content deletes it.
func (s *Store) Set(roomID, content string) {
	s.mu.Lock()
	if content == "" {
		delete(s.drafts, roomID)
	} else {
		s.drafts[roomID] = content
	}
	s.dirty[roomID] = content
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Clear removes the room's draft after a successful send.
func (s *Store) Clear(roomID string) {
	s.Set(roomID, "")
}

// Rooms lists rooms that currently hold a draft.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.drafts))
	for room := range s.drafts {
		out = append(out, room)
	}
	return out
}

func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	batch := s.dirty
	s.dirty = make(map[string]string)
	s.mu.Unlock()

	for room, content := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		if content == "" {
			err = s.backend.Delete(ctx, room)
		} else {
			err = s.backend.Save(ctx, room, content)
		}
		cancel()
		if err != nil {
			s.log.Warn("draft write failed", "room_id", room, "error", err)
		}
	}
}

// Close flushes pending writes and closes the backend.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		err = s.backend.Close()
	})
	return err
}
