package drafts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

const pebblePrefix = "draft:"

type pebbleBackend struct {
	db *pebble.DB
}

// OpenPebble persists drafts in a local pebble database at path.
func OpenPebble(path string) (Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleBackend{db: db}, nil
}

func (b *pebbleBackend) Load(context.Context) (map[string]string, error) {
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte(pebblePrefix)
	out := make(map[string]string)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		room := string(iter.Key()[len(prefix):])
		out[room] = string(append([]byte(nil), iter.Value()...))
	}
	return out, iter.Error()
}

func (b *pebbleBackend) Save(_ context.Context, roomID, content string) error {
	return b.db.Set([]byte(pebblePrefix+roomID), []byte(content), pebble.Sync)
}

func (b *pebbleBackend) Delete(_ context.Context, roomID string) error {
	err := b.db.Delete([]byte(pebblePrefix+roomID), pebble.Sync)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (b *pebbleBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
