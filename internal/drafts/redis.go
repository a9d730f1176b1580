package drafts

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client *redis.Client
	key    string
}

// Redis keeps drafts in a per-user hash so they follow the user across
// sessions. The client is owned by the caller and is not closed.
func Redis(client *redis.Client, userID string) Backend {
	return &redisBackend{client: client, key: "chatsync:drafts:" + userID}
}

func (b *redisBackend) Load(ctx context.Context) (map[string]string, error) {
	return b.client.HGetAll(ctx, b.key).Result()
}

func (b *redisBackend) Save(ctx context.Context, roomID, content string) error {
	return b.client.HSet(ctx, b.key, roomID, content).Err()
}

func (b *redisBackend) Delete(ctx context.Context, roomID string) error {
	return b.client.HDel(ctx, b.key, roomID).Err()
}

func (b *redisBackend) Close() error { return nil }
