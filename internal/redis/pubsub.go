package redisc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "chat:room:"

// Envelope is what travels on a room channel.
type Envelope struct {
	Origin        string          `json:"origin"`
	ExcludeUserID string          `json:"exclude_user_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Fanout relays room broadcasts between relay instances. Each instance
// skips the envelopes it published itself.
type Fanout struct {
	client *redis.Client
	origin string
	log    *slog.Logger
}

func NewFanout(client *redis.Client, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		client: client,
		origin: uuid.NewString(),
		log:    log.With("component", "fanout"),
	}
}

func (f *Fanout) Origin() string { return f.origin }

func (f *Fanout) PublishToRoom(ctx context.Context, roomID string, data []byte, excludeUserID string) error {
	payload, err := json.Marshal(Envelope{Origin: f.origin, ExcludeUserID: excludeUserID, Data: data})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, roomChannelPrefix+roomID, payload).Err()
}

// SubscribeRooms delivers broadcasts from other instances until ctx is done.
func (f *Fanout) SubscribeRooms(ctx context.Context, handler func(roomID string, data []byte, excludeUserID string)) error {
	pubsub := f.client.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.Warn("dropping malformed fanout payload", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == f.origin {
				continue
			}
			roomID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
			f.log.Debug("pubsub message", "room_id", roomID)
			handler(roomID, env.Data, env.ExcludeUserID)
		}
	}
}
