// Package relay mirrors room broadcasts onto Redis pub/sub. The
// connection registry itself is process-local; the relay is the seam a
// second process (or a future distributed registry) subscribes to for
// read-only fanout.
package relay

import (
	"context"

	"github.com/redis/go-redis/v9"

	"relicrace/server/internal/telemetry"
)

// Mirror receives a copy of every payload a room broadcasts.
type Mirror interface {
	Publish(ctx context.Context, roomKey string, payload []byte)
}

// RedisMirror publishes broadcast payloads to one channel per room.
type RedisMirror struct {
	client *redis.Client
	prefix string
	logger telemetry.Logger
}

func NewRedisMirror(client *redis.Client, prefix string, logger telemetry.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "race:"
	}
	return &RedisMirror{client: client, prefix: prefix, logger: logger}
}

func (m *RedisMirror) Publish(ctx context.Context, roomKey string, payload []byte) {
	if err := m.client.Publish(ctx, m.prefix+roomKey, payload).Err(); err != nil && m.logger != nil {
		m.logger.Printf("relay publish failed for %s: %v", roomKey, err)
	}
}

// Subscribe forwards mirrored payloads for one room to handler until
// ctx is cancelled. Consumers run this in its own goroutine.
func (m *RedisMirror) Subscribe(ctx context.Context, roomKey string, handler func([]byte)) error {
	pubsub := m.client.Subscribe(ctx, m.prefix+roomKey)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}
