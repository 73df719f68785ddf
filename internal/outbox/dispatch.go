package outbox

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/model"
)

// Metadata keys set on published messages.
const (
	MetaTenantID       = "tenant_id"
	MetaInstanceID     = "instance_id"
	MetaEventType      = "event_type"
	MetaIdempotencyKey = "idempotency_key"
)

// --- LogDispatcher ---

// LogDispatcher writes each message to the log. It is the default when no
// broker is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(_ context.Context, msg model.OutboxMessage) error {
	d.logger.Info("outbox event",
		zap.String("message_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("instance_id", msg.InstanceID),
		zap.String("event_type", msg.EventType),
		zap.String("idempotency_key", msg.IdempotencyKey),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

// --- WatermillDispatcher ---

// WatermillDispatcher publishes messages on a watermill publisher. The topic
// is the configured prefix followed by the event type.
type WatermillDispatcher struct {
	publisher   message.Publisher
	topicPrefix string
}

// NewWatermillDispatcher creates a WatermillDispatcher.
func NewWatermillDispatcher(publisher message.Publisher, topicPrefix string) *WatermillDispatcher {
	return &WatermillDispatcher{publisher: publisher, topicPrefix: topicPrefix}
}

// Topic returns the topic an event type is published on.
func (d *WatermillDispatcher) Topic(eventType string) string {
	return d.topicPrefix + eventType
}

// Dispatch implements Dispatcher.
func (d *WatermillDispatcher) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	wm := message.NewMessage(msg.ID, message.Payload(msg.Payload))
	wm.Metadata.Set(MetaTenantID, msg.TenantID)
	wm.Metadata.Set(MetaInstanceID, msg.InstanceID)
	wm.Metadata.Set(MetaEventType, msg.EventType)
	wm.Metadata.Set(MetaIdempotencyKey, msg.IdempotencyKey)
	wm.SetContext(ctx)

	if err := d.publisher.Publish(d.Topic(msg.EventType), wm); err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}

// --- RedisStreamDispatcher ---

// RedisStreamDispatcher appends messages to a redis stream.
type RedisStreamDispatcher struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamDispatcher creates a RedisStreamDispatcher. A positive
// maxLen trims the stream approximately to that length.
func NewRedisStreamDispatcher(client redis.Cmdable, stream string, maxLen int64) *RedisStreamDispatcher {
	return &RedisStreamDispatcher{client: client, stream: stream, maxLen: maxLen}
}

// Dispatch implements Dispatcher.
func (d *RedisStreamDispatcher) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	args := &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{
			"id":               msg.ID,
			MetaTenantID:       msg.TenantID,
			MetaInstanceID:     msg.InstanceID,
			MetaEventType:      msg.EventType,
			MetaIdempotencyKey: msg.IdempotencyKey,
			"payload":          string(msg.Payload),
		},
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", d.stream, err)
	}
	return nil
}
