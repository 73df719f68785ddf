package outbox

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/model"
)

// KeyStore records idempotency keys that have been delivered.
type KeyStore interface {
	// Claim records key for ttl. It reports false when the key is already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release forgets key so a later delivery can claim it again.
	Release(ctx context.Context, key string) error
}

// Deduplicator skips messages whose idempotency key was already delivered.
// It guards against redelivery after a crash between dispatch and
// MarkProcessed.
type Deduplicator struct {
	next   Dispatcher
	keys   KeyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduplicator wraps next with idempotency key tracking.
func NewDeduplicator(next Dispatcher, keys KeyStore, ttl time.Duration, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{next: next, keys: keys, ttl: ttl, logger: logger}
}

// Dispatch implements Dispatcher.
func (d *Deduplicator) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	if msg.IdempotencyKey == "" {
		return d.next.Dispatch(ctx, msg)
	}
	key := FormatDedupeKey(msg.IdempotencyKey)

	claimed, err := d.keys.Claim(ctx, key, d.ttl)
	if err != nil {
		return fmt.Errorf("claim %q: %w", key, err)
	}
	if !claimed {
		d.logger.Debug("outbox message already delivered",
			zap.String("message_id", msg.ID),
			zap.String("idempotency_key", msg.IdempotencyKey),
		)
		return nil
	}

	if err := d.next.Dispatch(ctx, msg); err != nil {
		if relErr := d.keys.Release(context.WithoutCancel(ctx), key); relErr != nil {
			d.logger.Warn("dedupe key release failed", zap.String("key", key), zap.Error(relErr))
		}
		return err
	}
	return nil
}

// FormatDedupeKey builds the key under which a delivery is recorded.
func FormatDedupeKey(idempotencyKey string) string {
	return "outbox:" + idempotencyKey
}

// --- MemoryKeyStore ---

// MemoryKeyStore is an in-process KeyStore.
type MemoryKeyStore struct {
	cache *gocache.Cache
}

// NewMemoryKeyStore creates a MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{cache: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// Claim implements KeyStore.
func (s *MemoryKeyStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	// Add fails when an unexpired entry exists.
	return s.cache.Add(key, struct{}{}, ttl) == nil, nil
}

// Release implements KeyStore.
func (s *MemoryKeyStore) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// --- RedisKeyStore ---

// RedisKeyStore is a KeyStore shared across processes through redis.
type RedisKeyStore struct {
	client redis.Cmdable
}

// NewRedisKeyStore creates a RedisKeyStore.
func NewRedisKeyStore(client redis.Cmdable) *RedisKeyStore {
	return &RedisKeyStore{client: client}
}

// Claim implements KeyStore.
func (s *RedisKeyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release implements KeyStore.
func (s *RedisKeyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
