package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/action"
	"github.com/pitabwire/loom/internal/config"
	"github.com/pitabwire/loom/internal/lock"
	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/internal/outbox"
	"github.com/pitabwire/loom/internal/workflow"
)

// persistence is what the daemon needs from a store driver.
type persistence interface {
	workflow.Store
	outbox.Store
	observability.HealthChecker
}

// buildStore creates the store based on config. The returned closer is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (persistence, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		pg := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildRedis connects to redis when any component is configured to use it.
// It returns nil otherwise.
func buildRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.UsesRedis() {
		return nil, nil
	}

	addr := os.Getenv(cfg.Redis.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.Redis.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

func buildLocker(cfg config.LockConfig, client *redis.Client) (lock.Locker, error) {
	switch cfg.Driver {
	case "none":
		return lock.Nop{}, nil
	case "memory":
		return lock.NewMemory(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis lock driver requires a redis connection")
		}
		return lock.NewRedis(client), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver: %q", cfg.Driver)
	}
}

func buildActions(cfg config.ActionsConfig, logger *zap.Logger) *action.Registry {
	breakers := action.NewHostBreakers(cfg.Webhook.FailureThreshold, cfg.Webhook.SuccessThreshold, cfg.Webhook.OpenTimeout)
	return action.NewRegistry(logger,
		action.Noop{},
		action.NewWebhook(&http.Client{}, breakers, logger.Named("webhook")),
	)
}

// buildDispatcher creates the outbox dispatcher, wrapped with consumer-side
// dedupe when enabled. The returned closer is never nil.
func buildDispatcher(cfg config.OutboxConfig, client *redis.Client, logger *zap.Logger) (outbox.Dispatcher, func(), error) {
	var (
		dispatcher outbox.Dispatcher
		closer     = func() {}
	)
	switch cfg.Dispatcher {
	case "log":
		dispatcher = outbox.NewLogDispatcher(logger.Named("outbox"))
	case "watermill":
		// In-process pub/sub; embedders subscribe to the same GoChannel.
		pubsub := gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewStdLogger(false, false),
		)
		dispatcher = outbox.NewWatermillDispatcher(pubsub, cfg.TopicPrefix)
		closer = func() {
			if err := pubsub.Close(); err != nil {
				logger.Warn("closing watermill pubsub", zap.Error(err))
			}
		}
	case "redis_stream":
		if client == nil {
			return nil, nil, fmt.Errorf("redis_stream dispatcher requires a redis connection")
		}
		dispatcher = outbox.NewRedisStreamDispatcher(client, cfg.Stream, 0)
	default:
		return nil, nil, fmt.Errorf("unsupported outbox dispatcher: %q", cfg.Dispatcher)
	}

	if !cfg.Dedupe.Enabled {
		return dispatcher, closer, nil
	}
	var keys outbox.KeyStore
	switch cfg.Dedupe.Driver {
	case "redis":
		if client == nil {
			return nil, nil, fmt.Errorf("redis dedupe driver requires a redis connection")
		}
		keys = outbox.NewRedisKeyStore(client)
	default:
		keys = outbox.NewMemoryKeyStore()
	}
	return outbox.NewDeduplicator(dispatcher, keys, cfg.Dedupe.TTL, logger), closer, nil
}
