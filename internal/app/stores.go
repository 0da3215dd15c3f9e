// Package app wires the mirror's components together for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_mirror/internal/config"
	"github.com/austindbirch/harbor_mirror/internal/db"
	"github.com/austindbirch/harbor_mirror/internal/delivery"
	"github.com/austindbirch/harbor_mirror/internal/health"
	"github.com/austindbirch/harbor_mirror/internal/logging"
	"github.com/austindbirch/harbor_mirror/internal/mirror"
	"github.com/austindbirch/harbor_mirror/internal/ratelimit"
	"github.com/austindbirch/harbor_mirror/internal/store/memory"
	"github.com/austindbirch/harbor_mirror/internal/store/postgres"
	"github.com/austindbirch/harbor_mirror/internal/syncjob"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Stores bundles the persistence backends selected by the store driver.
type Stores struct {
	Ledger     delivery.Ledger
	Queue      delivery.Queue
	Settings   delivery.SettingsStore
	Mirror     mirror.Store
	Jobs       syncjob.Store
	States     syncjob.StateStore
	RateLimits ratelimit.Store

	pool  *pgxpool.Pool
	redis *redis.Client
}

// MemoryStores returns process-local stores; nothing survives a restart.
func MemoryStores() *Stores {
	return &Stores{
		Ledger:     memory.NewLedger(),
		Queue:      memory.NewQueue(),
		Settings:   memory.NewSettings(),
		Mirror:     memory.NewMirror(),
		Jobs:       memory.NewJobs(),
		States:     memory.NewSyncStates(),
		RateLimits: memory.NewRateLimits(),
	}
}

// PostgresStores builds every store on one pool.
func PostgresStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Ledger:     postgres.NewLedger(pool),
		Queue:      postgres.NewQueue(pool),
		Settings:   postgres.NewSettings(pool),
		Mirror:     postgres.NewMirror(pool),
		Jobs:       postgres.NewJobs(pool),
		States:     postgres.NewSyncStates(pool),
		RateLimits: postgres.NewRateLimits(pool),
		pool:       pool,
	}
}

// OpenStores connects the configured driver and, when REDIS_ADDR is set,
// moves rate limit snapshots to redis.
func OpenStores(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Stores, error) {
	var s *Stores
	switch cfg.Store {
	case DriverMemory:
		logger.Plain().Warn("using in-memory stores, state is lost on restart")
		s = MemoryStores()
	case DriverPostgres, "":
		pool, err := db.Connect(ctx, cfg.DSN(), 0)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		s = PostgresStores(pool)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.redis = client
		s.RateLimits = ratelimit.NewRedisStore(client, cfg.AppName+":ratelimit:")
		logger.Plain().WithField("addr", cfg.Redis.Addr).Info("rate limit snapshots stored in redis")
	}
	return s, nil
}

// DB returns the database pinger, or nil for the memory driver.
func (s *Stores) DB() health.Pinger {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

// Checks are the health probes for the optional backends.
func (s *Stores) Checks() []health.Check {
	if s.redis == nil {
		return nil
	}
	client := s.redis
	return []health.Check{{
		Name: "redis",
		Fn:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}}
}

func (s *Stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
