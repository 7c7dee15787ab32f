package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/health"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/sqlitedb"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/migrations"
)

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// stores is the persistence layer for the configured driver.
type stores struct {
	tenants   tenant.Store
	billing   billing.Store
	overrides pricing.OverrideStore
	close     func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("postgres connected")
		return &stores{
			tenants:   tenant.NewPostgresStore(pool),
			billing:   billing.NewPostgresStore(pool),
			overrides: pricing.NewPostgresOverrideStore(pool),
			close:     pool.Close,
		}, nil

	case "sqlite":
		db, err := sqlitedb.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite opened", slog.String("path", cfg.SQLitePath))
		return &stores{
			tenants:   tenant.NewSQLiteStore(db),
			billing:   billing.NewSQLiteStore(db),
			overrides: pricing.NewSQLiteOverrideStore(db),
			close:     func() { _ = db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
}

// migrate applies the schema. SQLite is migrated on open.
func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver != "postgres" {
		db, err := sqlitedb.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		return db.Close()
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, migrations.Postgres); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// openRedis returns nil when no cache is configured. An unreachable cache
// is logged and kept; every consumer degrades to the store.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing without cache until it recovers", slog.Any("error", err))
	} else {
		logger.Info("redis connected")
	}
	return rdb
}

func redisPinger(rdb *redis.Client) health.Pinger {
	if rdb == nil {
		return nil
	}
	return health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
