package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"devcall/internal/audit"
	"devcall/internal/config"
	"devcall/internal/presence"
	"devcall/internal/signaling"
	"devcall/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// backends are the storage-facing dependencies of the controller. Postgres
// and Redis are used when configured; otherwise everything lives in memory,
// which is only allowed in local.
type backends struct {
	db  *sql.DB
	rdb *redis.Client

	store     signaling.Store
	directory presence.Directory
	guard     signaling.CallGuard
	audit     audit.Repository
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.UseRedis() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return nil, err
		}
		b.rdb = rdb
		b.directory = presence.NewRedisDirectory(rdb)
		b.guard = signaling.NewRedisCallGuard(rdb, 1, cfg.Call.PendingTTL)
	} else {
		log.Warn("redis not configured, using in-memory presence and pending-call guard")
		b.directory = presence.NewMemoryDirectory()
		b.guard = signaling.NewMemoryCallGuard(1)
	}

	if cfg.UsePostgres() {
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.db = db
		if cfg.DB.AutoMigrate {
			schema := append(append([]string{}, signaling.PostgresSchema...), audit.PostgresSchema...)
			if err := utils.ApplySchema(ctx, db, schema...); err != nil {
				b.Close()
				return nil, err
			}
			log.Info("postgres schema applied")
		}
		var notifier signaling.Notifier
		if b.rdb != nil {
			notifier = signaling.NewRedisNotifier(b.rdb, log)
		} else {
			// Single-instance only: revisions are not shared across processes.
			log.Warn("redis not configured, call watchers only see writes from this instance")
			notifier = signaling.NewHub()
		}
		b.store = signaling.NewPostgresStore(db, notifier)
		b.audit = audit.NewPostgresRepo(db)
	} else {
		log.Warn("postgres not configured, using in-memory call store")
		b.store = signaling.NewMemoryStore()
		b.audit = audit.NewMemoryRepo()
	}
	return b, nil
}

// ready checks the configured backends.
func (b *backends) ready(ctx context.Context) error {
	var errs []error
	if b.db != nil {
		if err := utils.HealthCheck(ctx, b.db, 2*time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	if b.rdb != nil {
		if err := utils.PingRedis(ctx, b.rdb, 2*time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *backends) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}
