package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"creditcore/internal/config"
	"creditcore/internal/credit"
	"creditcore/internal/eventstore"
	"creditcore/internal/idempotency"
	"creditcore/internal/idgen"
	"creditcore/internal/ledger"
	"creditcore/internal/membership"
)

// sweepInterval is how often expired in-memory idempotency keys are dropped.
const sweepInterval = time.Minute

// app holds the wired services and the resources they own.
type app struct {
	// base is the undecorated ledger; store wraps it with timeouts, the
	// breaker and read retries.
	base    ledger.Store
	store   ledger.Store
	journal eventstore.Journal
	credit  credit.Service
	members membership.Service
	closers []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openDB connects to Postgres and verifies the connection.
func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// buildApp wires the engine from cfg. wrap, when non-nil, decorates the base
// ledger before the resilience layer is applied.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger, wrap func(ledger.Store) ledger.Store) (*app, error) {
	a := &app{}

	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.base = ledger.NewPostgresStore(db)
		a.journal = eventstore.NewEventStore(db)
		logger.Info("using postgres ledger")
	} else {
		a.base = ledger.NewMemoryStore()
		a.journal = eventstore.NewMemoryJournal()
		logger.Warn("CREDIT_DATABASE_URL not set, using in-memory ledger")
	}

	var idem idempotency.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		idem = idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
		logger.Info("using redis idempotency store", zap.String("addr", cfg.RedisAddr))
	} else {
		mem := idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		a.closers = append(a.closers, mem.StartSweeper(sweepInterval))
		idem = mem
	}

	fraudCfg, err := cfg.Fraud()
	if err != nil {
		a.Close()
		return nil, err
	}

	inner := a.base
	if wrap != nil {
		inner = wrap(inner)
	}
	a.store = ledger.NewResilientStore(inner, cfg.Resilience(), logger.Named("ledger"))

	a.credit, err = credit.NewService(credit.Dependencies{
		Store:       a.store,
		Screen:      fraudCfg.Screen(),
		IDs:         idgen.NewRandom(cfg.TransactionPrefix),
		Journal:     a.journal,
		Idempotency: idem,
		Logger:      logger.Named("credit"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.members = membership.NewService(a.store, a.journal, logger.Named("membership"))
	return a, nil
}
