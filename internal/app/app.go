// Package app assembles the backends selected by configuration. Both the API
// server and the worker start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"examgate/internal/config"
	"examgate/internal/exam"
	"examgate/internal/handler"
	"examgate/internal/metrics"
	"examgate/internal/notify"
	"examgate/internal/queue"
	"examgate/internal/store"
)

// Backends holds the session store, journal, transition queue and change
// notifier chosen by config.App.
type Backends struct {
	Repo     exam.Repository
	Journal  exam.Journal
	Queue    queue.Queue
	Notifier notify.Notifier
	Health   map[string]handler.HealthCheck

	closers []func() error
}

// Open connects every configured backend. The journal follows the store:
// postgres and redis journal next to their sessions, the process-local
// stores journal in memory.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backends, error) {
	if cfg.QueueBackend == "redis" && !cfg.SharedState() {
		return nil, fmt.Errorf("queue redis with store %q: a separate worker could not see this process's sessions", cfg.StoreBackend)
	}
	b := &Backends{Health: make(map[string]handler.HealthCheck)}

	var rdb *store.Redis
	if cfg.UsesRedis() {
		rdb = store.NewRedis(cfg.RedisAddr)
		b.closers = append(b.closers, rdb.Close)
		b.Health["redis"] = rdb.Healthy
		if !rdb.Healthy(ctx) {
			log.Warn("redis not reachable", zap.String("addr", cfg.RedisAddr))
		}
	}

	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		b.Repo = store.NewPostgresSessions(db.Client)
		b.Journal = store.NewPostgresJournal(db.Client)
		b.Health["db"] = db.Healthy
	case "redis":
		b.Repo = store.NewRedisSessions(rdb.Client, "")
		b.Journal = store.NewRedisJournal(rdb.Client, "")
	case "badger":
		bdb, err := store.OpenBadger(cfg.BadgerDir)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open badger %q: %w", cfg.BadgerDir, err)
		}
		b.closers = append(b.closers, bdb.Close)
		b.Repo = store.NewBadgerSessions(bdb)
	default:
		b.Repo = store.NewMemorySessions()
	}
	if b.Journal == nil {
		b.Journal = store.NewMemoryJournal()
	}

	if cfg.QueueBackend == "redis" {
		b.Queue = queue.NewRedisQueue(rdb.Client, "")
	} else {
		b.Queue = queue.NewInMemory(256)
	}
	if cfg.NotifyBackend == "redis" {
		b.Notifier = notify.NewRedisNotifier(rdb.Client, "")
	} else {
		b.Notifier = notify.NewHub()
	}

	log.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend),
		zap.String("notify", cfg.NotifyBackend))
	return b, nil
}

// Service builds the exam service on top of the backends.
func (b *Backends) Service(cfg config.App, log *zap.Logger, m *metrics.Collector) *exam.Service {
	return exam.NewService(exam.Options{
		Repo:         b.Repo,
		Notifier:     b.Notifier,
		Queue:        b.Queue,
		Log:          log,
		Metrics:      m,
		MaxRetries:   cfg.MaxRetries,
		PollInterval: cfg.PollInterval,
	})
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// RunSweeper resumes overdue breaks every interval until ctx is done.
func RunSweeper(ctx context.Context, svc *exam.Service, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ResumeExpiredBreaks(ctx)
			if err != nil {
				log.Warn("break sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("resumed expired breaks", zap.Int("count", n))
			}
		}
	}
}
