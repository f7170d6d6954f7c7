package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/config"
	"github.com/triage-ai/bastion/internal/engine"
	"github.com/triage-ai/bastion/internal/engine/detectors"
	"github.com/triage-ai/bastion/internal/limiter"
	"github.com/triage-ai/bastion/internal/notify"
	"github.com/triage-ai/bastion/internal/queue"
	"github.com/triage-ai/bastion/internal/storage"
	"github.com/triage-ai/bastion/internal/store"
	"github.com/triage-ai/bastion/internal/validator"
)

// stack is the process-wide pipeline. Everything in it is shared by
// reference between request goroutines.
type stack struct {
	store     store.StateStore
	sink      storage.EventSink
	analytics *storage.ClickHouseSink // nil without ClickHouse
	detectors []engine.Detector
	tracker   *limiter.Tracker
	queue     *queue.Queue[validator.Task]
	validator *validator.Service
	logger    *zap.Logger
}

// buildStack wires the pipeline from configuration. Configuration
// errors, including an inconsistent action table, are returned before
// anything starts.
func buildStack(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stack, error) {
	table, err := cfg.ActionTable()
	if err != nil {
		return nil, err
	}
	actions, err := engine.NewActionEngine(table, cfg.Actions.Overrides)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	s := &stack{store: st, logger: logger}

	s.detectors, err = detectors.Build(cfg.Detection.Config, logger)
	if err != nil {
		s.close()
		return nil, err
	}

	s.tracker, err = limiter.NewTracker(cfg.Limiter, st, logger)
	if err != nil {
		s.close()
		return nil, err
	}

	s.sink = storage.NewLogSink(logger)
	if dsn := cfg.Analytics.ClickHouseDSN; dsn != "" {
		ch, err := openClickHouse(ctx, dsn, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink", zap.Error(err))
		} else {
			s.sink = ch
			s.analytics = ch
			logger.Info("clickhouse sink connected")
		}
	} else {
		logger.Info("no clickhouse dsn set, using log sink")
	}

	var notifier notify.Sink = notify.NewLogSink(logger)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.Timeout)
	}

	proc := validator.NewTaskProcessor(st, s.sink, notifier, s.tracker, logger)
	s.queue, err = queue.New[validator.Task](cfg.Queue, proc, logger)
	if err != nil {
		s.close()
		return nil, err
	}

	var policy *engine.PolicyConfig
	if len(cfg.Detection.Policy.Detectors) > 0 {
		p := cfg.Detection.Policy
		policy = &p
	}

	dispatcher := engine.NewDispatcher(s.detectors, cfg.Detection.Timeout, logger)
	s.validator = validator.New(dispatcher, actions, s.tracker, s.queue, validator.Config{
		AuditAll:      cfg.Actions.AuditAll,
		NotifyChannel: cfg.Notify.Channel,
		Aggregator:    engine.AggregatorConfig{MaxRecommendations: cfg.Detection.MaxRecommendations},
		Policy:        policy,
	}, logger)

	logger.Info("pipeline ready",
		zap.Strings("detectors", dispatcher.DetectorNames()),
		zap.Duration("detector_timeout", cfg.Detection.Timeout),
		zap.String("store", cfg.Store.Driver),
		zap.Int("queue_capacity", cfg.Queue.Capacity),
	)
	return s, nil
}

// close drains the queue and then releases every resource, in that order.
func (s *stack) close() {
	if s.queue != nil {
		s.queue.Close()
		if n := s.queue.Dropped(); n > 0 {
			s.logger.Warn("tasks dropped during run", zap.Uint64("dropped", n))
		}
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
	if err := detectors.CloseAll(s.detectors); err != nil {
		s.logger.Warn("detector close failed", zap.Error(err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.StateStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(pingCtx); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("postgres connected")
		return pg, nil

	case config.DriverRedis:
		rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("redis connected", zap.String("prefix", cfg.RedisPrefix))
		return store.NewRedisStore(rdb, cfg.RedisPrefix), nil

	case config.DriverMemory:
		logger.Info("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return nil, errors.New("unknown store driver " + cfg.Driver)
}

func openClickHouse(ctx context.Context, dsn string, logger *zap.Logger) (*storage.ClickHouseSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ch, err := storage.NewClickHouseSink(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := ch.Migrate(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
