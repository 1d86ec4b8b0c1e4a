package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"credits-ledger/internal/account"
	"credits-ledger/internal/config"
	"credits-ledger/internal/credits"
	"credits-ledger/internal/directory"
	"credits-ledger/internal/events/mongodb"
	"credits-ledger/internal/events/rabbitmq"
	"credits-ledger/internal/persistence"
	"credits-ledger/internal/storage/postgres"
	"credits-ledger/internal/storage/redisstore"
)

// app wires the store, the recorders and both services together
type app struct {
	store     account.Store
	directory *directory.Service
	engine    *credits.Engine
	journal   *persistence.FileJournal
	auditor   *persistence.Auditor

	// closers run in reverse order on Close
	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = store

	journal, err := persistence.NewFileJournal(filepath.Join(cfg.DataDir, "journal"))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.journal = journal
	a.closers = append(a.closers, func(context.Context) error { return journal.Close() })

	recorders := credits.MultiRecorder{journal}
	recorders = append(recorders, a.openSinks(ctx, cfg)...)

	a.directory = directory.NewService(store, &directory.Config{MaxAttempts: cfg.Engine.MaxAttempts})
	a.engine = credits.NewEngine(store, recorders, &cfg.Engine)
	a.auditor = persistence.NewAuditor(store, journal)
	return a, nil
}

// openStore builds the configured backend. The memory backend is loaded
// from and written back to a snapshot file while holding the data
// directory lock.
func (a *app) openStore(ctx context.Context, cfg *config.Config) (account.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		log.Info().Msg("connected to postgres")
		return postgres.NewAccountStore(pool), nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("unable to connect to redis: %w", err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return redisstore.NewAccountStore(client, ""), nil

	default:
		// One process at a time owns the snapshot; a second one waits
		// for the first to write it back.
		lockCtx, cancel := context.WithTimeout(ctx, cfg.DataDirWait)
		lock, err := persistence.LockDir(lockCtx, cfg.DataDir)
		cancel()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return lock.Release() })

		snapshots, err := persistence.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "snapshots"))
		if err != nil {
			return nil, err
		}
		store := account.NewMemoryStore()
		snapshot, ok, err := snapshots.Load(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := store.Restore(snapshot); err != nil {
				return nil, fmt.Errorf("failed to restore snapshot: %w", err)
			}
		}
		a.closers = append(a.closers, func(ctx context.Context) error {
			return snapshots.Save(ctx, store.Snapshot())
		})
		return store, nil
	}
}

// openSinks connects the optional event sinks. A sink that cannot be
// reached is skipped; the journal still records every event.
func (a *app) openSinks(ctx context.Context, cfg *config.Config) []credits.Recorder {
	var sinks []credits.Recorder

	if cfg.RabbitMQURL != "" {
		publisher, err := a.openRabbitMQ(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq unavailable, events will not be published")
		} else {
			sinks = append(sinks, publisher)
		}
	}

	if cfg.MongoURI != "" {
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			log.Warn().Err(err).Msg("mongodb unavailable, audit log disabled")
		} else {
			a.closers = append(a.closers, func(ctx context.Context) error { return client.Disconnect(ctx) })
			repo := mongodb.NewAuditRepository(client, cfg.MongoDatabase)
			if err := repo.EnsureIndexes(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to ensure audit indexes")
			}
			sinks = append(sinks, repo)
		}
	}

	return sinks
}

func (a *app) openRabbitMQ(cfg *config.Config) (*rabbitmq.Publisher, error) {
	conn, err := amqp.DialConfig(cfg.RabbitMQURL, amqp.Config{
		Properties: amqp.Table{"connection_name": "credits-cli"},
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return ch.Close() })

	if err := rabbitmq.DeclareExchange(ch, cfg.RabbitMQExchange); err != nil {
		return nil, err
	}
	return rabbitmq.NewPublisher(ch, cfg.RabbitMQExchange), nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
