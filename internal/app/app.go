// Package app assembles the engine and its adapters from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/olyamironova/trade-execution/internal/adapter/cache"
	"github.com/olyamironova/trade-execution/internal/adapter/events"
	"github.com/olyamironova/trade-execution/internal/adapter/in_memory"
	"github.com/olyamironova/trade-execution/internal/adapter/pebble"
	"github.com/olyamironova/trade-execution/internal/adapter/pg"
	httpapi "github.com/olyamironova/trade-execution/internal/api/http"
	"github.com/olyamironova/trade-execution/internal/config"
	"github.com/olyamironova/trade-execution/internal/core"
	"github.com/olyamironova/trade-execution/internal/port"
	"go.uber.org/zap"
)

type App struct {
	Repo   port.Repository
	Engine *core.Engine
	Hub    *httpapi.FillHub

	closers []func()
}

// OpenRepository connects the configured storage driver.
func OpenRepository(ctx context.Context, cfg config.Store, log *zap.Logger) (port.Repository, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		return in_memory.NewMemoryRepo(), nil
	case config.StoragePostgres:
		repo, err := pg.NewPgRepo(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				repo.Close(ctx)
				return nil, err
			}
			log.Info("schema migrated")
		}
		return repo, nil
	case config.StoragePebble:
		store, err := pebble.Open(cfg.PebblePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Driver)
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	repo, err := OpenRepository(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}
	a := &App{Repo: repo, Hub: httpapi.NewFillHub()}
	a.closers = append(a.closers, func() { repo.Close(context.Background()) })

	var (
		obCache port.Cache
		idem    port.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		obCache = cache.NewRedisCache(client, cfg.Redis.CacheTTL)
		idem = cache.NewRedisIdempotency(client, cfg.Redis.IdempotencyTTL)
	} else {
		obCache = in_memory.NewCache()
		idem = in_memory.NewIdempotencyStore(cfg.Redis.IdempotencyTTL)
	}

	publishers := events.Fanout{a.Hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.FillsTopic)
		a.closers = append(a.closers, func() {
			if err := kp.Close(); err != nil {
				log.Warn("close kafka writer", zap.Error(err))
			}
		})
		publishers = append(publishers, kp)
	}

	a.Engine = core.NewEngine(repo, obCache, idem, publishers, log,
		core.WithMaxPasses(cfg.Matching.MaxPasses),
		core.WithTxRetries(cfg.Matching.TxMaxRetries, core.DefaultRetryBackoff),
	)
	log.Info("engine ready",
		zap.String("storage", string(cfg.Store.Driver)),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers))
	return a, nil
}

// Close releases adapters in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
