package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/port"
	"signalpipe/internal/application/service"
	"signalpipe/internal/domain/model"
	domainsvc "signalpipe/internal/domain/service"
	"signalpipe/internal/infrastructure/config"
	"signalpipe/internal/infrastructure/storage/postgres"
	redisrepo "signalpipe/internal/infrastructure/storage/redis"
	"signalpipe/internal/infrastructure/storage/sqlite"
	"signalpipe/internal/interfaces/httpapi"
)

// ServiceContext wires every component in dependency order and owns their
// lifecycles. It is the single entry point for application startup.
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	store       port.Store
	redisClient *redisclient.Client

	Admission *service.Admission
	Wal       *service.WalService
	Retry     *service.RetryService
	Processor *service.Processor
	Pipeline  *service.Pipeline
	Hub       *httpapi.Hub

	closerChain []func() error
}

func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents builds the graph bottom-up: storage, publishers,
// domain guards, then the application services. The retry service is
// constructed before the processor and bound afterwards because the two
// reference each other through the write-ahead log.
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initStorage(); err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	publisher, err := sc.initPublishers()
	if err != nil {
		return fmt.Errorf("publisher initialization failed: %w", err)
	}

	clock := domainsvc.SystemClock()
	cfg := sc.Config

	sc.Admission = service.NewAdmission(
		cfg.RateWindow(), cfg.Admission.RateMaxRequests,
		cfg.ReplayDrift(),
		cfg.IdempotencyTTL(),
		cfg.Admission.BreakerFailures, cfg.BreakerCooldown(),
		clock,
	)

	sc.Retry = service.NewRetryService(
		sc.store.Retry(), sc.store.Wal(), clock,
		cfg.Retry.MaxRetries, cfg.RetryInitialDelay(), cfg.Retry.Multiplier,
		cfg.RetryMaxDelay(), cfg.Retry.DrainLimit,
	)
	sc.Wal = service.NewWalService(sc.store.Wal(), sc.Retry, clock, cfg.WalStuckAfter(), cfg.WalRetention())
	sc.Processor = service.NewProcessor(
		sc.store.Trading(), sc.store.Strategies(), sc.Wal, publisher, clock, cfg.TxTimeout(),
	)
	sc.Retry.BindProcessor(sc.Processor)
	sc.Retry.BindAdmission(sc.Admission)

	sc.Pipeline = service.NewPipeline(sc.Admission, sc.Wal, sc.Processor, sc.Retry, clock)

	if err := sc.seedStrategies(); err != nil {
		return fmt.Errorf("strategy seeding failed: %w", err)
	}

	log.Info().Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) initStorage() error {
	switch sc.Config.Storage.Driver {
	case "sqlite":
		store, err := sqlite.New(sc.Config.Storage.SQLite.Path)
		if err != nil {
			return err
		}
		sc.store = store
		log.Info().Str("path", sc.Config.Storage.SQLite.Path).Msg("✓ SQLite store initialized")
	case "postgres":
		store, err := postgres.New(sc.Config.Storage.Postgres.DSN)
		if err != nil {
			return err
		}
		sc.store = store
		log.Info().Msg("✓ Postgres store initialized")
	default:
		return fmt.Errorf("unknown storage driver %q", sc.Config.Storage.Driver)
	}

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing store")
		return sc.store.Close()
	})
	return nil
}

// initPublishers assembles the event fan-out: the websocket hub when the live
// feed is enabled, plus the redis stream publisher when redis is configured.
func (sc *ServiceContext) initPublishers() (port.EventPublisher, error) {
	var publishers []port.EventPublisher

	if sc.Config.Feed.Enabled {
		sc.Hub = httpapi.NewHub()
		sc.closerChain = append(sc.closerChain, sc.Hub.Close)
		publishers = append(publishers, sc.Hub)
	}

	if sc.Config.Redis.Enabled {
		rdb := redisclient.NewClient(&redisclient.Options{
			Addr:     sc.Config.Redis.Addr,
			Password: sc.Config.Redis.Password,
			DB:       sc.Config.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}

		sc.redisClient = rdb
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing redis connection")
			return rdb.Close()
		})
		publishers = append(publishers,
			redisrepo.NewPublisher(rdb, sc.Config.Redis.EventStream, sc.Config.Redis.EventChannel))

		log.Info().
			Str("addr", sc.Config.Redis.Addr).
			Str("stream", sc.Config.Redis.EventStream).
			Msg("✓ Redis publisher initialized")
	}

	switch len(publishers) {
	case 0:
		return service.NoopPublisher{}, nil
	case 1:
		return publishers[0], nil
	default:
		return service.NewFanoutPublisher(publishers...), nil
	}
}

// seedStrategies upserts the configured symbols so signals for them resolve.
func (sc *ServiceContext) seedStrategies() error {
	for _, symbol := range sc.Config.Strategies.Symbols {
		err := sc.store.Strategies().Upsert(sc.Ctx, &model.Strategy{
			Symbol: symbol,
			Name:   symbol,
			Active: true,
		})
		if err != nil {
			return err
		}
	}
	if n := len(sc.Config.Strategies.Symbols); n > 0 {
		log.Info().Int("strategies", n).Msg("✓ Strategies seeded")
	}
	return nil
}

// Store exposes the repository bundle, mainly for startup recovery.
func (sc *ServiceContext) Store() port.Store { return sc.store }

// Close releases every resource in reverse initialization order.
func (sc *ServiceContext) Close() error {
	var firstErr error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
