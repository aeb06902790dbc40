package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/licensehook/pkg/billing"
	"github.com/mihaimyh/licensehook/pkg/config"
	"github.com/mihaimyh/licensehook/storage/firestore"
	"github.com/mihaimyh/licensehook/storage/memory"
	"github.com/mihaimyh/licensehook/storage/postgres"
	"github.com/mihaimyh/licensehook/storage/redis"
	"github.com/mihaimyh/licensehook/storage/tiered"
)

// pinger is implemented by repositories that can report connectivity
type pinger interface {
	Ping(ctx context.Context) error
}

// store is an opened repository with its health check and cleanup
type store struct {
	repo    billing.Repository
	checks  []pinger
	closers []func()
}

func (s *store) Ping(ctx context.Context) error {
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStore connects the repository selected by cfg.StorageDriver
func openStore(ctx context.Context, cfg *config.Config, logger billing.Logger) (*store, error) {
	s := &store{}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		s.repo = memory.New()

	case config.DriverPostgres:
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.add(pg, pg.Close)
		s.repo = pg

	case config.DriverRedis:
		rd, closeFn, err := openRedis(cfg)
		if err != nil {
			return nil, err
		}
		s.add(rd, closeFn)
		s.repo = rd

	case config.DriverFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.repo = fs

	case config.DriverTiered:
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.add(pg, pg.Close)

		rd, closeFn, err := openRedis(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.add(rd, closeFn)

		tr, err := tiered.New(tiered.Config{
			Hot:          rd,
			Cold:         pg,
			AsyncHotSync: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("Hot store write failed", billing.Err(err))
			},
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = tr.Close() })
		s.repo = tr

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	return s, nil
}

func (s *store) add(check pinger, closeFn func()) {
	s.checks = append(s.checks, check)
	s.closers = append(s.closers, closeFn)
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Repository, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	return postgres.New(ctx, pgConfig)
}

func openRedis(cfg *config.Config) (*redis.Repository, func(), error) {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	repo, err := redis.New(client, redis.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return repo, func() { _ = repo.Close() }, nil
}
