package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/resource"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/hipaa"
	"github.com/ehr/ehrsync/internal/platform/realtime"
	"github.com/ehr/ehrsync/internal/provider"
	"github.com/ehr/ehrsync/internal/provider/epic"
)

// app holds everything the serve, worker and stage commands share.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	redisOpt asynq.RedisConnOpt

	queue     *syncjob.AsynqQueue
	jobs      *syncjob.Service
	resources *resource.Service
	conns     *connection.Service
	registry  *provider.Registry

	closers []func()
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")

	rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.redis = rdb
	a.closers = append(a.closers, func() { rdb.Close() })

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("parse redis url for queue: %w", err)
	}
	a.redisOpt = redisOpt

	var (
		cooldown cache.CooldownStore
		states   cache.StateStore
	)
	switch cfg.CacheBackend {
	case "memory":
		mc, ms := cache.NewMemoryCooldownStore(), cache.NewMemoryStateStore()
		a.closers = append(a.closers, mc.Stop, ms.Stop)
		cooldown, states = mc, ms
		logger.Warn().Msg("CACHE_BACKEND=memory: cooldown markers and OAuth state are local to this process")
	default:
		cooldown, states = cache.NewRedisCooldownStore(rdb), cache.NewRedisStateStore(rdb)
	}

	vault, err := hipaa.NewTokenVault(cfg.TokenEncryptionKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	bus := realtime.NewRedisBus(rdb)

	// Resource tiers
	rawRepo := resource.NewRawRepo(pool)
	normalizedRepo := resource.NewNormalizedRepo(pool)
	cleanRepo := resource.NewCleanRepo(pool)
	a.resources = resource.NewService(cleanRepo, logger)
	pipeline := resource.NewPipeline(rawRepo, normalizedRepo, db.NewTxRunner(pool), logger)
	cleaner := resource.NewCleaner(normalizedRepo, cleanRepo, a.resources, logger)

	// Sync jobs
	a.registry = provider.NewRegistry()
	a.queue = syncjob.NewAsynqQueue(redisOpt, cfg.SyncMaxAttempts, logger)
	a.closers = append(a.closers, func() { a.queue.Close() })
	jobRepo := syncjob.NewRepo(pool)
	resolver := syncjob.NewResolver(a.queue, cooldown, jobRepo, cfg.SyncCooldown, cfg.SyncStaleAfter, logger)
	a.jobs = syncjob.NewService(jobRepo, a.queue, resolver, a.registry, cooldown, bus, cfg.SyncCooldown, logger)

	// Connections
	a.conns = connection.NewService(connection.NewRepo(pool), vault, a.jobs, logger)

	// Providers
	epicProvider, err := epic.New(epic.Config{
		ClientID:              cfg.EpicClientID,
		AuthURL:               cfg.EpicAuthURL,
		TokenURL:              cfg.EpicTokenURL,
		FHIRBase:              cfg.EpicFHIRBase,
		Scope:                 cfg.EpicScope,
		RedirectURL:           cfg.EpicRedirectURL,
		ObservationCategories: cfg.EpicObservationCategories,
		FetchTimeout:          cfg.FetchTimeout,
		MaxPages:              cfg.FetchMaxPages,
		MaxBodyBytes:          cfg.FetchMaxBodyBytes,
	}, states, a.conns, pipeline, cleaner, bus, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configure epic provider: %w", err)
	}
	a.registry.Register(epic.Name, epicProvider)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
