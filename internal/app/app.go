package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/memstore"
	"github.com/climb-ledger/internal/postgres"
	"github.com/climb-ledger/internal/redis"
	"github.com/climb-ledger/internal/service"
)

// App holds the store, caches and services shared by the server and the
// admin CLI
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     domain.Store
	Redis     *redis.Client
	Ledger    *service.LedgerService
	Catalog   *service.CatalogService
	Directory *service.DirectoryService
	Auth      *service.AuthService
	Standings *service.StandingsService

	closers []func()
}

// Options tunes what Open connects to
type Options struct {
	// Migrate applies the Postgres schema after connecting
	Migrate bool
	// SkipRedis leaves sessions and standings in process memory
	SkipRedis bool
}

// Open connects the configured store and builds the services. The
// standings service is registered as a notifier on every writer.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage, data is lost on exit")
		a.Store = memstore.New()
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		a.Store = repo
		logger.Info("connected to PostgreSQL")

		if opts.Migrate {
			if err := repo.RunMigrations(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("running migrations: %w", err)
			}
		}
	}

	var (
		sessions service.SessionStore = memstore.NewSessions()
		cache    service.StandingsCache
	)
	if cfg.Redis.Enabled && !opts.SkipRedis {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		client, err := redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Redis = client
		sessions = client.Sessions()
		cache = client.Standings()
		logger.Info("connected to Redis")
	}

	a.Ledger = service.NewLedgerService(a.Store, &cfg.Ledger, logger)
	a.Catalog = service.NewCatalogService(a.Store, &cfg.Ledger, logger)
	a.Directory = service.NewDirectoryService(a.Store, &cfg.Auth, logger)
	a.Standings = service.NewStandingsService(a.Store, cache, &cfg.Leaderboard, logger)

	auth, err := service.NewAuthService(a.Store, sessions, &cfg.Auth, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Auth = auth

	a.Ledger.AddNotifier(a.Standings)
	a.Catalog.AddNotifier(a.Standings)
	a.Directory.AddNotifier(a.Standings)

	return a, nil
}

// AddScoreNotifier registers n on every service that changes scores
func (a *App) AddScoreNotifier(n service.ScoreNotifier) {
	a.Ledger.AddNotifier(n)
	a.Catalog.AddNotifier(n)
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
