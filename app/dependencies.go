// Package app wires the data plane's components together.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/config"
	"github.com/upb/gateway-dataplane/handlers"
	"github.com/upb/gateway-dataplane/metrics"
	"github.com/upb/gateway-dataplane/middleware"
	"github.com/upb/gateway-dataplane/repositories"
	"github.com/upb/gateway-dataplane/repositories/memory"
	"github.com/upb/gateway-dataplane/repositories/postgres"
	"github.com/upb/gateway-dataplane/services/exchange"
	"github.com/upb/gateway-dataplane/services/policy"
	"github.com/upb/gateway-dataplane/services/quota"
	"github.com/upb/gateway-dataplane/services/ratelimit"
	"github.com/upb/gateway-dataplane/services/subscription"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Collector

	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	Redis       redis.UniversalClient
	Catalog     *memory.Catalog

	// Repositories
	Repos *repositories.Repositories

	// Services
	Policies      *policy.Resolver
	Subscriptions *subscription.Resolver
	Ledger        *quota.Ledger
	RateLimiter   *ratelimit.RateLimitService
	Engine        *exchange.Engine

	// HTTP
	AuthMiddleware       *middleware.AuthMiddleware
	CredentialMiddleware *middleware.CredentialMiddleware
	ExchangeHandler      *handlers.ExchangeHandler
	AdminHandler         *handlers.AdminHandler
	HealthHandler        *handlers.HealthHandler

	stopWorkers context.CancelFunc
	stopCh      chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = metrics.New()
	}

	if cfg.UsesDatabase() {
		if err := deps.initDatabase(ctx, cfg); err != nil {
			deps.closeInfra()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	if err := deps.initCatalog(cfg); err != nil {
		deps.closeInfra()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	store, err := deps.initLedgerStore(ctx, cfg)
	if err != nil {
		deps.closeInfra()
		return nil, fmt.Errorf("failed to initialize ledger store: %w", err)
	}

	if err := deps.initServices(cfg, store); err != nil {
		deps.closeInfra()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initHTTP(cfg)
	deps.bindCatalogChanges()
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("catalog", cfg.Gateway.CatalogSource),
		zap.String("ledger", cfg.Gateway.LedgerBackend))
	return deps, nil
}

// initDatabase initializes the PostgreSQL connection and schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// initCatalog selects where API specs and subscriptions are read from
func (d *Dependencies) initCatalog(cfg *config.Config) error {
	switch cfg.Gateway.CatalogSource {
	case config.BackendPostgres:
		d.Repos = d.RepoFactory.NewRepositories()
	default:
		catalog, err := memory.NewCatalog(cfg.Gateway.CatalogPath, d.Logger)
		if err != nil {
			return err
		}
		d.Catalog = catalog
		d.Repos = catalog.Repositories()
	}
	d.Logger.Info("catalog initialized", zap.String("source", cfg.Gateway.CatalogSource))
	return nil
}

// initLedgerStore selects the consumption store
func (d *Dependencies) initLedgerStore(ctx context.Context, cfg *config.Config) (quota.Store, error) {
	switch cfg.Gateway.LedgerBackend {
	case config.BackendRedis:
		d.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := quota.NewRedisStore(d.Redis, cfg.Redis.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		return d.RepoFactory.NewConsumptionStore(), nil
	default:
		d.Logger.Warn("using in-memory ledger, consumption is lost on restart and not shared between replicas")
		return quota.NewMemoryStore(), nil
	}
}

// initServices builds the resolvers, the ledger and the exchange engine
func (d *Dependencies) initServices(cfg *config.Config, store quota.Store) error {
	cache := policy.NewPlanCache(cfg.Gateway.PlanCacheSize, cfg.Gateway.PlanCacheTTL)
	policies, err := policy.NewResolver(d.Repos.APISpecs, cache, nil,
		policy.ResolverOptions{StrictOrder: cfg.Gateway.StrictOrder}, d.Logger)
	if err != nil {
		return err
	}
	d.Policies = policies
	d.Metrics.RegisterCacheStats("plans", func() (uint64, uint64, int) {
		s := policies.GetCacheStats()
		return s.Hits, s.Misses, s.Size
	})

	d.Subscriptions = subscription.NewResolver(d.Repos.Subscriptions, d.Repos.Products, subscription.Options{
		CacheSize: cfg.Gateway.SubscriptionCacheSize,
		CacheTTL:  cfg.Gateway.SubscriptionCacheTTL,
	}, d.Logger)

	d.Ledger = quota.NewLedger(store, d.Subscriptions, d.Logger)
	d.RateLimiter = ratelimit.NewRateLimitService(d.Logger)

	backend := exchange.NewHTTPBackend(exchange.BackendConfig{
		DefaultURL: cfg.Gateway.DefaultBackendURL,
		Timeout:    cfg.Gateway.BackendTimeout,
	})
	d.Engine = exchange.NewEngine(d.Policies, d.Subscriptions, backend, nil, exchange.Deps{
		Ledger:      d.Ledger,
		RateLimiter: d.RateLimiter,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	}, d.Logger)
	return nil
}

// initHTTP builds middleware and handlers
func (d *Dependencies) initHTTP(cfg *config.Config) {
	var validator middleware.TokenValidator
	if cfg.Server.AdminTokenSecret != "" {
		validator = middleware.NewHMACValidator(cfg.Server.AdminTokenSecret)
	} else {
		d.Logger.Warn("admin token secret not configured, admin routes are unauthenticated")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.CredentialMiddleware = middleware.NewCredentialMiddleware(d.Logger)

	d.ExchangeHandler = handlers.NewExchangeHandler(d.Engine, cfg.Gateway.MaxBodyBytes, d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.Ledger, d.Policies, d.Engine, d.Subscriptions, d.Logger)

	checks := map[string]handlers.HealthCheck{}
	if d.DB != nil {
		checks["database"] = handlers.DatabaseCheck(d.DB.DB)
	}
	if d.Redis != nil {
		checks["redis"] = handlers.RedisCheck(d.Redis)
	}
	d.HealthHandler = handlers.NewHealthHandler(d.Logger, checks)
}

// bindCatalogChanges drops cached state derived from entities that changed
// in a catalog reload.
func (d *Dependencies) bindCatalogChanges() {
	if d.Catalog == nil {
		return
	}
	d.Catalog.OnReload(d.Metrics.CatalogReloaded)
	d.Catalog.OnChange(func(change memory.Change) {
		for _, id := range change.APISpecIDs {
			d.Policies.Invalidate(id)
			d.Engine.Forget(id)
		}
		for _, id := range change.SubscriptionIDs {
			d.Subscriptions.Invalidate(id)
		}
		// Products are cached by id and not tracked per change.
		if len(change.APISpecIDs) > 0 {
			d.Subscriptions.InvalidateAll()
		}
		d.Metrics.PlanInvalidated(len(change.APISpecIDs))
	})
}

// startWorkers launches background maintenance
func (d *Dependencies) startWorkers(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel

	if cfg.Gateway.PlanCacheTTL > 0 && cfg.Gateway.PlanCacheCleanup > 0 {
		go d.Policies.StartCacheCleanup(cfg.Gateway.PlanCacheCleanup, d.stopCh)
	}
	if cfg.Gateway.RateLimitCleanupInterval > 0 {
		go d.RateLimiter.StartCleanupWorker(ctx, cfg.Gateway.RateLimitCleanupInterval, cfg.Gateway.RateLimitIdleRetention)
	}
	if d.Catalog != nil && cfg.Gateway.CatalogWatch {
		if err := d.Catalog.WatchFile(); err != nil {
			d.Logger.Error("catalog hot reload disabled", zap.Error(err))
		}
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.stopWorkers != nil {
		d.stopWorkers()
	}
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}

	errs := d.closeInfra()

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

func (d *Dependencies) closeInfra() []error {
	var errs []error
	if d.Catalog != nil {
		d.Catalog.Stop()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errs
}
