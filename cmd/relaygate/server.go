package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/config"
	"github.com/relaygate/relaygate/internal/agentpool"
	"github.com/relaygate/relaygate/internal/breaker"
	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/database"
	"github.com/relaygate/relaygate/internal/errrule"
	"github.com/relaygate/relaygate/internal/forwarder"
	"github.com/relaygate/relaygate/internal/guard"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/repository"
	"github.com/relaygate/relaygate/internal/responsehandler"
	"github.com/relaygate/relaygate/internal/router"
	"github.com/relaygate/relaygate/internal/seed"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/telemetry"

	"gorm.io/gorm"
)

// Server wires every collaborator named in the external-interfaces
// surface into two listeners: the proxy/admin HTTP server and a
// dedicated metrics server, so Prometheus scraping never shares a
// listener with proxy traffic.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	telemetry  *telemetry.Providers
	db         *gorm.DB

	rdb  *redis.Client
	pool *database.PoolManager
	repo *repository.Repository

	httpManager    *server.Manager
	metricsManager *server.Manager

	hotReload    *config.HotReloadManager
	seedWatcher  *config.FileWatcher
	errorRules   *errrule.Engine
	filters      *guard.FilterEngine
	sensitive    *guard.SensitiveWordMatcher
	prices       *pricing.Table
	healthCheck  *healthHandler
	metricsColl  *metrics.Collector

	wg sync.WaitGroup
}

// NewServer constructs a Server around an already-loaded config and an
// already-open database handle.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{cfg: cfg, configPath: configPath, logger: logger, telemetry: otelProviders, db: db}
}

// Start wires every collaborator and starts both listeners. It returns
// once both are accepting connections; shutdown is driven by
// WaitForShutdown.
func (s *Server) Start() error {
	s.rdb = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	if s.db != nil {
		poolCfg := database.PoolConfig{
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     database.DefaultPoolConfig().ConnMaxIdleTime,
			HealthCheckInterval: database.DefaultPoolConfig().HealthCheckInterval,
		}
		pool, err := database.NewPoolManager(s.db, poolCfg, s.logger)
		if err != nil {
			return fmt.Errorf("init database pool: %w", err)
		}
		s.pool = pool
		s.repo = repository.New(pool.DB(), s.logger)
	}

	s.metricsColl = metrics.NewCollector("relaygate", s.logger)
	s.errorRules = errrule.New(s.logger)
	s.filters = guard.NewFilterEngine(s.logger)
	s.sensitive = guard.NewSensitiveWordMatcher()
	s.prices = pricing.New()

	if err := s.loadSeeds(context.Background()); err != nil {
		s.logger.Warn("initial seed load failed, continuing with empty tables", zap.Error(err))
	}
	s.startErrorRuleSubscription()
	if err := s.startSeedWatcher(); err != nil {
		s.logger.Warn("seed file watcher failed to start", zap.Error(err))
	}
	if err := s.initHotReload(); err != nil {
		s.logger.Warn("config hot reload failed to start", zap.Error(err))
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("relaygate started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// loadSeeds reads providers/users/keys/error-rules/request-filters/
// sensitive-words/prices from the paths named in GatewayConfig and
// installs them into their runtime collaborators.
func (s *Server) loadSeeds(ctx context.Context) error {
	gw := s.cfg.Gateway

	if s.repo != nil {
		if providers, err := seed.LoadProviders(gw.ProvidersPath); err != nil {
			s.logger.Error("load providers", zap.Error(err))
		} else if providers != nil {
			if err := s.repo.SyncProviders(ctx, providers); err != nil {
				s.logger.Error("sync providers", zap.Error(err))
			}
		}
		if users, err := seed.LoadUsers(gw.UsersPath); err != nil {
			s.logger.Error("load users", zap.Error(err))
		} else if users != nil {
			if err := s.repo.SyncUsers(ctx, users); err != nil {
				s.logger.Error("sync users", zap.Error(err))
			}
		}
		if keys, raw, err := seed.LoadKeys(gw.KeysPath); err != nil {
			s.logger.Error("load keys", zap.Error(err))
		} else if keys != nil {
			if err := s.repo.SyncKeys(ctx, keys, raw); err != nil {
				s.logger.Error("sync keys", zap.Error(err))
			}
		}
	}

	if rules, err := seed.LoadErrorRules(gw.ErrorRulesPath); err != nil {
		s.logger.Error("load error rules", zap.Error(err))
	} else if err := s.errorRules.Load(rules); err != nil {
		s.logger.Error("install error rules", zap.Error(err))
	}

	if global, scoped, err := seed.LoadRequestFilters(gw.RequestFiltersPath); err != nil {
		s.logger.Error("load request filters", zap.Error(err))
	} else {
		if err := s.filters.LoadGlobal(global); err != nil {
			s.logger.Error("install global request filters", zap.Error(err))
		}
		if err := s.filters.LoadScoped(scoped); err != nil {
			s.logger.Error("install scoped request filters", zap.Error(err))
		}
	}

	if words, message, err := seed.LoadSensitiveWords(gw.SensitiveWordsPath); err != nil {
		s.logger.Error("load sensitive words", zap.Error(err))
	} else {
		s.sensitive.Load(words, message)
	}

	if prices, err := seed.LoadPrices(gw.PricesPath); err != nil {
		s.logger.Error("load prices", zap.Error(err))
	} else {
		s.prices.Load(prices)
	}

	return nil
}

// startErrorRuleSubscription listens for the config service's
// cch:cache:error_rules:updated broadcast and reloads from
// GatewayConfig.ErrorRulesPath, so every gateway instance sharing this
// Redis picks up a rule-file edit without a restart.
func (s *Server) startErrorRuleSubscription() {
	ctx := context.Background()
	s.errorRules.Subscribe(ctx, s.rdb, func() ([]errrule.Rule, error) {
		return seed.LoadErrorRules(s.cfg.Gateway.ErrorRulesPath)
	})
}

// startSeedWatcher watches every seed file for local edits (the common
// path for a single-instance deployment, or one without the Redis
// broadcast wired into whatever writes these files) and reloads the
// affected collaborator.
func (s *Server) startSeedWatcher() error {
	gw := s.cfg.Gateway
	paths := []string{gw.ProvidersPath, gw.UsersPath, gw.KeysPath, gw.ErrorRulesPath, gw.RequestFiltersPath, gw.SensitiveWordsPath, gw.PricesPath}
	watcher, err := config.NewFileWatcher(paths, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	watcher.OnChange(func(evt config.FileEvent) {
		ctx := context.Background()
		switch evt.Path {
		case gw.ProvidersPath:
			if providers, err := seed.LoadProviders(gw.ProvidersPath); err == nil && s.repo != nil {
				_ = s.repo.SyncProviders(ctx, providers)
			}
		case gw.UsersPath:
			if users, err := seed.LoadUsers(gw.UsersPath); err == nil && s.repo != nil {
				_ = s.repo.SyncUsers(ctx, users)
			}
		case gw.KeysPath:
			if keys, raw, err := seed.LoadKeys(gw.KeysPath); err == nil && s.repo != nil {
				_ = s.repo.SyncKeys(ctx, keys, raw)
			}
		case gw.ErrorRulesPath:
			if rules, err := seed.LoadErrorRules(gw.ErrorRulesPath); err == nil {
				_ = s.errorRules.Load(rules)
			}
		case gw.RequestFiltersPath:
			if global, scoped, err := seed.LoadRequestFilters(gw.RequestFiltersPath); err == nil {
				_ = s.filters.LoadGlobal(global)
				_ = s.filters.LoadScoped(scoped)
			}
		case gw.SensitiveWordsPath:
			if words, message, err := seed.LoadSensitiveWords(gw.SensitiveWordsPath); err == nil {
				s.sensitive.Load(words, message)
			}
		case gw.PricesPath:
			if prices, err := seed.LoadPrices(gw.PricesPath); err == nil {
				s.prices.Load(prices)
			}
		}
		s.logger.Info("reloaded seed file", zap.String("path", evt.Path))
	})
	s.seedWatcher = watcher
	return watcher.Start(context.Background())
}

// initHotReload watches the main config file for changes to the
// hot-reloadable GatewayConfig fields (probing, body truncation, write
// mode); restart-required fields like CORSAllowedOrigins or the seed
// paths themselves are logged but not applied live.
func (s *Server) initHotReload() error {
	opts := []config.HotReloadOption{config.WithHotReloadLogger(s.logger)}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}
	s.hotReload = config.NewHotReloadManager(s.cfg, opts...)
	s.hotReload.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.Bool("requires_restart", change.RequiresRestart))
	})
	s.hotReload.OnReload(func(_, newConfig *config.Config) {
		s.cfg = newConfig
	})
	return s.hotReload.Start(context.Background())
}

func (s *Server) startHTTPServer() error {
	providers := newCachedProviderSource(s.repo, mustCacheManager(s.cfg.Redis, s.logger), s.logger)

	pool := agentpool.New(s.logger)
	br := breaker.New(s.rdb, breaker.DefaultConfig(), s.logger)
	sel := selector.New(s.rdb, br, s.logger)
	warmer := ratelimitWarmer(s.repo)
	rateLimit := ratelimit.New(s.rdb, warmer, s.logger)

	fwd := &forwarder.Forwarder{Pool: pool, Breaker: br, Selector: sel, Providers: providers, Logger: s.logger}
	respHandler := responsehandler.New(rateLimit, s.repo, s.prices, s.logger)

	deps := &guard.Deps{
		Repo:      s.repo,
		MsgRepo:   s.repo,
		Providers: providers,
		RDB:       s.rdb,
		RateLimit: rateLimit,
		Selector:  sel,
		Filters:   s.filters,
		Sensitive: s.sensitive,
		Config:    s.cfg.Gateway,
		Logger:    s.logger,
	}

	rt := &router.Router{
		Chat:        guard.NewChatPipeline(),
		CountTokens: guard.NewCountTokensPipeline(),
		Deps:        deps,
		Forward:     fwd,
		Responses:   respHandler,
		ErrorRules:  s.errorRules,
		Providers:   providers,
		Finalizer:   s.repo,
		MaxBodySize: s.cfg.Gateway.BodyTruncationBytes,
		Logger:      s.logger,
	}

	mux := http.NewServeMux()
	rt.Mount(mux)

	s.healthCheck = newHealthHandler(s.logger)
	if s.pool != nil {
		s.healthCheck.registerCheck(&databaseHealthCheck{ping: s.pool.Ping})
	}
	s.healthCheck.registerCheck(&redisHealthCheck{ping: func(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }})

	mux.HandleFunc("/health", s.healthCheck.handleHealth)
	mux.HandleFunc("/healthz", s.healthCheck.handleHealth)
	mux.HandleFunc("/ready", s.healthCheck.handleReady)
	mux.HandleFunc("/readyz", s.healthCheck.handleReady)
	mux.HandleFunc("/version", s.healthCheck.handleVersion(Version, BuildTime, GitCommit))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), s.cfg.Server.IPRateLimitRPS, s.cfg.Server.IPRateLimitBurst),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsColl),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks on the HTTP manager's own signal handling, then
// runs Shutdown.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown closes every collaborator in dependency order: stop accepting
// new work, then close the connections that work depended on.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")
	ctx := context.Background()

	if s.seedWatcher != nil {
		_ = s.seedWatcher.Stop()
	}
	if s.hotReload != nil {
		_ = s.hotReload.Stop()
	}
	if s.httpManager != nil {
		_ = s.httpManager.Shutdown(ctx)
	}
	if s.metricsManager != nil {
		_ = s.metricsManager.Shutdown(ctx)
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.pool != nil {
		_ = s.pool.Close()
	}
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// ratelimitWarmer adapts a possibly-nil repository to ratelimit.Warmer so
// Start still works (with cold counters) when the database is
// unavailable at boot.
func ratelimitWarmer(repo *repository.Repository) ratelimit.Warmer {
	if repo == nil {
		return ratelimit.NoopWarmer{}
	}
	return repo
}

// mustCacheManager builds the Redis-backed response cache used to spare
// the database a repeated provider-list query under load; a construction
// failure degrades to no caching rather than failing startup, since the
// gateway already proved Redis reachable via s.rdb.Ping above.
func mustCacheManager(cfg config.RedisConfig, logger *zap.Logger) *cache.Manager {
	mgr, err := cache.NewManager(cache.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DefaultTTL:   providerCacheTTL,
	}, logger)
	if err != nil {
		logger.Warn("provider cache disabled", zap.Error(err))
		return nil
	}
	return mgr
}
