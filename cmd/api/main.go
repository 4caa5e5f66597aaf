package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-bidding-engine/internal/api/rest"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/cache"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/config"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/database"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/events"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/repository"
	"github.com/davidleathers/auction-bidding-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-bidding-engine/internal/metrics"
	"github.com/davidleathers/auction-bidding-engine/internal/service/bidding"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

// closer is a shutdown step, run in reverse order of registration
type closer struct {
	name string
	fn   func(context.Context) error
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].fn(shutdownCtx); cerr != nil {
				logger.Warn("shutdown step failed", zap.String("step", closers[i].name), zap.Error(cerr))
			}
		}
	}()

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = cfg.Telemetry.ServiceName
	telCfg.ServiceVersion = cfg.Version
	telCfg.Environment = cfg.Environment
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.SamplingRate = cfg.Telemetry.SamplingRate
	telCfg.ExportTimeout = cfg.Telemetry.ExportTimeout

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	closers = append(closers, closer{"telemetry", provider.Shutdown})

	registry, err := metrics.NewRegistry(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics registry: %w", err)
	}

	var health []rest.HealthChecker

	var repos *repository.Repositories
	switch cfg.Bidding.Store {
	case config.BackendPostgres:
		pool, err := database.NewConnectionPool(ctx, &cfg.Database, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"postgres", func(context.Context) error { pool.Close(); return nil }})
		repos = repository.NewRepositories(pool.Pool())
		health = append(health, rest.NewPingChecker("postgres", pool.Ping))
		registry.ObservePool(pool.Metrics)
	default:
		logger.Warn("using in-memory auction store, state is lost on restart")
		repos = repository.NewMemoryRepositories()
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = cache.NewRedisClient(ctx, &cfg.Redis, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"redis", func(context.Context) error { return redisClient.Close() }})
		health = append(health, rest.NewPingChecker("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	var cors *rest.CORSMiddleware
	liveCfg := events.DefaultLiveConfig()
	if len(cfg.Security.AllowedOrigins) > 0 {
		corsCfg := rest.DefaultCORSConfig()
		corsCfg.AllowedOrigins = cfg.Security.AllowedOrigins
		cors = rest.NewCORSMiddleware(corsCfg)
		liveCfg.CheckOrigin = cors.CheckOrigin
	}

	hub := events.NewLiveHub(liveCfg, logger)
	sinks := []events.Sink{hub}
	if cfg.Events.StreamEnabled {
		sinks = append(sinks, events.NewRedisStreamSink(redisClient, cfg.Events.StreamName, cfg.Events.StreamMaxLen))
	}
	dispatcherCfg := events.DefaultDispatcherConfig()
	dispatcherCfg.BufferSize = cfg.Events.BufferSize
	dispatcherCfg.Workers = cfg.Events.Workers
	dispatcherCfg.SinkRetries = cfg.Events.SinkRetries
	dispatcher := events.NewAsyncDispatcher(dispatcherCfg, logger, sinks...)
	registry.ObserveDispatcher(dispatcher.Stats)
	// Drain the dispatcher before the hub so queued events reach live clients.
	closers = append(closers,
		closer{"live hub", func(context.Context) error { hub.Close(); return nil }},
		closer{"event dispatcher", dispatcher.Close},
	)

	engine, err := bidding.NewEngine(bidding.Dependencies{
		Store:       repos.Auctions,
		Ledger:      repos.Bids,
		Transactor:  repos.Transactor,
		Locker:      newLocker(cfg, redisClient, logger),
		RateLimiter: newRateLimiter(cfg, redisClient, logger),
		Publisher:   dispatcher,
		Metrics:     registry,
		Clock:       bidding.SystemClock{},
	}, bidding.Config{
		Currency:            cfg.Bidding.Currency,
		AntiSnipingWindow:   cfg.Bidding.AntiSnipingWindow,
		MaxRetries:          cfg.Bidding.MaxRetries,
		RetryBaseDelay:      cfg.Bidding.RetryBaseDelay,
		RetryMaxDelay:       cfg.Bidding.RetryMaxDelay,
		SettlementBatchSize: cfg.Bidding.SettlementBatchSize,
	}, logger)
	if err != nil {
		return err
	}

	lifecycleCtx, stopLifecycle := context.WithCancel(ctx)
	lifecycleDone := make(chan struct{})
	go func() {
		defer close(lifecycleDone)
		engine.RunLifecycle(lifecycleCtx, cfg.Bidding.SettlementInterval)
	}()
	closers = append(closers, closer{"lifecycle", func(ctx context.Context) error {
		stopLifecycle()
		select {
		case <-lifecycleDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		return err
	}

	routerCfg := rest.RouterConfig{
		Service: engine,
		Live:    hub,
		Auth:    rest.NewAuthMiddleware(rest.AuthConfig{JWTSecret: secret, Issuer: cfg.Security.JWTIssuer}),
		Metrics: rest.NewHTTPMetrics(newPrometheusRegistry(cfg.Version, cfg.Environment)),
		CORS:    cors,
		Health:  health,
		Logger:  logger,
	}
	if cfg.Security.ContractValidation {
		routerCfg.Contract, err = rest.NewContractValidator()
		if err != nil {
			return err
		}
	}

	server := rest.NewServer(cfg.Server, rest.NewRouter(routerCfg), logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	logger.Info("auction bidding engine started",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Bidding.Store),
		zap.String("lock", cfg.Bidding.Lock),
		zap.String("rate_limit", cfg.Bidding.RateLimit.Backend))

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// The server stops first so no request races the closers above.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serveErr
}

func newLocker(cfg *config.Config, client *redis.Client, logger *zap.Logger) bidding.Locker {
	switch cfg.Bidding.Lock {
	case config.BackendRedis:
		return cache.NewAuctionLock(client, cache.LockOptions{TTL: cfg.Bidding.LockTTL}, logger)
	case config.BackendNone:
		return bidding.NoopLocker{}
	default:
		return bidding.NewKeyedLocker()
	}
}

func newRateLimiter(cfg *config.Config, client *redis.Client, logger *zap.Logger) bidding.RateLimiter {
	rl := cfg.Bidding.RateLimit
	switch rl.Backend {
	case config.BackendRedis:
		limit := int(math.Ceil(rl.PerSecond * rl.Window.Seconds()))
		return cache.NewRedisRateLimiter(client, max(limit, 1), rl.Window, logger)
	case config.BackendNone:
		return bidding.NoopRateLimiter{}
	default:
		return bidding.NewLocalRateLimiter(rl.PerSecond, rl.Burst, bidding.SystemClock{})
	}
}

// jwtSecret returns the configured signing secret. Development runs without
// one get a random secret so tokens never survive a restart.
func jwtSecret(cfg *config.Config, logger *zap.Logger) ([]byte, error) {
	if cfg.Security.JWTSecret != "" {
		return []byte(cfg.Security.JWTSecret), nil
	}
	if cfg.Environment != "development" {
		return nil, errors.New("security.jwt_secret is required")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	logger.Warn("no jwt secret configured, using an ephemeral one")
	return secret, nil
}
