// Package main - точка входа HTTP API сервиса прогресса и энергии.
//
// Сервис хранит экономику ребёнка (энергия, монеты, гемы), записи мастерства
// по урокам и каталог игровых правил. Архитектура:
// - Domain: чистые правила экономики и прогресса
// - Application: команды и запросы (CQRS), обработчики событий
// - Infrastructure: PostgreSQL или in-memory хранилище, Redis-кэши, шина событий
// - Interface: REST API
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	// Application layer
	"github.com/lingokids/progression-hub/internal/application/command"
	"github.com/lingokids/progression-hub/internal/application/eventhandler"
	"github.com/lingokids/progression-hub/internal/application/query"

	// Domain layer
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"

	// Infrastructure layer
	"github.com/lingokids/progression-hub/internal/infrastructure/messaging"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/memory"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/postgres"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/redis"

	// Interface layer
	httpserver "github.com/lingokids/progression-hub/internal/interface/http"
	"github.com/lingokids/progression-hub/internal/interface/http/handlers"

	// Packages
	"github.com/lingokids/progression-hub/config"
	"github.com/lingokids/progression-hub/pkg/circuitbreaker"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/retry"
	"github.com/lingokids/progression-hub/pkg/timeutil"
	"github.com/lingokids/progression-hub/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// eventBus - общий интерфейс in-memory и Redis шины.
type eventBus interface {
	shared.EventBus
	Close() error
	Metrics() *messaging.EventMetrics
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. ЛОГИРОВАНИЕ И ТРАССИРОВКА
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.IsDevelopment(),
	}).With(logger.String("service", cfg.App.Name))
	slogger := setupSlog(cfg)

	log.Info("starting progression hub",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Location.String()),
		logger.String("storage", string(cfg.Storage.Backend)),
		logger.Bool("redis", !cfg.Redis.Disabled),
	)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.App.Name,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Endpoint:    cfg.Observability.TracingEndpoint,
		SampleRatio: cfg.Observability.TracingSampleRatio,
	})
	if err != nil {
		log.Warn("tracing disabled", logger.Err(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	policy := cfg.Policy()
	clock := timeutil.SystemClock{}
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	metrics := map[string]httpserver.MetricsSource{}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ
	// ─────────────────────────────────────────────────────────────────────────
	var store progression.Store

	switch cfg.Storage.Backend {
	case config.StorageMemory:
		mem := memory.NewStore()
		store = mem
		health.AddCheck("store", handlers.NewPingCheck(mem))
		metrics["store"] = func() any { return mem.Stats() }
		log.Warn("using in-memory storage, data is lost on restart")

	default:
		conn, err := connectPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database connection")
			conn.Close()
		}()

		if cfg.Database.AutoMigrate {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("migrations applied", logger.Int("count", applied))
		}

		store = postgres.NewUnitOfWork(conn)
		health.AddCheck("postgres", conn.Ready)
		metrics["postgres_pool"] = func() any { return conn.Stats() }
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (опционально: кэши и рассылка событий между инстансами)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if !cfg.Redis.Disabled {
		cache, err = redis.NewCache(ctx, redisConfig(cfg.Redis))
		if err != nil {
			log.Warn("redis unavailable, caches and fan-out disabled", logger.Err(err))
			cache = nil
		} else {
			defer cache.Close()
			health.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
			metrics["redis"] = func() any { return cache.Stats() }
			log.Info("redis connection established")
		}
	}

	features := cfg.Features
	var breakers []*circuitbreaker.CircuitBreaker

	var rules progression.RuleLookup = store.Rules()
	var ruleInvalidator command.RuleInvalidator
	if cache != nil && features.IsEnabled(config.FeatureCacheGameRules, nil) {
		ruleCache := redis.NewGameRuleCache(cache, store.Rules(), log)
		rules = ruleCache
		ruleInvalidator = ruleCache
		breakers = append(breakers, ruleCache.Breaker())
		health.AddOptionalCheck("game_rule_cache", handlers.NewBreakerCheck(ruleCache.Breaker()))
	}

	var starTotals query.StarTotalCache
	var starInvalidator eventhandler.StarCacheInvalidator
	if cache != nil && features.IsEnabled(config.FeatureCacheStarTotals, nil) {
		starCache := redis.NewStarCache(cache, log)
		starTotals = starCache
		starInvalidator = starCache
		breakers = append(breakers, starCache.Breaker())
		health.AddOptionalCheck("star_cache", handlers.NewBreakerCheck(starCache.Breaker()))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ШИНА СОБЫТИЙ
	// ─────────────────────────────────────────────────────────────────────────
	localBusConfig := messaging.DefaultInMemoryEventBusConfig()
	localBusConfig.Logger = slogger

	var bus eventBus
	if cache != nil && features.IsEnabled(config.FeatureRedisFanout, nil) {
		redisBus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:      cache.PubSub(),
			ChannelName: cfg.Redis.EventChannel,
			// Другим инстансам нужны только события, меняющие сумму звёзд.
			FanoutTypes:    []shared.EventType{shared.EventStarAdvanced},
			LocalBusConfig: localBusConfig,
			Logger:         slogger,
		})
		if err != nil {
			log.Warn("redis fan-out disabled", logger.Err(err))
		} else {
			bus = redisBus
			breakers = append(breakers, redisBus.Breaker())
			health.AddOptionalCheck("event_fanout", handlers.NewBreakerCheck(redisBus.Breaker()))
		}
	}
	if bus == nil {
		bus = messaging.NewInMemoryEventBus(localBusConfig)
	}
	defer func() {
		log.Info("closing event bus")
		_ = bus.Close()
	}()

	dispatcher := messaging.NewDispatcher(messaging.DefaultDispatcherConfig(bus))
	dispatcher.Use(messaging.RecoveryMiddleware(slogger))
	dispatcher.Use(messaging.LoggingMiddleware(slogger))
	defer dispatcher.Stop()

	if starInvalidator != nil {
		onProgress := eventhandler.NewOnProgressChangedHandler(starInvalidator, slogger,
			eventhandler.DefaultOnProgressChangedConfig())
		if err := onProgress.Register(dispatcher); err != nil {
			return fmt.Errorf("failed to register event handlers: %w", err)
		}
	}

	metrics["events"] = func() any { return bus.Metrics().Snapshot() }
	metrics["dead_letters"] = func() any { return dispatcher.DeadLetters().Summary() }
	metrics["breakers"] = func() any { return handlers.BreakerSnapshot(breakers...) }

	// ─────────────────────────────────────────────────────────────────────────
	// 6. APPLICATION LAYER
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	if len(cfg.HTTP.CORSOrigins) > 0 {
		httpCfg.AllowedOrigins = cfg.HTTP.CORSOrigins
	}

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		OpenEconomy:     command.NewOpenEconomyHandler(store, policy, clock, bus, log),
		RecordAttempt:   command.NewRecordAttemptHandler(store, rules, starInvalidator, policy, clock, bus, log),
		PurchaseEnergy:  command.NewPurchaseEnergyHandler(store, policy, clock, bus, log),
		StartLesson:     command.NewStartLessonHandler(store, rules, policy, clock, features, bus, log),
		AdjustEnergy:    command.NewAdjustEnergyHandler(store, policy, clock, bus, log),
		ImportGameRules: command.NewImportGameRulesHandler(store, ruleInvalidator, clock, bus, log),

		GetEnergy:           query.NewGetEnergyHandler(store.Economy(), policy, clock),
		GetEconomy:          query.NewGetEconomyHandler(store.Economy(), policy, clock),
		GetTotalStars:       query.NewGetTotalStarsHandler(store.Economy(), store.Mastery(), starTotals),
		GetLevelStars:       query.NewGetLevelStarsHandler(store.Economy(), store.Mastery()),
		IsChallengeUnlocked: query.NewIsChallengeUnlockedHandler(rules, store.Mastery()),
		FindGameRule:        query.NewFindGameRuleHandler(rules),

		Policy:        policy,
		Clock:         clock,
		Logger:        log,
		HealthChecker: health,
		Metrics:       metrics,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ЗАПУСК И GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", logger.Duration("timeout", cfg.HTTP.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// connectPostgres подключается к базе с повторами: при старте в контейнере
// база может быть ещё недоступна.
func connectPostgres(ctx context.Context, cfg *config.Config, log *logger.Logger) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.Host = cfg.Database.Host
	pgCfg.Port = cfg.Database.Port
	pgCfg.Database = cfg.Database.Name
	pgCfg.User = cfg.Database.User
	pgCfg.Password = cfg.Database.Password
	pgCfg.SSLMode = cfg.Database.SSLMode
	pgCfg.MaxConns = cfg.Database.MaxConns
	pgCfg.MinConns = cfg.Database.MinConns
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout
	pgCfg.LockTimeout = cfg.Database.LockTimeout

	var conn *postgres.Connection
	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = postgres.NewConnection(ctx, pgCfg)
		return err
	},
		retry.WithMaxAttempts(cfg.Database.ConnectAttempts),
		retry.WithOnRetry(func(attempt int, err error, _ time.Duration) {
			log.Warn("database not ready", logger.Int("attempt", attempt), logger.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("database connection established")
	return conn, nil
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	return rc
}

// setupSlog настраивает slog для шины событий и обработчиков событий.
func setupSlog(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch strings.ToLower(cfg.Observability.LogLevel) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With("service", cfg.App.Name)
	slog.SetDefault(log)
	return log
}
