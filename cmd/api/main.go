package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/events"
	"github.com/kursadbilgin/delivery-engine/internal/handler"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/provider"
	"github.com/kursadbilgin/delivery-engine/internal/queue"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/service"
	"github.com/kursadbilgin/delivery-engine/internal/templating"
	"github.com/kursadbilgin/delivery-engine/internal/tracker"
	"github.com/kursadbilgin/delivery-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	dlrPrefetch       = 20
	retryScanPageSize = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("delivery-engine api stopped with error", zap.Error(err))
	}
	logger.Info("delivery-engine api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	var checks []handler.ReadinessCheck

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		client, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer client.Close()
		rdb = client
		checks = append(checks, handler.RedisCheck(rdb))
	}

	deliveries, err := newTracker(ctx, cfg, rdb, logger, &checks)
	if err != nil {
		return err
	}

	engine, err := templating.NewDefaultEngine(templating.Config{
		CacheTimeout:          cfg.TemplateCacheTimeout(),
		MaxSMSLength:          cfg.MaxSMSLength,
		MaxConcatenatedLength: cfg.MaxConcatenatedLength,
	}, logger)
	if err != nil {
		return fmt.Errorf("template engine initialization failed: %w", err)
	}
	if cfg.TemplatesFile != "" {
		if err := engine.LoadFile(cfg.TemplatesFile); err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
	}

	manager, err := newProviderManager(cfg, rdb, metrics, logger)
	if err != nil {
		return err
	}

	var mq *queue.RabbitMQ
	if cfg.RabbitMQURL != "" {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer mq.Close()
		checks = append(checks, handler.RabbitMQCheck(mq.Ping))
	}

	bus, err := newEventBus(cfg, mq, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("failed to close event sinks", zap.Error(err))
		}
	}()

	svcCfg, err := serviceConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := service.NewDeliveryService(svcCfg, engine, manager, deliveries, bus, logger)
	if err != nil {
		return fmt.Errorf("delivery service initialization failed: %w", err)
	}
	svc.SetMetrics(metrics)
	defer svc.Close() //nolint:errcheck

	scanner, err := service.NewRetryScanner(deliveries, svc, cfg.RetryScanInterval(), retryScanPageSize, logger)
	if err != nil {
		return err
	}
	sweeper, err := service.NewCleanupSweeper(svc, cfg.CleanupInterval(), cfg.CleanupMaxAge(), logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(transport.CorrelationID())
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, checks...)
	handler.RegisterMetricsRoute(app, metrics)
	if err := handler.RegisterDeliveryRoutes(app, svc); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scanner.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })

	if cfg.ConsumeDLR && mq != nil {
		consumer := queue.NewRabbitMQConsumer(mq, dlrPrefetch, logger)
		defer consumer.Close() //nolint:errcheck
		g.Go(func() error {
			return consumer.Consume(gctx, queue.StatusQueue, svc.Ingester().HandleStatusMessage)
		})
	}

	g.Go(func() error {
		logger.Info("delivery-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("events", cfg.EventsBackend),
		)
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newTracker(ctx context.Context, cfg *config.Config, rdb *goredis.Client, logger *zap.Logger, checks *[]handler.ReadinessCheck) (*tracker.Tracker, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		store, err := tracker.NewRedisStore(rdb)
		if err != nil {
			return nil, fmt.Errorf("redis delivery store initialization failed: %w", err)
		}
		return tracker.New(store, logger), nil

	case config.StorePostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{}, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		*checks = append(*checks, handler.PostgresCheck(sqlDB))

		return tracker.New(
			repository.NewGormDeliveryRepo(db),
			logger,
			tracker.WithAttemptRecorder(repository.NewGormAttemptRepo(db)),
		), nil

	default:
		return tracker.New(tracker.NewMemoryStore(), logger), nil
	}
}

func newProviderManager(cfg *config.Config, rdb *goredis.Client, metrics *observability.Metrics, logger *zap.Logger) (*provider.Manager, error) {
	var limiter ratelimit.RateLimiter = ratelimit.NewLocalRateLimiter(cfg.RateLimitPerSec)
	var deps provider.Dependencies
	if rdb != nil {
		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter initialization failed: %w", err)
		}
		limiter = redisLimiter
		deps.Redis = rdb
	}

	manager := provider.NewManager(provider.ManagerConfig{}, logger, metrics, limiter)

	if cfg.ProvidersFile == "" {
		logger.Warn("no provider catalog configured, sends will fail until providers are registered")
		return manager, nil
	}

	catalog, err := provider.LoadCatalog(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	registered, err := provider.RegisterCatalog(manager, catalog, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}
	logger.Info("providers registered", zap.Int("count", registered))

	return manager, nil
}

func newEventBus(cfg *config.Config, mq *queue.RabbitMQ, logger *zap.Logger) (*events.Bus, error) {
	switch cfg.EventsBackend {
	case config.EventsRabbitMQ:
		sink, err := events.NewRabbitMQSink(queue.NewRabbitMQPublisher(mq))
		if err != nil {
			return nil, err
		}
		return events.NewBus(logger, sink), nil

	case config.EventsKafka:
		sink, err := events.NewKafkaSink(cfg.KafkaBrokerList(), cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka sink initialization failed: %w", err)
		}
		return events.NewBus(logger, sink), nil

	default:
		return events.NewBus(logger), nil
	}
}

func serviceConfig(cfg *config.Config) (service.Config, error) {
	delays, err := cfg.RetryDelays()
	if err != nil {
		return service.Config{}, err
	}
	threshold, err := cfg.CostThreshold()
	if err != nil {
		return service.Config{}, err
	}

	return service.Config{
		MaxRetries:         cfg.MaxRetries,
		RetryDelays:        delays,
		DeliveryTimeout:    cfg.DeliveryTimeout(),
		BatchSize:          cfg.BatchSize,
		RateLimitDelay:     cfg.RateLimitDelay(),
		CostAlertThreshold: threshold,
	}, nil
}
