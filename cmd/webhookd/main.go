package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend/httpbackend"
	"github.com/kursadbilgin/webhook-dispatcher/internal/backend/mobile"
	"github.com/kursadbilgin/webhook-dispatcher/internal/bus"
	"github.com/kursadbilgin/webhook-dispatcher/internal/config"
	"github.com/kursadbilgin/webhook-dispatcher/internal/handler"
	"github.com/kursadbilgin/webhook-dispatcher/internal/identity"
	"github.com/kursadbilgin/webhook-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/webhook-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/webhook-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/webhook-dispatcher/internal/jobqueue"
	"github.com/kursadbilgin/webhook-dispatcher/internal/observability"
	"github.com/kursadbilgin/webhook-dispatcher/internal/repository"
	"github.com/kursadbilgin/webhook-dispatcher/internal/service"
	"github.com/kursadbilgin/webhook-dispatcher/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout     = 10 * time.Second
	localQueuePerWorker = 64
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
		logger.Fatal("webhookd stopped with error", zap.Error(err))
	}
	logger.Info("webhookd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	queue, err := newJobQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	auth, err := identity.New(cfg.AuthURL, cfg.AuthServiceToken)
	if err != nil {
		return fmt.Errorf("identity client initialization failed: %w", err)
	}

	backends := backend.NewRegistry()
	if err := backends.Register(httpbackend.Name, httpbackend.New(httpbackend.Options{
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
	}, logger)); err != nil {
		return err
	}
	push, err := mobile.New(auth, mobile.Options{
		APNSTopic: cfg.APNSTopic,
		ProxyURL:  cfg.PushProxyURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("mobile backend initialization failed: %w", err)
	}
	if err := backends.Register(mobile.Name, push); err != nil {
		return err
	}

	conn, err := bus.NewConnection(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("bus connection failed: %w", err)
	}
	defer conn.Close()

	consumer, err := bus.NewConsumer(conn, cfg.BusExchange, cfg.BusUpstreamExchange, logger)
	if err != nil {
		return err
	}
	consumer.SetMetrics(metrics)
	defer consumer.Close()

	hookLogs := repository.NewGormHookLogRepo(db)
	subscriptionRepo := repository.NewGormSubscriptionRepo(db)

	runner, err := service.NewHookRunner(backends, hookLogs, queue, limiter, cfg.HookMaxAttempts, logger)
	if err != nil {
		return err
	}
	runner.SetMetrics(metrics)

	subscriptions, err := service.NewSubscriptionService(subscriptionRepo, logger)
	if err != nil {
		return err
	}

	registry, err := service.NewSubscriptionRegistry(consumer, subscriptionRepo, runner, cfg.MasterTenantUUID, logger)
	if err != nil {
		return err
	}
	subscriptions.AddListener(registry.OnChange)

	reconciler, err := service.NewReconciler(consumer, subscriptions, auth, logger)
	if err != nil {
		return err
	}

	purger, err := service.NewLogPurger(hookLogs, cfg.LogPurgeSchedule, cfg.LogRetention(), logger)
	if err != nil {
		return err
	}
	purger.SetMetrics(metrics)

	if err := registry.Start(ctx); err != nil {
		logger.Error("some subscriptions could not be bound", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, consumer)
	if err := handler.RegisterHookLogRoutes(app, subscriptions, hookLogs); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return runner.Start(gctx) })
	g.Go(func() error { return reconciler.Start(gctx) })
	g.Go(func() error { return purger.Start(gctx) })
	g.Go(func() error {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	logger.Info("webhookd started",
		zap.Int("port", cfg.APIPort),
		zap.String("jobQueue", cfg.JobQueue),
		zap.Strings("backends", backends.Names()),
	)

	return g.Wait()
}

func newJobQueue(cfg *config.Config, logger *zap.Logger) (jobqueue.Queue, error) {
	if cfg.JobQueue == config.JobQueueLocal {
		return jobqueue.NewLocalPool(cfg.WorkerConcurrency, cfg.WorkerConcurrency*localQueuePerWorker, logger), nil
	}

	queue, err := jobqueue.NewAsynqQueue(cfg.RedisURL, cfg.WorkerConcurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("job queue initialization failed: %w", err)
	}
	return queue, nil
}
