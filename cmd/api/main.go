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
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/image-batch-processor/internal/config"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/handler"
	"github.com/kursadbilgin/image-batch-processor/internal/infra/postgresql"
	"github.com/kursadbilgin/image-batch-processor/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/image-batch-processor/internal/infra/redis"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"github.com/kursadbilgin/image-batch-processor/internal/service"
	"github.com/kursadbilgin/image-batch-processor/internal/transport"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	// Room for multipart boundaries and form fields around the file itself.
	multipartOverhead = 64 * 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporter, err := observability.NewErrorReporter(cfg.SentryDSN, cfg.SentryEnvironment, "")
	if err != nil {
		logger.Fatal("error reporter initialization failed", zap.Error(err))
	}
	defer reporter.Flush(2 * time.Second)

	metrics := observability.NewMetrics()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolConfig)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	publisher := queue.NewRabbitMQPublisher(rabbit)

	jobStore, err := infraredis.NewRedisJobStore(rdb, 0)
	if err != nil {
		logger.Fatal("job store initialization failed", zap.Error(err))
	}

	jobQueue, err := queue.NewJobQueue(jobStore, publisher, domain.JobOptions{
		Attempts: cfg.JobAttempts,
		Backoff:  domain.BackoffPolicy{Base: cfg.JobBackoffBase},
	}, logger)
	if err != nil {
		logger.Fatal("job queue initialization failed", zap.Error(err))
	}

	batchRepo := repository.NewGormBatchRepo(db)
	productRepo := repository.NewGormProductRepo(db)

	ingestService, err := service.NewIngestService(batchRepo, productRepo, jobQueue, logger)
	if err != nil {
		logger.Fatal("ingest service initialization failed", zap.Error(err))
	}
	ingestService.SetMetrics(metrics)

	statusService, err := service.NewStatusService(batchRepo, jobStore)
	if err != nil {
		logger.Fatal("status service initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "image-batch-processor",
		BodyLimit:    cfg.MaxUploadBytes + multipartOverhead,
		ErrorHandler: transport.ErrorHandler(logger, reporter),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(transport.CorrelationID())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if err := handler.RegisterProcessingRoutes(app, ingestService, statusService, int64(cfg.MaxUploadBytes)); err != nil {
		logger.Fatal("processing routes registration failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("image-batch-processor api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	_ = publisher.Close()
}
