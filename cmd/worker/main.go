package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/image-batch-processor/internal/config"
	"github.com/kursadbilgin/image-batch-processor/internal/infra/postgresql"
	"github.com/kursadbilgin/image-batch-processor/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/image-batch-processor/internal/infra/redis"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"github.com/kursadbilgin/image-batch-processor/internal/provider"
	"github.com/kursadbilgin/image-batch-processor/internal/queue"
	"github.com/kursadbilgin/image-batch-processor/internal/repository"
	"github.com/kursadbilgin/image-batch-processor/internal/service"
	"github.com/kursadbilgin/image-batch-processor/internal/transform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
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
	defer publisher.Close()
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)
	defer consumer.Close()

	jobStore, err := infraredis.NewRedisJobStore(rdb, 0)
	if err != nil {
		logger.Fatal("job store initialization failed", zap.Error(err))
	}

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.FetchRateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	uploader, err := provider.NewUploader(ctx, cfg.UploadProvider, provider.StorageConfig{
		Endpoint:      cfg.StorageEndpoint,
		Region:        cfg.StorageRegion,
		Bucket:        cfg.StorageBucket,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		UseSSL:        cfg.StorageUseSSL,
		KeyPrefix:     cfg.StorageKeyPrefix,
		PublicBaseURL: cfg.StoragePublicURL,
	})
	if err != nil {
		logger.Fatal("upload provider initialization failed", zap.Error(err))
	}

	transformer, err := transform.New(uploader, limiter, transform.Options{
		FetchTimeout: cfg.FetchTimeout,
		JPEGQuality:  cfg.JPEGQuality,
		MaxDimension: cfg.MaxImageDimension,
	}, metrics, logger)
	if err != nil {
		logger.Fatal("image transformer initialization failed", zap.Error(err))
	}

	batchRepo := repository.NewGormBatchRepo(db)
	productRepo := repository.NewGormProductRepo(db)

	worker, err := service.NewPipelineWorker(
		batchRepo,
		productRepo,
		jobStore,
		consumer,
		transformer,
		provider.NewWebhookNotifier(cfg.NotifyTimeout),
		service.PipelineWorkerConfig{
			Concurrency:          cfg.WorkerConcurrency,
			TransformConcurrency: cfg.TransformConcurrency,
			NotifyOnFailure:      cfg.NotifyOnFailure,
			NotifyTimeout:        cfg.NotifyTimeout,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("pipeline worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)
	worker.SetErrorReporter(reporter)

	retryScanner, err := service.NewRetryScanner(jobStore, publisher, cfg.RetryScanInterval, 0, logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}

	sweeper, err := service.NewStaleBatchSweeper(batchRepo, cfg.StalePendingAfter, cfg.StalePendingScanEvery, 0, logger)
	if err != nil {
		logger.Fatal("stale sweeper initialization failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return retryScanner.Start(groupCtx) })
	g.Go(func() error { return sweeper.Start(groupCtx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("image-batch-processor worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("transformConcurrency", cfg.TransformConcurrency),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
