package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	UploadProviderS3    = "s3"
	UploadProviderMinio = "minio"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"WORKER_METRICS_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	WorkerConcurrency     int           `env:"WORKER_CONCURRENCY,default=2"`
	TransformConcurrency  int           `env:"TRANSFORM_CONCURRENCY,default=8"`
	FetchRateLimitPerSec  int           `env:"FETCH_RATE_LIMIT_PER_SEC,default=50"`
	FetchTimeout          time.Duration `env:"FETCH_TIMEOUT,default=30s"`
	MaxUploadBytes        int           `env:"MAX_UPLOAD_BYTES,default=1000000"`
	JobAttempts           int           `env:"JOB_ATTEMPTS,default=3"`
	JobBackoffBase        time.Duration `env:"JOB_BACKOFF_BASE,default=1s"`
	RetryScanInterval     time.Duration `env:"RETRY_SCAN_INTERVAL,default=1s"`
	StalePendingAfter     time.Duration `env:"STALE_PENDING_AFTER,default=10m"`
	StalePendingScanEvery time.Duration `env:"STALE_PENDING_SCAN_INTERVAL,default=1m"`
	NotifyOnFailure       bool          `env:"NOTIFY_ON_FAILURE,default=false"`
	NotifyTimeout         time.Duration `env:"NOTIFY_TIMEOUT,default=10s"`
	JPEGQuality           int           `env:"JPEG_QUALITY,default=50"`
	MaxImageDimension     int           `env:"MAX_IMAGE_DIMENSION,default=0"`

	UploadProvider   string `env:"UPLOAD_PROVIDER,default=s3"`
	StorageEndpoint  string `env:"STORAGE_ENDPOINT"`
	StorageRegion    string `env:"STORAGE_REGION,default=auto"`
	StorageBucket    string `env:"STORAGE_BUCKET,default=processed-images"`
	StorageAccessKey string `env:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `env:"STORAGE_SECRET_KEY"`
	StorageUseSSL    bool   `env:"STORAGE_USE_SSL,default=true"`
	StorageKeyPrefix string `env:"STORAGE_KEY_PREFIX,default=processed-images"`
	StoragePublicURL string `env:"STORAGE_PUBLIC_BASE_URL"`

	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT,default=development"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.UploadProvider = strings.ToLower(strings.TrimSpace(cfg.UploadProvider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.WorkerConcurrency < 1:
		return fmt.Errorf("invalid config: WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	case c.TransformConcurrency < 1:
		return fmt.Errorf("invalid config: TRANSFORM_CONCURRENCY must be positive, got %d", c.TransformConcurrency)
	case c.JobAttempts < 1:
		return fmt.Errorf("invalid config: JOB_ATTEMPTS must be at least 1, got %d", c.JobAttempts)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("invalid config: JPEG_QUALITY must be within 1..100, got %d", c.JPEGQuality)
	case c.MaxUploadBytes < 1:
		return fmt.Errorf("invalid config: MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}

	switch c.UploadProvider {
	case UploadProviderS3, UploadProviderMinio:
	default:
		return fmt.Errorf("invalid config: unknown UPLOAD_PROVIDER %q", c.UploadProvider)
	}
	return nil
}
