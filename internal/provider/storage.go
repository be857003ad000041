package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	StorageS3    = "s3"
	StorageMinio = "minio"
)

// StorageConfig describes the bucket processed images are written to.
type StorageConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	KeyPrefix     string
	PublicBaseURL string
}

func (c StorageConfig) validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("storage bucket is required")
	}
	return nil
}

// endpointURL returns the configured endpoint with a scheme.
func (c StorageConfig) endpointURL() string {
	endpoint := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if c.UseSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// endpointHost returns the endpoint without scheme, as minio-go expects.
func (c StorageConfig) endpointHost() string {
	endpoint := c.endpointURL()
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// NewUploader builds the uploader selected by kind.
func NewUploader(ctx context.Context, kind string, cfg StorageConfig) (Uploader, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case StorageS3, "":
		return NewS3Uploader(ctx, cfg)
	case StorageMinio:
		return NewMinioUploader(cfg)
	default:
		return nil, fmt.Errorf("unknown upload provider %q", kind)
	}
}

type s3PutAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Uploader writes objects through the S3 multipart upload manager. It
// works against AWS S3 and S3-compatible stores such as R2.
type S3Uploader struct {
	uploader s3PutAPI
	cfg      StorageConfig
}

func NewS3Uploader(ctx context.Context, cfg StorageConfig) (*S3Uploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := cfg.endpointURL(); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Uploader(manager.NewUploader(client), cfg), nil
}

func newS3Uploader(uploader s3PutAPI, cfg StorageConfig) *S3Uploader {
	return &S3Uploader{uploader: uploader, cfg: cfg}
}

func (u *S3Uploader) Upload(ctx context.Context, data []byte, name string) (string, error) {
	key := objectKey(u.cfg.KeyPrefix, name)

	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(imageContentType),
	})
	if err != nil {
		return "", &ProviderError{
			Provider:  StorageS3,
			Message:   fmt.Sprintf("failed to upload %q", key),
			Transient: true,
			Cause:     err,
		}
	}

	if u.cfg.PublicBaseURL != "" {
		return publicURL(u.cfg.PublicBaseURL, key)
	}
	if out != nil && out.Location != "" {
		return out.Location, nil
	}
	return publicURL(u.cfg.endpointURL()+"/"+u.cfg.Bucket, key)
}

type minioPutAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioUploader writes objects with the MinIO client.
type MinioUploader struct {
	client minioPutAPI
	cfg    StorageConfig
}

func NewMinioUploader(cfg StorageConfig) (*MinioUploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.endpointHost() == "" {
		return nil, fmt.Errorf("storage endpoint is required for minio")
	}

	region := cfg.Region
	if region == "auto" {
		region = ""
	}

	client, err := minio.New(cfg.endpointHost(), &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}

	return newMinioUploader(client, cfg), nil
}

func newMinioUploader(client minioPutAPI, cfg StorageConfig) *MinioUploader {
	return &MinioUploader{client: client, cfg: cfg}
}

func (u *MinioUploader) Upload(ctx context.Context, data []byte, name string) (string, error) {
	key := objectKey(u.cfg.KeyPrefix, name)

	_, err := u.client.PutObject(ctx, u.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: imageContentType,
	})
	if err != nil {
		return "", &ProviderError{
			Provider:  StorageMinio,
			Message:   fmt.Sprintf("failed to upload %q", key),
			Transient: true,
			Cause:     err,
		}
	}

	base := u.cfg.PublicBaseURL
	if base == "" {
		base = u.cfg.endpointURL() + "/" + u.cfg.Bucket
	}
	return publicURL(base, key)
}
