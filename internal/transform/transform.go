package transform

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/observability"
	"github.com/kursadbilgin/image-batch-processor/internal/provider"
	"github.com/kursadbilgin/image-batch-processor/internal/ratelimit"
	"go.uber.org/zap"

	// Extra source formats beyond the jpeg/png/gif/bmp/tiff set imaging registers.
	_ "golang.org/x/image/webp"
)

const (
	DefaultJPEGQuality  = 50
	defaultFetchTimeout = 30 * time.Second
	outputPrefix        = "processed-"
	fallbackName        = "image"
	sourceHashLength    = 16
)

type Options struct {
	FetchTimeout time.Duration
	JPEGQuality  int
	// MaxDimension bounds width and height of the output; 0 keeps the source size.
	MaxDimension int
}

// Transformer fetches one remote image, recompresses it as JPEG and hands
// the result to the uploader. It never retries; the job queue owns retries.
type Transformer struct {
	client   *resty.Client
	uploader provider.Uploader
	limiter  ratelimit.RateLimiter
	opts     Options
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func New(
	uploader provider.Uploader,
	limiter ratelimit.RateLimiter,
	opts Options,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Transformer, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.MaxDimension < 0 {
		opts.MaxDimension = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetTimeout(opts.FetchTimeout)
	client.SetRetryCount(0)

	return &Transformer{
		client:   client,
		uploader: uploader,
		limiter:  limiter,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Transform returns the public URL of the processed copy of rawURL. Errors
// are *domain.TransformError of kind ErrFetch, ErrDecode or ErrUpload.
func (t *Transformer) Transform(ctx context.Context, rawURL string) (string, error) {
	started := t.now()

	out, err := t.transform(ctx, rawURL)
	t.metrics.ObserveImageTransform(resultLabel(err), t.now().Sub(started))
	if err != nil {
		t.logger.Debug("image transform failed", zap.String("url", rawURL), zap.Error(err))
		return "", err
	}
	return out, nil
}

func (t *Transformer) transform(ctx context.Context, rawURL string) (string, error) {
	src, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || src.Host == "" {
		if err == nil {
			err = fmt.Errorf("url has no host")
		}
		return "", domain.NewFetchError(rawURL, err)
	}

	body, err := t.fetch(ctx, src)
	if err != nil {
		return "", domain.NewFetchError(rawURL, err)
	}

	encoded, err := t.recompress(body)
	if err != nil {
		return "", domain.NewDecodeError(rawURL, err)
	}

	link, err := t.uploader.Upload(ctx, encoded, OutputName(src))
	if err != nil {
		return "", domain.NewUploadError(rawURL, err)
	}
	return link, nil
}

func (t *Transformer) fetch(ctx context.Context, src *url.URL) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, src.Hostname()); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	response, err := t.client.R().
		SetContext(ctx).
		Get(src.String())
	if err != nil {
		return nil, err
	}

	status := response.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d", status)
	}

	body := response.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return body, nil
}

func (t *Transformer) recompress(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	img = fit(img, t.opts.MaxDimension)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(t.opts.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(img image.Image, maxDimension int) image.Image {
	if maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxDimension && b.Dy() <= maxDimension {
		return img
	}
	return imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
}

// OutputName derives the uploaded object name from the source URL. The
// leading hash segment keeps sources that share a file name apart; the same
// source always maps to the same name so retries overwrite their own object.
func OutputName(src *url.URL) string {
	base := path.Base(src.Path)
	if base == "." || base == "/" || base == "" {
		base = fallbackName
	}
	sum := sha256.Sum256([]byte(src.String()))
	return hex.EncodeToString(sum[:])[:sourceHashLength] + "/" + outputPrefix + base
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrFetch):
		return "fetch_error"
	case errors.Is(err, domain.ErrDecode):
		return "decode_error"
	case errors.Is(err, domain.ErrUpload):
		return "upload_error"
	default:
		return "error"
	}
}
