package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "image_pipeline"

// Metrics stores Prometheus collectors used by API and worker flows.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	batchesIngestedTotal   *prometheus.CounterVec
	jobsProcessedTotal     *prometheus.CounterVec
	imagesTransformedTotal *prometheus.CounterVec
	transformDuration      prometheus.Histogram
	workerInflight         *prometheus.GaugeVec
	retryScheduledTotal    prometheus.Counter
	webhooksTotal          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_ingested_total",
				Help:      "Batch uploads by ingestion result.",
			},
			[]string{"result"},
		),
		jobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_processed_total",
				Help:      "Processing job deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		imagesTransformedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "images_transformed_total",
				Help:      "Image transforms by result.",
			},
			[]string{"result"},
		),
		transformDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "image_transform_duration_seconds",
				Help:      "Fetch, recompress and upload duration of one image.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker operations grouped by stage.",
			},
			[]string{"stage"},
		),
		retryScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "job_retries_scheduled_total",
				Help:      "Total number of failed job attempts scheduled for another delivery.",
			},
		),
		webhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_notifications_total",
				Help:      "Completion webhooks by delivery result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesIngestedTotal,
		m.jobsProcessedTotal,
		m.imagesTransformedTotal,
		m.transformDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.webhooksTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchIngested(result string) {
	if m == nil {
		return
	}
	m.batchesIngestedTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncJobProcessed(outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveImageTransform(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.imagesTransformedTotal.WithLabelValues(normalizeLabel(result)).Inc()
	m.transformDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncWorkerInFlight(stage string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(stage)).Inc()
}

func (m *Metrics) DecWorkerInFlight(stage string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(stage)).Dec()
}

func (m *Metrics) IncRetryScheduled() {
	if m == nil {
		return
	}
	m.retryScheduledTotal.Inc()
}

func (m *Metrics) IncWebhook(result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}
	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}
	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
