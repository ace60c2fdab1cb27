package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/update-mirror"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	mirrorFetchDuration   metric.Float64Histogram
	mirrorFetchTotal      metric.Int64Counter
	mirrorFetchBytesTotal metric.Int64Counter
	mirrorRequestsTotal   metric.Int64Counter

	resolverAppliedTotal metric.Int64Counter
	snapshotWritesTotal  metric.Int64Counter
	snapshotBytes        metric.Int64Gauge
	overlayTotal         metric.Int64Counter
	rewritesTotal        metric.Int64Counter

	watchdogChecksTotal   metric.Int64Counter
	watchdogElapsed       metric.Float64Gauge
	watchdogDisabledTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "update-mirror"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler

	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"update_mirror_http_requests_total",
		metric.WithDescription("Total number of sidecar HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"update_mirror_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in sidecar HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"update_mirror_http_request_duration_seconds",
		metric.WithDescription("Sidecar HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.mirrorFetchDuration, err = meter.Float64Histogram(
		"update_mirror_mirror_fetch_duration_seconds",
		metric.WithDescription("Duration of individual mirror HTTP attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15),
	); err != nil {
		return nil, err
	}

	if m.mirrorFetchTotal, err = meter.Int64Counter(
		"update_mirror_mirror_fetch_total",
		metric.WithDescription("Total mirror HTTP attempts by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.mirrorFetchBytesTotal, err = meter.Int64Counter(
		"update_mirror_mirror_fetch_bytes_total",
		metric.WithDescription("Total bytes read from the mirror"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.mirrorRequestsTotal, err = meter.Int64Counter(
		"update_mirror_mirror_requests_total",
		metric.WithDescription("Logical mirror requests by endpoint and outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.resolverAppliedTotal, err = meter.Int64Counter(
		"update_mirror_resolver_applied_total",
		metric.WithDescription("Update entries applied to record sets"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.snapshotWritesTotal, err = meter.Int64Counter(
		"update_mirror_snapshot_writes_total",
		metric.WithDescription("Snapshot writes by category"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}

	if m.snapshotBytes, err = meter.Int64Gauge(
		"update_mirror_snapshot_bytes",
		metric.WithDescription("Uncompressed size of the latest snapshot per category"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.overlayTotal, err = meter.Int64Counter(
		"update_mirror_overlay_total",
		metric.WithDescription("Info overlay evaluations by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.rewritesTotal, err = meter.Int64Counter(
		"update_mirror_package_rewrites_total",
		metric.WithDescription("Package URLs rewritten to the mirror"),
		metric.WithUnit("{package}"),
	); err != nil {
		return nil, err
	}

	if m.watchdogChecksTotal, err = meter.Int64Counter(
		"update_mirror_watchdog_checks_total",
		metric.WithDescription("Watchdog evaluations by resulting state"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}

	if m.watchdogElapsed, err = meter.Float64Gauge(
		"update_mirror_watchdog_since_success_seconds",
		metric.WithDescription("Seconds since the last successful mirror response"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.watchdogDisabledTotal, err = meter.Int64Counter(
		"update_mirror_watchdog_disabled_total",
		metric.WithDescription("Times the mechanism was disabled by the watchdog"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records metrics for a sidecar HTTP request.
func RecordHTTP(ctx context.Context, r *http.Request, route string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	}
	if tags := GetTags(r); tags != nil && tags.Source != "" {
		attrs = append(attrs, attribute.String("source", string(tags.Source)))
	}

	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesSent > 0 {
		globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	}
}

// RecordMirrorFetch records a single HTTP attempt against the mirror.
func RecordMirrorFetch(ctx context.Context, endpoint string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	}
	globalMetrics.mirrorFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.mirrorFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.mirrorFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordMirrorRequest records the outcome of one logical mirror request,
// including whether the unverified TLS retry was used.
func RecordMirrorRequest(ctx context.Context, endpoint, outcome string, insecureRetry bool) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
		attribute.Bool("insecure_retry", insecureRetry),
	}
	globalMetrics.mirrorRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResolverApplied records entries inserted into a record set.
// source is "mirror" for a live fetch or "snapshot" for a replay.
func RecordResolverApplied(ctx context.Context, category, source string, applied int) {
	if globalMetrics == nil || applied == 0 {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("source", source),
	)
	globalMetrics.resolverAppliedTotal.Add(ctx, int64(applied), attrs)
}

// RecordSnapshotWrite records a snapshot overwrite.
func RecordSnapshotWrite(ctx context.Context, category string, size int64, compressed bool) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.snapshotWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.Bool("compressed", compressed),
	))
	globalMetrics.snapshotBytes.Record(ctx, size, metric.WithAttributes(attribute.String("category", category)))
}

// RecordOverlay records an info overlay evaluation.
// outcome is "skipped", "replaced" or "kept".
func RecordOverlay(ctx context.Context, category, outcome string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.overlayTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	))
}

// RecordPackageRewrite records a package URL redirected to the mirror.
func RecordPackageRewrite(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rewritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordWatchdogCheck records one watchdog evaluation.
func RecordWatchdogCheck(ctx context.Context, state string, sinceSuccess time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.watchdogChecksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	globalMetrics.watchdogElapsed.Record(ctx, sinceSuccess.Seconds())
}

// RecordWatchdogDisabled records the mechanism being disabled.
func RecordWatchdogDisabled(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.watchdogDisabledTotal.Add(ctx, 1)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
