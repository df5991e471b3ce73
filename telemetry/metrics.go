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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/img2url"
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
	requestsTotal       metric.Int64Counter
	responseBytesTotal  metric.Int64Counter
	requestDuration     metric.Float64Histogram
	requestsByCodeTotal metric.Int64Counter

	uploadsTotal       metric.Int64Counter
	uploadStoredSize   metric.Float64Histogram
	transcodeTotal     metric.Int64Counter
	transcodeDuration  metric.Float64Histogram
	deliveriesTotal    metric.Int64Counter
	deliveryBytesTotal metric.Int64Counter
	expiredTotal       metric.Int64Counter

	outboundDuration   metric.Float64Histogram
	outboundTotal      metric.Int64Counter
	outboundBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

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
		cfg.ServiceName = "img2url"
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
			otlpmetricgrpc.WithInsecure(),
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

	// Without exporters a no-op periodic reader still drives collection.
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

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets    = []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288, 1048576, 2097152, 4194304, 8388608, 16777216}
)

func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"img2url_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"img2url_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"img2url_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.requestsByCodeTotal, err = meter.Int64Counter(
		"img2url_http_requests_by_error_code_total",
		metric.WithDescription("Total number of rejected HTTP requests by error code"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.uploadsTotal, err = meter.Int64Counter(
		"img2url_uploads_total",
		metric.WithDescription("Total accepted uploads by result"),
		metric.WithUnit("{upload}"),
	); err != nil {
		return nil, err
	}

	if m.uploadStoredSize, err = meter.Float64Histogram(
		"img2url_upload_stored_size_bytes",
		metric.WithDescription("Size of objects written to the content store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.transcodeTotal, err = meter.Int64Counter(
		"img2url_transcode_total",
		metric.WithDescription("Total transcode attempts by outcome"),
		metric.WithUnit("{image}"),
	); err != nil {
		return nil, err
	}

	if m.transcodeDuration, err = meter.Float64Histogram(
		"img2url_transcode_duration_seconds",
		metric.WithDescription("Duration of image transcodes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.deliveriesTotal, err = meter.Int64Counter(
		"img2url_deliveries_total",
		metric.WithDescription("Total image fetches by result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.deliveryBytesTotal, err = meter.Int64Counter(
		"img2url_delivery_bytes_total",
		metric.WithDescription("Total image bytes served"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.expiredTotal, err = meter.Int64Counter(
		"img2url_expired_objects_total",
		metric.WithDescription("Total objects removed after their expiry time"),
		metric.WithUnit("{object}"),
	); err != nil {
		return nil, err
	}

	if m.outboundDuration, err = meter.Float64Histogram(
		"img2url_outbound_request_duration_seconds",
		metric.WithDescription("Duration of outbound HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if m.outboundTotal, err = meter.Int64Counter(
		"img2url_outbound_requests_total",
		metric.WithDescription("Total number of outbound HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.outboundBytesTotal, err = meter.Int64Counter(
		"img2url_outbound_response_bytes_total",
		metric.WithDescription("Total bytes read from outbound responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"img2url_backend_request_duration_seconds",
		metric.WithDescription("Duration of content store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(backendBuckets...),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"img2url_backend_requests_total",
		metric.WithDescription("Total number of content store operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"img2url_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in content store operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"img2url_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers and sweeps"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"img2url_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper and sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route, result and error code are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	result := string(ResultNA)
	code := ""
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
		code = tags.ErrorCode
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("result", result),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if code != "" {
		globalMetrics.requestsByCodeTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("code", code),
		))
	}
}

// RecordUpload records an accepted upload. storedBytes is only recorded
// for new objects.
func RecordUpload(ctx context.Context, result Result, storedBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.uploadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	if result == ResultStored {
		globalMetrics.uploadStoredSize.Record(ctx, float64(storedBytes))
	}
}

// RecordTranscode records one transcode attempt. outcome is "transcoded"
// or "fallback".
func RecordTranscode(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.transcodeTotal.Add(ctx, 1, attrs)
	globalMetrics.transcodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDelivery records one image fetch.
func RecordDelivery(ctx context.Context, result Result, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	if bytes > 0 {
		globalMetrics.deliveryBytesTotal.Add(ctx, bytes)
	}
}

// RecordExpired records objects removed after expiry. path is "access"
// when a fetch found the object expired, or "sweep".
func RecordExpired(ctx context.Context, path string, n int) {
	if globalMetrics == nil || n == 0 {
		return
	}
	globalMetrics.expiredTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("path", path)))
}

// RecordOutboundRequest records an outbound HTTP request.
func RecordOutboundRequest(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	)
	globalMetrics.outboundDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.outboundTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.outboundBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordBackendOp records content store operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// reaper is "state" for the state store TTL reaper or "sweep" for the
// object expiry sweep. Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
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
