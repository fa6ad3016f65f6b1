package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	PostsPublished        metric.Int64Counter
	PostsFailed           metric.Int64Counter
	JobsProcessed         metric.Int64Counter
	PlatformRequests      metric.Int64Counter
	PlatformDuration      metric.Float64Histogram
	TokenRefreshes        metric.Int64Counter
	MediaUploadFailures   metric.Int64Counter
	EngagementCollections metric.Int64Counter
	CircuitBreakerState   metric.Int64Counter
}

// InitMetrics registers the otel Prometheus exporter as the global meter
// provider and returns the instruments plus the /metrics handler.
func InitMetrics(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.PostsPublished, err = meter.Int64Counter("posts_published_total",
		metric.WithDescription("Posts successfully published")); err != nil {
		return nil, err
	}
	if m.PostsFailed, err = meter.Int64Counter("posts_failed_total",
		metric.WithDescription("Posts that ended in FAILED")); err != nil {
		return nil, err
	}
	if m.JobsProcessed, err = meter.Int64Counter("jobs_processed_total",
		metric.WithDescription("Queue jobs processed by type and outcome")); err != nil {
		return nil, err
	}
	if m.PlatformRequests, err = meter.Int64Counter("platform_requests_total",
		metric.WithDescription("Outbound platform API requests")); err != nil {
		return nil, err
	}
	if m.PlatformDuration, err = meter.Float64Histogram("platform_request_duration_seconds",
		metric.WithDescription("Platform API request duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokenRefreshes, err = meter.Int64Counter("token_refreshes_total",
		metric.WithDescription("OAuth token refresh attempts")); err != nil {
		return nil, err
	}
	if m.MediaUploadFailures, err = meter.Int64Counter("media_upload_failures_total",
		metric.WithDescription("Media items skipped because fetch or upload failed")); err != nil {
		return nil, err
	}
	if m.EngagementCollections, err = meter.Int64Counter("engagement_collections_total",
		metric.WithDescription("Engagement collection runs")); err != nil {
		return nil, err
	}
	if m.CircuitBreakerState, err = meter.Int64Counter("circuit_breaker_state_changes_total",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordPublished(ctx context.Context) {
	if m == nil {
		return
	}
	m.PostsPublished.Add(ctx, 1)
}

func (m *Metrics) RecordFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.PostsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", kind)))
}

func (m *Metrics) RecordJob(ctx context.Context, taskType, outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", taskType),
		attribute.String("job.outcome", outcome),
	))
}

// RecordPlatformRequest records one outbound call; status is 0 when no
// response was received.
func (m *Metrics) RecordPlatformRequest(ctx context.Context, method string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.Int("http.status", status),
	)
	m.PlatformRequests.Add(ctx, 1, attrs)
	m.PlatformDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordTokenRefresh(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.TokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *Metrics) RecordMediaFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.MediaUploadFailures.Add(ctx, 1)
}

func (m *Metrics) RecordCollection(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.EngagementCollections.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}
