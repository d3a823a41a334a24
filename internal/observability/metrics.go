package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and authorization decisions take
// - Traffic: Request, decision and byte throughput
// - Errors: Failed requests, denials and failed audit deliveries
// - Saturation: Audit queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Authorization metrics (Latency, Traffic, Errors)
	AuthzDuration  metric.Float64Histogram
	AuthzDecisions metric.Int64Counter

	// Transfer metrics (Traffic)
	TransferBytes metric.Int64Counter

	// Audit metrics (Latency, Traffic, Errors, Saturation)
	AuditDuration  metric.Float64Histogram
	AuditDelivered metric.Int64Counter
	AuditFailed    metric.Int64Counter
	AuditDropped   metric.Int64Counter
	AuditQueueSize metric.Int64Gauge
}

// NewMetrics creates all metrics behind a Prometheus exporter with its own
// registry, and returns the handler that serves that registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobfiles")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Authorization metrics
	m.AuthzDuration, err = meter.Float64Histogram(
		"authz_decision_duration_seconds",
		metric.WithDescription("Time to reach an authorization decision in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuthzDecisions, err = meter.Int64Counter(
		"authz_decisions_total",
		metric.WithDescription("Authorization decisions by operation, outcome and reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Transfer metrics
	m.TransferBytes, err = meter.Int64Counter(
		"transfer_bytes_total",
		metric.WithDescription("Bytes read from or written to job files"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Audit metrics
	m.AuditDuration, err = meter.Float64Histogram(
		"audit_delivery_duration_seconds",
		metric.WithDescription("Audit event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuditDelivered, err = meter.Int64Counter(
		"audit_delivered_total",
		metric.WithDescription("Total audit events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuditFailed, err = meter.Int64Counter(
		"audit_failed_total",
		metric.WithDescription("Total audit events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuditDropped, err = meter.Int64Counter(
		"audit_dropped_total",
		metric.WithDescription("Total audit events dropped because the queue was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuditQueueSize, err = meter.Int64Gauge(
		"audit_queue_size",
		metric.WithDescription("Current number of audit events in the queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDecision records one authorization decision. reason is empty for
// allowed decisions.
func (m *Metrics) RecordDecision(ctx context.Context, operation string, allowed bool, reason string, durationSeconds float64) {
	if allowed {
		reason = "none"
	}
	attrs := metric.WithAttributes(operationAttr(operation), outcomeAttr(allowed), reasonAttr(reason))
	m.AuthzDecisions.Add(ctx, 1, attrs)
	m.AuthzDuration.Record(ctx, durationSeconds, metric.WithAttributes(operationAttr(operation), outcomeAttr(allowed)))
}

// RecordTransfer records bytes moved by a completed or failed transfer.
func (m *Metrics) RecordTransfer(ctx context.Context, operation string, bytes int64, success bool) {
	m.TransferBytes.Add(ctx, bytes, metric.WithAttributes(operationAttr(operation), successAttr(success)))
}

// RecordAuditDelivered records a successful audit delivery with its duration.
func (m *Metrics) RecordAuditDelivered(ctx context.Context, durationSeconds float64) {
	m.AuditDelivered.Add(ctx, 1)
	m.AuditDuration.Record(ctx, durationSeconds)
}

// RecordAuditFailed records an audit event that could not be delivered.
func (m *Metrics) RecordAuditFailed(ctx context.Context) {
	m.AuditFailed.Add(ctx, 1)
}

// RecordAuditDropped records an audit event dropped on a full queue.
func (m *Metrics) RecordAuditDropped(ctx context.Context) {
	m.AuditDropped.Add(ctx, 1)
}

// RecordAuditQueueSize records the current audit queue depth.
func (m *Metrics) RecordAuditQueueSize(ctx context.Context, size int64) {
	m.AuditQueueSize.Record(ctx, size)
}
