// Package observe provides observability primitives for sermonflow:
// OpenTelemetry metrics and tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], whose [Telemetry.Handler] serves /metrics.
// [DefaultMetrics] binds to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sermonflow metrics.
const meterName = "github.com/mavrotechnologies/sermon-flow-app-sub000"

// Metrics holds all OpenTelemetry instruments for the application. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks detection stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks one full pipeline run.
	PipelineDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding calls. Attribute: tier
	// (query, curated, full).
	EmbeddingDuration metric.Float64Histogram

	// EscalationDuration tracks oracle round trips.
	EscalationDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts transcript chunks. Attributes: kind (interim, final),
	// outcome (processed, debounced, duplicate, filtered, stale).
	Chunks metric.Int64Counter

	// Candidates counts candidates produced. Attribute: stage.
	Candidates metric.Int64Counter

	// Detections counts confirmed detections. Attributes: source, level.
	Detections metric.Int64Counter

	// StageErrors counts failed stages. Attributes: stage, kind (error, panic).
	StageErrors metric.Int64Counter

	// Escalations counts escalation signals. Attribute: reason.
	Escalations metric.Int64Counter

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// LookupFailures counts verse text lookups that failed.
	LookupFailures metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// breaker, to (closed, open, half-open).
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PendingCandidates tracks candidates waiting for stability across all
	// sessions.
	PendingCandidates metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Detection stages run
// in microseconds to milliseconds; embedding and escalation reach seconds.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.StageDuration, err = hist("sermonflow.stage.duration", "Latency of a detection stage."); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = hist("sermonflow.pipeline.duration", "Latency of a full detection pipeline run."); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = hist("sermonflow.embedding.duration", "Latency of embedding calls by tier."); err != nil {
		return nil, err
	}
	if met.EscalationDuration, err = hist("sermonflow.escalation.duration", "Latency of escalation oracle calls."); err != nil {
		return nil, err
	}

	if met.Chunks, err = m.Int64Counter("sermonflow.chunks",
		metric.WithDescription("Transcript chunks by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Candidates, err = m.Int64Counter("sermonflow.candidates",
		metric.WithDescription("Candidates produced by stage."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("sermonflow.detections",
		metric.WithDescription("Confirmed detections by source and level."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("sermonflow.stage.errors",
		metric.WithDescription("Failed detection stages by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("sermonflow.escalations",
		metric.WithDescription("Escalation signals by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("sermonflow.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.LookupFailures, err = m.Int64Counter("sermonflow.lookup.failures",
		metric.WithDescription("Verse text lookups that failed."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("sermonflow.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sermonflow.active_sessions",
		metric.WithDescription("Number of live detection sessions."),
	); err != nil {
		return nil, err
	}
	if met.PendingCandidates, err = m.Int64UpDownCounter("sermonflow.pending_candidates",
		metric.WithDescription("Candidates waiting for stability."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("sermonflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records one stage run. failure is "", "error" or "panic".
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, failure string) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.StageDuration.Record(ctx, d.Seconds(), attrs)
	if failure != "" {
		m.StageErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", failure),
		))
	}
}

// RecordCandidates adds n candidates produced by stage.
func (m *Metrics) RecordCandidates(ctx context.Context, stage string, n int) {
	if n == 0 {
		return
	}
	m.Candidates.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDetection records one confirmed detection.
func (m *Metrics) RecordDetection(ctx context.Context, source, level string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("level", level),
	))
}

// RecordChunk records one transcript chunk outcome.
func (m *Metrics) RecordChunk(ctx context.Context, final bool, outcome string) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Chunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordEscalation records an escalation signal.
func (m *Metrics) RecordEscalation(ctx context.Context, reason string) {
	m.Escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}
