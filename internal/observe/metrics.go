// Package observe provides application-wide observability primitives for
// Dictare: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Dictare metrics.
const meterName = "github.com/nils-skog/dictare"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks speech-to-text transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// RefinementDuration tracks AI refinement latency.
	RefinementDuration metric.Float64Histogram

	// SyncFlushDuration tracks how long a full sync queue flush pass takes.
	SyncFlushDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsCompleted counts finished dictation sessions. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	SessionsCompleted metric.Int64Counter

	// LearningPrompts counts clarification prompts shown to the user. Use with:
	//   attribute.String("kind", "edit_review"|"ab_testing")
	LearningPrompts metric.Int64Counter

	// PatternObservations counts accepted pattern observations.
	PatternObservations metric.Int64Counter

	// SyncOperations counts sync queue deliveries. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SyncOperations metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SyncErrors counts failed sync deliveries. Use with attribute:
	//   attribute.String("reason", "offline"|"rejected")
	SyncErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of in-flight dictation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SyncQueueDepth tracks the number of pending sync operations.
	SyncQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for provider round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("dictare.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RefinementDuration, err = m.Float64Histogram("dictare.refinement.duration",
		metric.WithDescription("Latency of AI text refinement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SyncFlushDuration, err = m.Float64Histogram("dictare.sync.flush.duration",
		metric.WithDescription("Duration of a full sync queue flush pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsCompleted, err = m.Int64Counter("dictare.sessions.completed",
		metric.WithDescription("Total finished dictation sessions by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.LearningPrompts, err = m.Int64Counter("dictare.learning.prompts",
		metric.WithDescription("Total clarification prompts shown by kind."),
	); err != nil {
		return nil, err
	}
	if met.PatternObservations, err = m.Int64Counter("dictare.learning.observations",
		metric.WithDescription("Total accepted pattern observations."),
	); err != nil {
		return nil, err
	}
	if met.SyncOperations, err = m.Int64Counter("dictare.sync.operations",
		metric.WithDescription("Total sync queue deliveries by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("dictare.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dictare.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SyncErrors, err = m.Int64Counter("dictare.sync.errors",
		metric.WithDescription("Total failed sync deliveries by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dictare.active_sessions",
		metric.WithDescription("Number of in-flight dictation sessions."),
	); err != nil {
		return nil, err
	}
	if met.SyncQueueDepth, err = m.Int64UpDownCounter("dictare.sync.queue_depth",
		metric.WithDescription("Number of pending sync operations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dictare.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionCompleted records a finished session with its mode and outcome.
func (m *Metrics) RecordSessionCompleted(ctx context.Context, mode, outcome string) {
	m.SessionsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordLearningPrompt records a clarification prompt shown to the user.
func (m *Metrics) RecordLearningPrompt(ctx context.Context, kind string) {
	m.LearningPrompts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSyncOperation records a sync queue delivery attempt outcome.
func (m *Metrics) RecordSyncOperation(ctx context.Context, kind, status string) {
	m.SyncOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}
