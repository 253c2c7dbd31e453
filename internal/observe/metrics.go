// Package observe provides application-wide observability primitives for
// cadence: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all cadence metrics.
const meterName = "github.com/MrWong99/cadence"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage turn latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("outcome", ...), attribute.String("tier", ...)
	Turns metric.Int64Counter

	// SilenceRefusals counts gate refusals. Use with attributes:
	//   attribute.String("gate", ...), attribute.String("phase", ...)
	SilenceRefusals metric.Int64Counter

	// BudgetOverruns counts turns that exceeded the latency budget.
	BudgetOverruns metric.Int64Counter

	// RecognitionEvents counts ingested recognition events. Use with attribute:
	//   attribute.Bool("final", ...)
	RecognitionEvents metric.Int64Counter

	// ProviderRequests counts collaborator calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts collaborator errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DegradedSessions tracks the number of sessions in degraded mode.
	DegradedSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stageDurationName is the stage histogram; [StageDurationView] rebuckets it.
const stageDurationName = "cadence.pipeline.stage.duration"

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram(stageDurationName,
		metric.WithDescription("Latency of a pipeline turn stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("cadence.pipeline.turns",
		metric.WithDescription("Total pipeline turns by outcome and reasoning tier."),
	); err != nil {
		return nil, err
	}
	if met.SilenceRefusals, err = m.Int64Counter("cadence.silence.refusals",
		metric.WithDescription("Total silence gate refusals by gate and phase."),
	); err != nil {
		return nil, err
	}
	if met.BudgetOverruns, err = m.Int64Counter("cadence.pipeline.budget_overruns",
		metric.WithDescription("Total turns that exceeded the latency budget."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionEvents, err = m.Int64Counter("cadence.recognition.events",
		metric.WithDescription("Total ingested speech-recognition events."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("cadence.provider.requests",
		metric.WithDescription("Total collaborator requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("cadence.provider.errors",
		metric.WithDescription("Total collaborator errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("cadence.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.DegradedSessions, err = m.Int64UpDownCounter("cadence.degraded_sessions",
		metric.WithDescription("Number of call sessions currently in degraded mode."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("cadence.http.request.duration",
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

// RecordStage records one stage latency in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordTurn records a completed turn with its outcome and tier.
func (m *Metrics) RecordTurn(ctx context.Context, outcome, tier string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("tier", tier),
		),
	)
}

// RecordSilenceRefusal records a gate refusal. phase is "pre" or "post".
func (m *Metrics) RecordSilenceRefusal(ctx context.Context, gate, phase string) {
	m.SilenceRefusals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gate", gate),
			attribute.String("phase", phase),
		),
	)
}

// RecordRecognitionEvent records one ingested recognition event.
func (m *Metrics) RecordRecognitionEvent(ctx context.Context, final bool) {
	m.RecognitionEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
