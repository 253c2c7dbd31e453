package observe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service.name resource attribute. Default: "cadence".
	ServiceName    string
	ServiceVersion string

	// LatencyBudget scales the stage-duration histogram buckets so the
	// budget boundary is always a bucket edge. Zero keeps the static buckets.
	LatencyBudget time.Duration

	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Empty disables
	// span export unless TraceExporter is set.
	OTLPEndpoint string
	OTLPInsecure bool

	// SampleRatio is the fraction of turns traced. Child spans follow their
	// parent. Zero or values of 1 and above sample everything.
	SampleRatio float64

	// TraceExporter overrides the OTLP exporter.
	TraceExporter sdktrace.SpanExporter
}

// budgetFractions are the stage bucket edges as fractions of the latency
// budget. Stage sub-budgets sit well below 1; overruns land above it.
var budgetFractions = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.75, 0.9, 1, 1.25, 1.5, 2, 3, 5,
}

// StageBuckets returns histogram boundaries in seconds for a latency budget.
func StageBuckets(budget time.Duration) []float64 {
	if budget <= 0 {
		return append([]float64(nil), latencyBuckets...)
	}
	out := make([]float64, len(budgetFractions))
	for i, f := range budgetFractions {
		// Millisecond precision keeps the edges readable in Prometheus.
		out[i] = math.Round(budget.Seconds()*f*1000) / 1000
	}
	return out
}

// StageDurationView rebuckets the stage-duration histogram for budget.
func StageDurationView(budget time.Duration) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: stageDurationName},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: StageBuckets(budget),
		}},
	)
}

// InitProvider installs global meter and tracer providers. Metrics are
// served through the Prometheus exporter bridge; spans go to the configured
// exporter, if any. The returned function flushes and shuts both down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cadence"
	}
	// Schemaless attributes merge with the SDK's own semconv schema.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if cfg.LatencyBudget > 0 {
		mpOpts = append(mpOpts, sdkmetric.WithView(StageDurationView(cfg.LatencyBudget)))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		// Spans first: the batcher may still record metrics while draining.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newTracerProvider(ctx context.Context, cfg ProviderConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}

	exp := cfg.TraceExporter
	if exp == nil && cfg.OTLPEndpoint != "" {
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		otlpExp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("observe: otlp trace exporter: %w", err)
		}
		exp = otlpExp
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
