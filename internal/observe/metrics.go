// Package observe provides application-wide observability primitives for
// voicectl: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicectl metrics.
const meterName = "github.com/MrWong99/voicectl"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Dispatch ---

	// TokensDispatched counts tokens taken from a word source and offered to
	// the control set.
	TokensDispatched metric.Int64Counter

	// ControlsFired counts controls that returned a non-unused result. Use
	// with attributes:
	//   attribute.String("control", ...), attribute.String("result", ...)
	ControlsFired metric.Int64Counter

	// ActionErrors counts failed or panicking actions. Use with attribute:
	//   attribute.String("control", ...)
	ActionErrors metric.Int64Counter

	// ModalCaptures counts completed modal captures. Use with attribute:
	//   attribute.String("control", ...)
	ModalCaptures metric.Int64Counter

	// ActionDuration tracks how long synchronous actions run.
	ActionDuration metric.Float64Histogram

	// CompletionWait tracks how long a session was paused waiting for an
	// asynchronous completion. Use with attribute:
	//   attribute.String("outcome", "completed"|"timeout"|"cancelled")
	CompletionWait metric.Float64Histogram

	// --- Providers ---

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.TokensDispatched, err = m.Int64Counter("voicectl.tokens.dispatched",
		metric.WithDescription("Total tokens offered to a session's controls."),
	); err != nil {
		return nil, err
	}
	if met.ControlsFired, err = m.Int64Counter("voicectl.controls.fired",
		metric.WithDescription("Total controls that consumed a token, by control and result."),
	); err != nil {
		return nil, err
	}
	if met.ActionErrors, err = m.Int64Counter("voicectl.action.errors",
		metric.WithDescription("Total failed or panicking control actions by control."),
	); err != nil {
		return nil, err
	}
	if met.ModalCaptures, err = m.Int64Counter("voicectl.modal.captures",
		metric.WithDescription("Total completed modal captures by control."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicectl.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicectl.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ActionDuration, err = m.Float64Histogram("voicectl.action.duration",
		metric.WithDescription("Latency of synchronous control actions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionWait, err = m.Float64Histogram("voicectl.completion.wait",
		metric.WithDescription("Time a session spent paused on asynchronous completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicectl.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicectl.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicectl.http.request.duration",
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

// RecordControlFired records a control that consumed a token.
func (m *Metrics) RecordControlFired(ctx context.Context, control, result string) {
	m.ControlsFired.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("control", control),
			attribute.String("result", result),
		),
	)
}

// RecordActionError records a failed action.
func (m *Metrics) RecordActionError(ctx context.Context, control string) {
	m.ActionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("control", control)))
}

// RecordModalCapture records a completed modal capture.
func (m *Metrics) RecordModalCapture(ctx context.Context, control string) {
	m.ModalCaptures.Add(ctx, 1, metric.WithAttributes(attribute.String("control", control)))
}

// RecordCompletionWait records a finished wait for asynchronous completion.
func (m *Metrics) RecordCompletionWait(ctx context.Context, seconds float64, outcome string) {
	m.CompletionWait.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
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
