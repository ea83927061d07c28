// Package observe provides application-wide observability primitives for
// Haywire: OpenTelemetry metrics, tracing helpers, HTTP middleware, and the
// minute-cadence metrics.json writer.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Haywire metrics.
const meterName = "github.com/haywire-radio/haywire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per generation stage ---

	// ScriptDuration tracks script synthesis latency.
	ScriptDuration metric.Float64Histogram

	// TTSDuration tracks voice synthesis latency.
	TTSDuration metric.Float64Histogram

	// MixDuration tracks ffmpeg mix latency.
	MixDuration metric.Float64Histogram

	// GenerationDuration tracks end-to-end break generation latency.
	GenerationDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("capability", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TaskRuns counts scheduler task runs. Use with attributes:
	//   attribute.String("task", ...), attribute.String("status", ...)
	TaskRuns metric.Int64Counter

	// PlaysRecorded counts play-history rows by source.
	PlaysRecorded metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("capability", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// PushClients tracks the number of connected SSE clients.
	PushClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// generation-pipeline latencies, which run into tens of seconds.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ScriptDuration, err = m.Float64Histogram("haywire.script.duration",
		metric.WithDescription("Latency of script synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("haywire.tts.duration",
		metric.WithDescription("Latency of voice synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixDuration, err = m.Float64Histogram("haywire.mix.duration",
		metric.WithDescription("Latency of the ffmpeg mix."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = m.Float64Histogram("haywire.generation.duration",
		metric.WithDescription("End-to-end break generation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("haywire.provider.requests",
		metric.WithDescription("Total provider API requests by provider, capability, and status."),
	); err != nil {
		return nil, err
	}
	if met.TaskRuns, err = m.Int64Counter("haywire.task.runs",
		metric.WithDescription("Total scheduler task runs by task and status."),
	); err != nil {
		return nil, err
	}
	if met.PlaysRecorded, err = m.Int64Counter("haywire.plays.recorded",
		metric.WithDescription("Total play-history rows by source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("haywire.provider.errors",
		metric.WithDescription("Total provider errors by provider and capability."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PushClients, err = m.Int64UpDownCounter("haywire.push.clients",
		metric.WithDescription("Number of connected SSE clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("haywire.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, capability, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("capability", capability),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, capability string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("capability", capability),
		),
	)
}

// RecordTaskRun records a scheduler task run by task name and outcome.
func (m *Metrics) RecordTaskRun(ctx context.Context, task, status string) {
	m.TaskRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("status", status),
		),
	)
}

// RecordStageDuration records a generation-stage latency on the matching
// histogram. Unknown stage names are dropped.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case "script":
		h = m.ScriptDuration
	case "tts":
		h = m.TTSDuration
	case "mix":
		h = m.MixDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordGeneration records the end-to-end break generation latency with its
// outcome.
func (m *Metrics) RecordGeneration(ctx context.Context, d time.Duration, status string) {
	m.GenerationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPlay records one play-history row by source.
func (m *Metrics) RecordPlay(ctx context.Context, source string) {
	m.PlaysRecorded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
