// Package observe provides application-wide observability primitives for
// Cadenza: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cadenza metrics.
const meterName = "github.com/MrWong99/cadenza"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SynthesisDuration tracks per-clause text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// LLMStreamDuration tracks the time from completion request to the final
	// streamed chunk.
	LLMStreamDuration metric.Float64Histogram

	// --- Counters ---

	// Clauses counts synthesis clauses dispatched to a TTS backend. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	Clauses metric.Int64Counter

	// --- Error counters ---

	// SynthesisErrors counts failed synthesis calls. Use with attribute:
	//   attribute.String("provider", ...)
	SynthesisErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth samples the number of clauses waiting in the synthesis queue.
	QueueDepth metric.Int64Gauge

	// Backlog samples the decoded-but-unplayed sample count in the playback
	// buffer.
	Backlog metric.Int64Gauge

	// ActiveSessions tracks the number of live speech sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
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
	if met.SynthesisDuration, err = m.Float64Histogram("cadenza.synthesis.duration",
		metric.WithDescription("Latency of per-clause speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMStreamDuration, err = m.Float64Histogram("cadenza.llm.stream.duration",
		metric.WithDescription("Duration of a streamed LLM completion, request to final chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Clauses, err = m.Int64Counter("cadenza.clauses",
		metric.WithDescription("Total synthesis clauses by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SynthesisErrors, err = m.Int64Counter("cadenza.synthesis.errors",
		metric.WithDescription("Total failed synthesis calls by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64Gauge("cadenza.queue.depth",
		metric.WithDescription("Clauses waiting in the synthesis queue."),
	); err != nil {
		return nil, err
	}
	if met.Backlog, err = m.Int64Gauge("cadenza.backlog.samples",
		metric.WithDescription("Decoded-but-unplayed samples in the playback buffer."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("cadenza.active_sessions",
		metric.WithDescription("Number of live speech sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cadenza.http.request.duration",
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

// RecordClause is a convenience method that records a dispatched clause with
// the standard attribute set.
func (m *Metrics) RecordClause(ctx context.Context, provider, status string) {
	m.Clauses.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSynthesisError is a convenience method that records a failed
// synthesis call.
func (m *Metrics) RecordSynthesisError(ctx context.Context, provider string) {
	m.SynthesisErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordLLMStream records the duration of one completion stream, from request
// to channel close.
func (m *Metrics) RecordLLMStream(ctx context.Context, provider string, elapsed time.Duration) {
	m.LLMStreamDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// ObserveQueueDepth samples the current synthesis queue depth.
func (m *Metrics) ObserveQueueDepth(ctx context.Context, depth int) {
	m.QueueDepth.Record(ctx, int64(depth))
}

// ObserveBacklog samples the current playback backlog in samples.
func (m *Metrics) ObserveBacklog(ctx context.Context, samples int) {
	m.Backlog.Record(ctx, int64(samples))
}
