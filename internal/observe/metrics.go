// Package observe provides application-wide observability primitives for
// skald: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all skald metrics.
const meterName = "github.com/skaldlabs/skald"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks model inference latency. Use with attributes:
	//   attribute.String("model", "asr"|"speaker"), attribute.String("outcome", ...)
	InferenceDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioBytes counts raw PCM bytes ingested across all sessions.
	AudioBytes metric.Int64Counter

	// SegmentsDetected counts speech segments closed by VAD.
	SegmentsDetected metric.Int64Counter

	// ResultsEmitted counts emitted result frames. Use with attributes:
	//   attribute.String("code", ...), attribute.String("segment_type", ...)
	ResultsEmitted metric.Int64Counter

	// DispatchRejections counts segments refused because the inference pool
	// was saturated. Use with attribute.String("model", ...).
	DispatchRejections metric.Int64Counter

	// SilenceResets counts audio-buffer silence resets.
	SilenceResets metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second local inference and multi-second cloud calls.
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
	if met.InferenceDuration, err = m.Float64Histogram("skald.inference.duration",
		metric.WithDescription("Latency of model inference by model kind and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("skald.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioBytes, err = m.Int64Counter("skald.audio.ingested.bytes",
		metric.WithDescription("Raw PCM bytes ingested across all sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDetected, err = m.Int64Counter("skald.segments.detected",
		metric.WithDescription("Speech segments closed by VAD."),
	); err != nil {
		return nil, err
	}
	if met.ResultsEmitted, err = m.Int64Counter("skald.results.emitted",
		metric.WithDescription("Result frames emitted by code and segment type."),
	); err != nil {
		return nil, err
	}
	if met.DispatchRejections, err = m.Int64Counter("skald.dispatch.rejections",
		metric.WithDescription("Segments refused because the inference pool was saturated."),
	); err != nil {
		return nil, err
	}
	if met.SilenceResets, err = m.Int64Counter("skald.buffer.silence_resets",
		metric.WithDescription("Audio buffer silence resets."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("skald.sessions.active",
		metric.WithDescription("Number of open transcription sessions."),
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

// RecordInference records one inference call's latency with the standard
// attribute set. model is "asr" or "speaker"; outcome is "ok", "timeout",
// "cancelled", or "error".
func (m *Metrics) RecordInference(ctx context.Context, model, outcome string, seconds float64) {
	m.InferenceDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordResult records one emitted result frame.
func (m *Metrics) RecordResult(ctx context.Context, code string, segmentType string) {
	m.ResultsEmitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("segment_type", segmentType),
		),
	)
}

// RecordDispatchRejection records one pool-saturation refusal.
func (m *Metrics) RecordDispatchRejection(ctx context.Context, model string) {
	m.DispatchRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("model", model)),
	)
}
