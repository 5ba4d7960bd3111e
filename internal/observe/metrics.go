// Package observe provides application-wide observability primitives for
// Loqui: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Loqui metrics.
const meterName = "github.com/loqui-ai/loqui"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks recognition-pass latency by backend.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// StreamConsumeDuration tracks per-entry processing latency in the
	// collector's consumer loop.
	StreamConsumeDuration metric.Float64Histogram

	// PromoterTickDuration tracks the duration of one immutability-promoter tick.
	PromoterTickDuration metric.Float64Histogram

	// --- Counters ---

	// StreamEntries counts consumed stream entries. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	StreamEntries metric.Int64Counter

	// Decisions counts decision items by outcome. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	Decisions metric.Int64Counter

	// DedupHits counts discarded duplicates. Use with attribute:
	//   attribute.String("rule", "jaccard"|"containment"|"llm")
	DedupHits metric.Int64Counter

	// SegmentsPromoted counts segments moved from the mutable map to the
	// durable store.
	SegmentsPromoted metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts upstream errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live gateway sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveMeetings tracks meetings with mutable segments in the collector.
	ActiveMeetings metric.Int64UpDownCounter

	// SSESubscribers tracks connected decision-stream subscribers.
	SSESubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-pipeline latencies.
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
	if met.ASRDuration, err = m.Float64Histogram("loqui.asr.duration",
		metric.WithDescription("Latency of one recognition pass by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("loqui.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamConsumeDuration, err = m.Float64Histogram("loqui.stream.consume.duration",
		metric.WithDescription("Per-entry processing latency in the stream consumer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PromoterTickDuration, err = m.Float64Histogram("loqui.promoter.tick.duration",
		metric.WithDescription("Duration of one immutability-promoter tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StreamEntries, err = m.Int64Counter("loqui.stream.entries",
		metric.WithDescription("Total consumed stream entries by type and status."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("loqui.decisions.items",
		metric.WithDescription("Total decision items by type and status."),
	); err != nil {
		return nil, err
	}
	if met.DedupHits, err = m.Int64Counter("loqui.decisions.dedup_hits",
		metric.WithDescription("Total duplicates discarded by rule."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPromoted, err = m.Int64Counter("loqui.segments.promoted",
		metric.WithDescription("Total segments promoted to the durable store."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("loqui.provider.errors",
		metric.WithDescription("Total upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqui.active_sessions",
		metric.WithDescription("Number of live gateway sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveMeetings, err = m.Int64UpDownCounter("loqui.active_meetings",
		metric.WithDescription("Number of meetings with mutable segments."),
	); err != nil {
		return nil, err
	}
	if met.SSESubscribers, err = m.Int64UpDownCounter("loqui.sse_subscribers",
		metric.WithDescription("Number of connected decision-stream subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loqui.http.request.duration",
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

// RecordStreamEntry records a consumed stream entry with the standard
// attribute set.
func (m *Metrics) RecordStreamEntry(ctx context.Context, entryType, status string) {
	m.StreamEntries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", entryType),
			attribute.String("status", status),
		),
	)
}

// RecordDecision records a decision-item outcome with the standard attribute set.
func (m *Metrics) RecordDecision(ctx context.Context, itemType, status string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", itemType),
			attribute.String("status", status),
		),
	)
}

// RecordDedupHit records one discarded duplicate by rule.
func (m *Metrics) RecordDedupHit(ctx context.Context, rule string) {
	m.DedupHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordProviderError records an upstream error with the standard attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
