// Package observe provides application-wide observability primitives for
// tarsvoice: OpenTelemetry metrics, distributed tracing, trace-aware logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tarsvoice metrics.
const meterName = "github.com/MrWong99/tarsvoice"

// Run outcomes used as the "status" attribute of [Metrics.PipelineRuns].
const (
	StatusComplete = "complete"
	StatusCached   = "cached"
	StatusError    = "error"
	StatusStopped  = "stopped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks the time from request to the last streamed chunk.
	LLMDuration metric.Float64Histogram

	// LLMFirstChunk tracks the time from request to the first streamed chunk.
	LLMFirstChunk metric.Float64Histogram

	// TTSDuration tracks synthesis plus playback time of one utterance.
	TTSDuration metric.Float64Histogram

	// FirstSentence tracks the time from query to the first emitted sentence.
	FirstSentence metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CacheLookups counts response cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheEvictions counts entries dropped for capacity.
	CacheEvictions metric.Int64Counter

	// Sentences counts sentence units emitted by the pipeline.
	Sentences metric.Int64Counter

	// PipelineRuns counts finished runs. Use with attribute:
	//   attribute.String("status", ...)
	PipelineRuns metric.Int64Counter

	// SpeechFailures counts utterances whose rendering failed.
	SpeechFailures metric.Int64Counter

	// --- Gauges ---

	// SpeechQueueDepth tracks utterances waiting for the speech worker.
	SpeechQueueDepth metric.Int64UpDownCounter

	// ActiveRuns tracks pipeline runs in flight.
	ActiveRuns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops server latency. Attributes: "method",
	// "route" (the matched mux pattern, or "unmatched") and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.LLMDuration, "tarsvoice.llm.duration", "Latency of a full LLM response stream."},
		{&met.LLMFirstChunk, "tarsvoice.llm.first_chunk", "Latency until the first LLM chunk arrives."},
		{&met.TTSDuration, "tarsvoice.tts.duration", "Latency of synthesising and playing one utterance."},
		{&met.FirstSentence, "tarsvoice.pipeline.first_sentence", "Latency from query to first emitted sentence."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "tarsvoice.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "tarsvoice.provider.errors", "Total provider errors by provider and kind."},
		{&met.CacheLookups, "tarsvoice.cache.lookups", "Response cache lookups by result."},
		{&met.CacheEvictions, "tarsvoice.cache.evictions", "Response cache entries evicted for capacity."},
		{&met.Sentences, "tarsvoice.pipeline.sentences", "Sentence units emitted by the pipeline."},
		{&met.PipelineRuns, "tarsvoice.pipeline.runs", "Finished pipeline runs by status."},
		{&met.SpeechFailures, "tarsvoice.speech.failures", "Utterances whose rendering failed."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.SpeechQueueDepth, err = m.Int64UpDownCounter("tarsvoice.speech.queue_depth",
		metric.WithDescription("Utterances waiting for the speech worker."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("tarsvoice.pipeline.active_runs",
		metric.WithDescription("Pipeline runs currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tarsvoice.http.request.duration",
		metric.WithDescription("Ops server request latency by method, route and status."),
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

// RecordCacheLookup counts one cache lookup as a hit or a miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheEviction counts one capacity eviction.
func (m *Metrics) RecordCacheEviction(ctx context.Context) {
	m.CacheEvictions.Add(ctx, 1)
}

// RecordRun counts a finished pipeline run with the given status.
func (m *Metrics) RecordRun(ctx context.Context, status string) {
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUtterance records the duration of one rendered utterance and counts
// it as a failure when err is non-nil.
func (m *Metrics) RecordUtterance(ctx context.Context, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.SpeechFailures.Add(ctx, 1)
	}
	m.TTSDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
