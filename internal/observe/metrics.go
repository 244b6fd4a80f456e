// Package observe provides application-wide observability primitives for
// mnemo: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all mnemo metrics.
const meterName = "github.com/mnemo-ai/mnemo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RetrievalDuration tracks memory retrieval latency (embed + search +
	// window allocation).
	RetrievalDuration metric.Float64Histogram

	// StorageDuration tracks post-response memory extraction latency.
	StorageDuration metric.Float64Histogram

	// ProviderDuration tracks upstream inference latency.
	ProviderDuration metric.Float64Histogram

	// --- Token counters ---

	// TokensStored counts billable stored tokens. Use with attribute:
	//   attribute.String("kind", "input"|"output")
	TokensStored metric.Int64Counter

	// TokensRetrieved counts tokens spliced into prompts as memory preamble.
	TokensRetrieved metric.Int64Counter

	// TokensEphemeral counts tokens counted for quota but never persisted.
	TokensEphemeral metric.Int64Counter

	// --- Counters ---

	// ProviderRequests counts upstream calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AdmissionDecisions counts billing admissions. Use with attributes:
	//   attribute.String("state", ...), attribute.String("decision", "allow"|"deny")
	AdmissionDecisions metric.Int64Counter

	// CaptureOverflows counts responses whose capture buffer overflowed, so
	// no memory was extracted from them.
	CaptureOverflows metric.Int64Counter

	// EmbedCacheLookups counts embedding-cache lookups. Use with attribute:
	//   attribute.String("outcome", "hit"|"miss")
	EmbedCacheLookups metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks inference responses currently being relayed.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Retrieval
// must fit its sub-second budget while provider calls can run for minutes, so
// the buckets span both regimes.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("mnemo.retrieval.duration",
		metric.WithDescription("Latency of memory retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StorageDuration, err = m.Float64Histogram("mnemo.storage.duration",
		metric.WithDescription("Latency of post-response memory extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("mnemo.provider.duration",
		metric.WithDescription("Latency of upstream inference calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Token counters.
	if met.TokensStored, err = m.Int64Counter("mnemo.tokens.stored",
		metric.WithDescription("Billable stored tokens by kind."),
	); err != nil {
		return nil, err
	}
	if met.TokensRetrieved, err = m.Int64Counter("mnemo.tokens.retrieved",
		metric.WithDescription("Tokens spliced into prompts as memory preamble."),
	); err != nil {
		return nil, err
	}
	if met.TokensEphemeral, err = m.Int64Counter("mnemo.tokens.ephemeral",
		metric.WithDescription("Tokens counted for quota but never persisted."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("mnemo.provider.requests",
		metric.WithDescription("Total upstream requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionDecisions, err = m.Int64Counter("mnemo.billing.admissions",
		metric.WithDescription("Admission decisions by billing state and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CaptureOverflows, err = m.Int64Counter("mnemo.capture.overflows",
		metric.WithDescription("Responses whose capture buffer overflowed."),
	); err != nil {
		return nil, err
	}
	if met.EmbedCacheLookups, err = m.Int64Counter("mnemo.embedcache.lookups",
		metric.WithDescription("Embedding cache lookups by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("mnemo.provider.errors",
		metric.WithDescription("Total upstream errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("mnemo.active_streams",
		metric.WithDescription("Inference responses currently being relayed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mnemo.http.request.duration",
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

// RecordProviderRequest records an upstream request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records an upstream failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordAdmission records one billing admission decision.
func (m *Metrics) RecordAdmission(ctx context.Context, state string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.AdmissionDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("state", state),
			attribute.String("decision", decision),
		),
	)
}

// RecordTokens records the token outcome of one request.
func (m *Metrics) RecordTokens(ctx context.Context, storedInput, storedOutput, retrieved, ephemeral int64) {
	if storedInput > 0 {
		m.TokensStored.Add(ctx, storedInput, metric.WithAttributes(attribute.String("kind", "input")))
	}
	if storedOutput > 0 {
		m.TokensStored.Add(ctx, storedOutput, metric.WithAttributes(attribute.String("kind", "output")))
	}
	if retrieved > 0 {
		m.TokensRetrieved.Add(ctx, retrieved)
	}
	if ephemeral > 0 {
		m.TokensEphemeral.Add(ctx, ephemeral)
	}
}

// EmbedCacheCounters adapts the metrics to the embedding cache's counter
// hooks.
func (m *Metrics) EmbedCacheCounters() (hit func(), miss func()) {
	ctx := context.Background()
	hit = func() {
		m.EmbedCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "hit")))
	}
	miss = func() {
		m.EmbedCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "miss")))
	}
	return hit, miss
}
