// Package observe provides application-wide observability primitives for
// HyperMind: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all HyperMind metrics.
const meterName = "github.com/hypermanager/hypermind"

// Frame drop reasons recorded on FramesDropped.
const (
	DropNotOpen      = "not_open"
	DropBackpressure = "backpressure"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice session ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long voice sessions last, by close reason.
	SessionDuration metric.Float64Histogram

	// FramesSent counts captured frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that were never sent. Use with
	// attribute.String("reason", DropNotOpen|DropBackpressure).
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts decoded output chunks placed on the timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts output chunks that could not be decoded. Use with
	//   attribute.String("mime", ...)
	DecodeErrors metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with
	//   attribute.Int("attempt", ...)
	Reconnects metric.Int64Counter

	// PlaybackLead tracks how far the playback cursor runs ahead of the
	// output clock after each scheduled chunk.
	PlaybackLead metric.Float64Histogram

	// --- Request/response providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ProviderDuration tracks provider call latency by kind.
	ProviderDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// and playback latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers voice sessions from seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice session.
	if met.ActiveSessions, err = m.Int64UpDownCounter("hypermind.voice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("hypermind.voice.session.duration",
		metric.WithDescription("Lifetime of voice sessions by close reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("hypermind.voice.frames.sent",
		metric.WithDescription("Captured audio frames sent to the live endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("hypermind.voice.frames.dropped",
		metric.WithDescription("Captured audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("hypermind.voice.chunks.scheduled",
		metric.WithDescription("Decoded output chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("hypermind.voice.decode.errors",
		metric.WithDescription("Output chunks dropped because they failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("hypermind.voice.reconnects",
		metric.WithDescription("Reconnection attempts by attempt number."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("hypermind.voice.playback.lead",
		metric.WithDescription("Scheduled audio ahead of the output clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("hypermind.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hypermind.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("hypermind.provider.duration",
		metric.WithDescription("Latency of provider API requests by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hypermind.http.request.duration",
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

// RecordFrameDropped records one dropped capture frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReconnect records one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, attempt int) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordDecodeError records one undecodable output chunk.
func (m *Metrics) RecordDecodeError(ctx context.Context, mime string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("mime", mime)))
}

// RecordSessionClosed records the lifetime of a finished voice session.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string, lifetime time.Duration) {
	m.SessionDuration.Record(ctx, lifetime.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
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
