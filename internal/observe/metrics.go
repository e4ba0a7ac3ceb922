// Package observe provides application-wide observability primitives for
// the gateway: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/sttgateway/gateway"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// BatchDispatchDuration tracks one BatchDispatcher.postAndRoute call's
	// SttClient round trip, including any circuit-breaker rejection.
	BatchDispatchDuration metric.Float64Histogram

	// EpdRoundTrip tracks the time between sending a chunk to the EPD
	// connection and the corresponding status event being processed.
	EpdRoundTrip metric.Float64Histogram

	// HTTPRequestDuration tracks control-surface HTTP request latency.
	// Use with attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EPDEventsProcessed counts EPD status events routed through
	// SessionManager.OnEPD. Use with attribute: attribute.String("status", ...)
	EPDEventsProcessed metric.Int64Counter

	// BatchesDispatched counts STT batch calls, from dispatcher ticks and
	// session flushes alike. Use with attribute: attribute.String("outcome", "ok"|"error"|"circuit_open")
	BatchesDispatched metric.Int64Counter

	// DeliveryHolesSkipped counts sequences released by
	// DeliveryReassembler.SkipHoles after a drain deadline, rather than by
	// normal in-order arrival.
	DeliveryHolesSkipped metric.Int64Counter

	// BufferRangeMisses counts work items skipped because their ring
	// buffer range had already been truncated away by dispatch time.
	BufferRangeMisses metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently tracked by
	// the SessionManager.
	ActiveSessions metric.Int64UpDownCounter

	// RingBufferBytesResident tracks total bytes currently held across all
	// sessions' ring buffers (before truncation).
	RingBufferBytesResident metric.Int64UpDownCounter

	// STTQueueDepth tracks the global BatchDispatcher queue length.
	STTQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for the gateway's sub-second-to-several-second dispatch latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BatchDispatchDuration, err = m.Float64Histogram("sttgateway.batch_dispatch.duration",
		metric.WithDescription("Latency of one BatchDispatcher round trip to SttClient."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EpdRoundTrip, err = m.Float64Histogram("sttgateway.epd.round_trip",
		metric.WithDescription("Latency between sending a chunk to EPD and its status event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sttgateway.http.request.duration",
		metric.WithDescription("Control-surface HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.EPDEventsProcessed, err = m.Int64Counter("sttgateway.epd.events_processed",
		metric.WithDescription("Total EPD status events routed to a session's FSM."),
	); err != nil {
		return nil, err
	}
	if met.BatchesDispatched, err = m.Int64Counter("sttgateway.batches_dispatched",
		metric.WithDescription("Total STT batches posted, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryHolesSkipped, err = m.Int64Counter("sttgateway.delivery.holes_skipped",
		metric.WithDescription("Total sequences released via SkipHoles after a drain deadline."),
	); err != nil {
		return nil, err
	}
	if met.BufferRangeMisses, err = m.Int64Counter("sttgateway.dispatch.buffer_range_misses",
		metric.WithDescription("Total work items skipped because their ring buffer range was already truncated."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sttgateway.active_sessions",
		metric.WithDescription("Number of sessions currently tracked by the SessionManager."),
	); err != nil {
		return nil, err
	}
	if met.RingBufferBytesResident, err = m.Int64UpDownCounter("sttgateway.ringbuffer.bytes_resident",
		metric.WithDescription("Total bytes currently resident across all sessions' ring buffers."),
	); err != nil {
		return nil, err
	}
	if met.STTQueueDepth, err = m.Int64UpDownCounter("sttgateway.dispatch.queue_depth",
		metric.WithDescription("Length of the global BatchDispatcher work queue."),
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

// RecordEPDEvent is a convenience method that records an EPD event counter
// increment with its status attribute.
func (m *Metrics) RecordEPDEvent(ctx context.Context, status string) {
	m.EPDEventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBatchDispatch is a convenience method that records a batch dispatch
// outcome counter increment.
func (m *Metrics) RecordBatchDispatch(ctx context.Context, outcome string) {
	m.BatchesDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
