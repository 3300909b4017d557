// Package observe provides application-wide observability primitives for
// the PiRemote bridge: OpenTelemetry metrics and the Prometheus exporter
// bridge that serves them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is installed by [InitProvider] so that everything can be scraped
// from the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/piremote/piremote"

// Metrics holds all OpenTelemetry metric instruments for the bridge. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio transport counters ---

	// AudioPacketsSent counts datagrams transmitted. Use with attribute:
	//   attribute.String("stream", "tx"|"rx")
	AudioPacketsSent metric.Int64Counter

	// AudioPacketsReceived counts datagrams accepted into the jitter buffer.
	AudioPacketsReceived metric.Int64Counter

	// AudioPacketsLost counts expected sequences that never played.
	AudioPacketsLost metric.Int64Counter

	// AudioPacketsDiscarded counts duplicates and packets arriving later
	// than the jitter window. Use with attribute:
	//   attribute.String("reason", "duplicate"|"stale")
	AudioPacketsDiscarded metric.Int64Counter

	// AudioUnderruns counts playback ticks resolved with silence.
	AudioUnderruns metric.Int64Counter

	// DecodeFailures counts corrupt frames replaced by silence.
	DecodeFailures metric.Int64Counter

	// --- Control link counters ---

	// ControlFrames counts real (non-heartbeat) frames relayed. Use with
	// attribute: attribute.String("direction", "sent"|"received")
	ControlFrames metric.Int64Counter

	// ControlHeartbeats counts heartbeat frames. Same direction attribute.
	ControlHeartbeats metric.Int64Counter

	// ControlQueueDrops counts outbound frames dropped because the peer was
	// not draining the bounded write queue.
	ControlQueueDrops metric.Int64Counter

	// --- Session / failover ---

	// SessionTransitions counts supervisor state entries. Use with
	// attribute: attribute.String("state", ...)
	SessionTransitions metric.Int64Counter

	// FailoverAdvances counts endpoint advances after connect failures.
	FailoverAdvances metric.Int64Counter

	// SessionActive tracks whether a bridged session is currently live.
	SessionActive metric.Int64UpDownCounter

	// ConnectDuration tracks control handshake latency per attempt.
	ConnectDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LAN connect attempts up to the connect timeout.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AudioPacketsSent, err = m.Int64Counter("piremote.audio.packets_sent",
		metric.WithDescription("Audio datagrams transmitted by stream."),
	); err != nil {
		return nil, err
	}
	if met.AudioPacketsReceived, err = m.Int64Counter("piremote.audio.packets_received",
		metric.WithDescription("Audio datagrams accepted into the jitter buffer."),
	); err != nil {
		return nil, err
	}
	if met.AudioPacketsLost, err = m.Int64Counter("piremote.audio.packets_lost",
		metric.WithDescription("Expected audio sequences that never played."),
	); err != nil {
		return nil, err
	}
	if met.AudioPacketsDiscarded, err = m.Int64Counter("piremote.audio.packets_discarded",
		metric.WithDescription("Audio datagrams discarded by reason (duplicate, stale)."),
	); err != nil {
		return nil, err
	}
	if met.AudioUnderruns, err = m.Int64Counter("piremote.audio.underruns",
		metric.WithDescription("Playback ticks resolved with substituted silence."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("piremote.audio.decode_failures",
		metric.WithDescription("Corrupt compressed frames replaced by silence."),
	); err != nil {
		return nil, err
	}

	if met.ControlFrames, err = m.Int64Counter("piremote.control.frames",
		metric.WithDescription("Control frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.ControlHeartbeats, err = m.Int64Counter("piremote.control.heartbeats",
		metric.WithDescription("Heartbeat frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.ControlQueueDrops, err = m.Int64Counter("piremote.control.queue_drops",
		metric.WithDescription("Outbound control frames dropped on a full write queue."),
	); err != nil {
		return nil, err
	}

	if met.SessionTransitions, err = m.Int64Counter("piremote.session.transitions",
		metric.WithDescription("Supervisor state entries by state."),
	); err != nil {
		return nil, err
	}
	if met.FailoverAdvances, err = m.Int64Counter("piremote.failover.advances",
		metric.WithDescription("Endpoint advances after connection failures."),
	); err != nil {
		return nil, err
	}
	if met.SessionActive, err = m.Int64UpDownCounter("piremote.session.active",
		metric.WithDescription("Whether a bridged session is currently live."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("piremote.connect.duration",
		metric.WithDescription("Control handshake latency per attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordTransition records a supervisor state entry.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordDiscard records a discarded audio datagram with its reason.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	m.AudioPacketsDiscarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// WithDirection returns the standard direction attribute set for control
// link instruments.
func WithDirection(direction string) metric.AddOption {
	return metric.WithAttributes(attribute.String("direction", direction))
}

// WithStream returns the standard stream attribute set for audio transport
// instruments.
func WithStream(stream string) metric.AddOption {
	return metric.WithAttributes(attribute.String("stream", stream))
}

// EndpointAttr tags a measurement with the radio-unit endpoint it concerns.
func EndpointAttr(addr string) attribute.KeyValue {
	return attribute.String("endpoint", addr)
}
