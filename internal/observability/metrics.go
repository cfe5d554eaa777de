package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all node metrics implementing the golden 4 signals:
// - Latency: How long handler invocations and admin requests take
// - Traffic: Packet and request throughput
// - Errors: Rate of failures and drops
// - Saturation: Queue depth, live sources, connected peers
type Metrics struct {
	meter metric.Meter

	// Admin HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Dispatch metrics (Latency, Traffic, Errors, Saturation)
	DispatchDuration metric.Float64Histogram
	PacketsDelivered metric.Int64Counter
	HandlerErrors    metric.Int64Counter
	PacketsDropped   metric.Int64Counter
	GiveUps          metric.Int64Counter
	SourcesEvicted   metric.Int64Counter
	QueueDepth       metric.Int64Gauge
	ActiveSources    metric.Int64Gauge

	// Transport metrics (Traffic, Errors, Saturation)
	PacketsReceived metric.Int64Counter
	TransportErrors metric.Int64Counter
	PeersConnected  metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fairdispatch")
	m := &Metrics{meter: meter}

	// Admin HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of admin HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of admin HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatch metrics
	m.DispatchDuration, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		metric.WithDescription("Handler invocation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PacketsDelivered, err = meter.Int64Counter(
		"dispatch_delivered_total",
		metric.WithDescription("Total packets successfully delivered to the handler"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter(
		"dispatch_handler_errors_total",
		metric.WithDescription("Total handler invocations that failed (packet consumed anyway)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PacketsDropped, err = meter.Int64Counter(
		"dispatch_dropped_total",
		metric.WithDescription("Total packets dropped because a source queue was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GiveUps, err = meter.Int64Counter(
		"dispatch_giveups_total",
		metric.WithDescription("Total scheduling turns abandoned after too many skips"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SourcesEvicted, err = meter.Int64Counter(
		"dispatch_sources_evicted_total",
		metric.WithDescription("Total sources evicted after repeated give-ups"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"dispatch_queue_depth",
		metric.WithDescription("Current packets queued across all sources (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveSources, err = meter.Int64Gauge(
		"dispatch_active_sources",
		metric.WithDescription("Current number of sources in the scheduling ring"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Transport metrics
	m.PacketsReceived, err = meter.Int64Counter(
		"transport_packets_received_total",
		metric.WithDescription("Total packets received from peers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransportErrors, err = meter.Int64Counter(
		"transport_errors_total",
		metric.WithDescription("Total transport failures (handshake, decode, disconnect)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PeersConnected, err = meter.Int64UpDownCounter(
		"transport_peers_connected",
		metric.WithDescription("Number of currently connected peers (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records admin HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDelivered records a successful handler invocation with its duration.
func (m *Metrics) RecordDelivered(ctx context.Context, durationSeconds float64) {
	m.PacketsDelivered.Add(ctx, 1)
	m.DispatchDuration.Record(ctx, durationSeconds)
}

// RecordHandlerError records a failed handler invocation.
func (m *Metrics) RecordHandlerError(ctx context.Context) {
	m.HandlerErrors.Add(ctx, 1)
}

// RecordOverflowDropped records a packet dropped on a full source queue.
func (m *Metrics) RecordOverflowDropped(ctx context.Context) {
	m.PacketsDropped.Add(ctx, 1)
}

// RecordGiveUp records an abandoned scheduling turn.
func (m *Metrics) RecordGiveUp(ctx context.Context) {
	m.GiveUps.Add(ctx, 1)
}

// RecordSourceEvicted records a source eviction.
func (m *Metrics) RecordSourceEvicted(ctx context.Context) {
	m.SourcesEvicted.Add(ctx, 1)
}

// RecordQueueDepth records the current total queue depth.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordSourceCount records the current number of live sources.
func (m *Metrics) RecordSourceCount(ctx context.Context, count int64) {
	m.ActiveSources.Record(ctx, count)
}

// RecordPacketReceived records a packet arriving from a peer.
func (m *Metrics) RecordPacketReceived(ctx context.Context) {
	m.PacketsReceived.Add(ctx, 1)
}

// RecordTransportError records a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordPeerConnected records a peer connecting or disconnecting.
func (m *Metrics) RecordPeerConnected(ctx context.Context, delta int64) {
	m.PeersConnected.Add(ctx, delta)
}
