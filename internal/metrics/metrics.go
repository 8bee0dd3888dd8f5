// Package metrics provides Prometheus metrics for deskline sessions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "deskline"
)

// Metrics holds every collector exported by the viewer and the agent host.
type Metrics struct {
	// Signaling
	SignalingMessages  *prometheus.CounterVec
	SignalingConnects  prometheus.Counter
	SignalingReconnect prometheus.Counter

	// Session and transport
	SessionStatus       *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	ConnectivityChanges *prometheus.CounterVec
	ChannelsOpened      *prometheus.CounterVec
	NegotiationErrors   *prometheus.CounterVec
	NegotiationLatency  prometheus.Histogram
	MalformedMessages   *prometheus.CounterVec

	// Input
	InputEvents  *prometheus.CounterVec
	InputDropped *prometheus.CounterVec

	// Terminal
	TerminalBytes    *prometheus.CounterVec
	TerminalSessions prometheus.Gauge

	// File transfer
	TransferBytes    *prometheus.CounterVec
	TransferChunks   *prometheus.CounterVec
	TransferOutcomes *prometheus.CounterVec
	TransfersActive  prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SignalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by direction and type",
		}, []string{"direction", "type"}),
		SignalingConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_connects_total",
			Help:      "Successful signaling socket connections",
		}),
		SignalingReconnect: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_reconnect_attempts_total",
			Help:      "Signaling reconnect attempts",
		}),

		SessionStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_status_transitions_total",
			Help:      "Session status transitions by target status",
		}, []string{"status"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently connected",
		}),
		ConnectivityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_changes_total",
			Help:      "Peer connectivity state changes by state",
		}, []string{"state"}),
		ChannelsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Data channels opened by label",
		}, []string{"label"}),
		NegotiationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_errors_total",
			Help:      "Offer/answer/candidate failures by stage",
		}, []string{"stage"}),
		NegotiationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_latency_seconds",
			Help:      "Time from session start to peer connectivity",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		MalformedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Messages dropped because they could not be decoded, by channel",
		}, []string{"channel"}),

		InputEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_total",
			Help:      "Input events forwarded by kind",
		}, []string{"kind"}),
		InputDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_dropped_total",
			Help:      "Input events dropped by reason",
		}, []string{"reason"}),

		TerminalBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_bytes_total",
			Help:      "Terminal bytes by direction",
		}, []string{"direction"}),
		TerminalSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "terminal_sessions_active",
			Help:      "Running terminal sessions",
		}),

		TransferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File transfer payload bytes by direction",
		}, []string{"direction"}),
		TransferChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_chunks_total",
			Help:      "File transfer chunks by direction",
		}, []string{"direction"}),
		TransferOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by direction and final state",
		}, []string{"direction", "state"}),
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Transfers currently in progress",
		}),
	}
}

// RecordSignaling counts a signaling message. direction is "in" or "out".
func (m *Metrics) RecordSignaling(direction, msgType string) {
	m.SignalingMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordSessionStatus counts a status transition and tracks the connected gauge.
func (m *Metrics) RecordSessionStatus(from, to string) {
	m.SessionStatus.WithLabelValues(to).Inc()
	if to == "connected" && from != "connected" {
		m.SessionsActive.Inc()
	} else if from == "connected" && to != "connected" {
		m.SessionsActive.Dec()
	}
}

// RecordConnectivity counts a connectivity state change.
func (m *Metrics) RecordConnectivity(state string) {
	m.ConnectivityChanges.WithLabelValues(state).Inc()
}

// RecordChannelOpen counts a data channel becoming usable.
func (m *Metrics) RecordChannelOpen(label string) {
	m.ChannelsOpened.WithLabelValues(label).Inc()
}

// RecordNegotiationError counts a failed negotiation step.
func (m *Metrics) RecordNegotiationError(stage string) {
	m.NegotiationErrors.WithLabelValues(stage).Inc()
}

// RecordMalformed counts a dropped, undecodable message.
func (m *Metrics) RecordMalformed(channel string) {
	m.MalformedMessages.WithLabelValues(channel).Inc()
}

// RecordInput counts a forwarded input event.
func (m *Metrics) RecordInput(kind string) {
	m.InputEvents.WithLabelValues(kind).Inc()
}

// RecordInputDropped counts a gated input event.
func (m *Metrics) RecordInputDropped(reason string) {
	m.InputDropped.WithLabelValues(reason).Inc()
}

// RecordTerminalBytes counts terminal payload bytes.
func (m *Metrics) RecordTerminalBytes(direction string, n int) {
	m.TerminalBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordChunk counts one transfer chunk of n bytes.
func (m *Metrics) RecordChunk(direction string, n int) {
	m.TransferChunks.WithLabelValues(direction).Inc()
	m.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordTransferStart marks a transfer as active.
func (m *Metrics) RecordTransferStart() {
	m.TransfersActive.Inc()
}

// RecordTransferEnd records the final state of an active transfer.
func (m *Metrics) RecordTransferEnd(direction, state string) {
	m.TransfersActive.Dec()
	m.TransferOutcomes.WithLabelValues(direction, state).Inc()
}
