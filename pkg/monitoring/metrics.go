package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded by RecordMessage
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeMalformed = "malformed"
	OutcomeStale     = "stale"
)

// SyncMetrics handles Prometheus metrics collection for the sync pipeline.
// A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	serviceName string
	registry    *prometheus.Registry

	messagesTotal       *prometheus.CounterVec
	connectionState     *prometheus.GaugeVec
	connected           *prometheus.GaugeVec
	reconnectsTotal     *prometheus.CounterVec
	snapshotsTotal      *prometheus.CounterVec
	snapshotDuration    *prometheus.HistogramVec
	refreshesTotal      *prometheus.CounterVec
	storeRecords        *prometheus.GaugeVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewSyncMetrics creates the collectors and registers them on registry.
// A nil registry gets a fresh one.
func NewSyncMetrics(serviceName string, registry *prometheus.Registry) *SyncMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &SyncMetrics{
		serviceName: serviceName,
		registry:    registry,
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_messages_total",
				Help: "Total number of messages received on the subscription channel",
			},
			[]string{"topic", "outcome", "service"},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_connection_state",
				Help: "Current subscription channel state (1 for the active state)",
			},
			[]string{"state", "service"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_connected",
				Help: "Whether the subscription channel is connected",
			},
			[]string{"service"},
		),
		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_reconnect_attempts_total",
				Help: "Total number of reconnection attempts",
			},
			[]string{"service"},
		),
		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_snapshots_total",
				Help: "Total number of snapshot fetches",
			},
			[]string{"mode", "status", "service"},
		),
		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_snapshot_duration_seconds",
				Help:    "Duration of snapshot fetches in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"mode", "service"},
		),
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_refreshes_total",
				Help: "Total number of single appointment refreshes",
			},
			[]string{"status", "service"},
		),
		storeRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_store_records",
				Help: "Number of appointments held by the live store",
			},
			[]string{"service"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
	}

	registry.MustRegister(
		m.messagesTotal,
		m.connectionState,
		m.connected,
		m.reconnectsTotal,
		m.snapshotsTotal,
		m.snapshotDuration,
		m.refreshesTotal,
		m.storeRecords,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// Registry returns the registry the collectors are registered on
func (m *SyncMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordMessage records one inbound message and what happened to it
func (m *SyncMetrics) RecordMessage(topic, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(topic, outcome, m.serviceName).Inc()
}

// RecordConnectionState marks state as the only active channel state
func (m *SyncMetrics) RecordConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s, m.serviceName).Set(v)
	}
}

// RecordConnected records the connectivity flag
func (m *SyncMetrics) RecordConnected(connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(m.serviceName).Set(v)
}

// RecordReconnect records a reconnection attempt
func (m *SyncMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordSnapshot records a snapshot fetch
func (m *SyncMetrics) RecordSnapshot(mode string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(mode, statusLabel(success), m.serviceName).Inc()
	m.snapshotDuration.WithLabelValues(mode, m.serviceName).Observe(duration.Seconds())
}

// RecordRefresh records a single appointment refresh
func (m *SyncMetrics) RecordRefresh(success bool) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(statusLabel(success), m.serviceName).Inc()
}

// SetStoreRecords records the live store size
func (m *SyncMetrics) SetStoreRecords(n int) {
	if m == nil {
		return
	}
	m.storeRecords.WithLabelValues(m.serviceName).Set(float64(n))
}

// RecordHTTPRequest records HTTP request metrics
func (m *SyncMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) status() string {
	return strconv.Itoa(rw.statusCode)
}
