package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the collaboration server.
// Scraped from /metrics; the /stats route aggregates the same counters as JSON.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_auth_failures_total",
		Help: "Total authentication failures by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Message metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Document metrics
	DocumentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_documents_active",
		Help: "Current number of document replicas held in memory",
	})

	DocumentsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_documents_evicted_total",
		Help: "Total number of idle documents evicted",
	})

	DebounceFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_debounce_flushes_total",
		Help: "Total debounce flushes by trigger (timer, sync, detach, evict)",
	}, []string{"trigger"})

	UpdatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_updates_applied_total",
		Help: "Total CRDT updates applied by origin (local, bus)",
	}, []string{"origin"})

	ApplyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_apply_errors_total",
		Help: "Total CRDT updates rejected by the replica",
	})

	// Backpressure
	BroadcastsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_broadcasts_dropped_total",
		Help: "Total outbound frames dropped due to a full client queue (drop-oldest)",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_connections_rate_limited_total",
		Help: "Total connection attempts rejected by rate limiting, by scope (global, per_ip)",
	}, []string{"scope"})

	// Bus metrics
	BusMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bus_messages_sent_total",
		Help: "Total messages published to the bus",
	})

	BusMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bus_messages_received_total",
		Help: "Total messages received from the bus",
	})

	BusMessagesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bus_messages_suppressed_total",
		Help: "Total bus messages dropped by loop suppression (own instance tag)",
	})

	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coedit_bus_reconnects_total",
		Help: "Total bus reconnects",
	})

	BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_bus_connected",
		Help: "Bus connectivity (1 = connected)",
	})

	// Memory manager
	MemoryUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_memory_used_bytes",
		Help: "Process resident memory as sampled by the memory manager",
	})

	MemoryPeakBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_memory_peak_bytes",
		Help: "Peak resident memory observed since start",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		AuthFailures,
		DisconnectsTotal,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		DocumentsActive,
		DocumentsEvicted,
		DebounceFlushes,
		UpdatesApplied,
		ApplyErrors,
		BroadcastsDropped,
		RateLimited,
		BusMessagesSent,
		BusMessagesReceived,
		BusMessagesSuppressed,
		BusReconnects,
		BusConnected,
		MemoryUsedBytes,
		MemoryPeakBytes,
	)
}

// Disconnect reason constants, shared by server and metrics so the label set
// stays bounded.
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonTokenExpired   = "token_expired"
	DisconnectReasonProtocolError  = "protocol_error"
	DisconnectReasonClientClose    = "client_close"
	DisconnectReasonServerShutdown = "server_shutdown"
	DisconnectReasonHandshake      = "handshake_timeout"

	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
