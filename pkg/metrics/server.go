package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServerMetrics provides observability for the connection machinery.
//
// Implementations record connection lifecycle, wire traffic and lock
// contention. The interface is optional - when nil is handed to the
// server a no-op implementation is used with zero overhead.
type ServerMetrics interface {
	// RecordConnectionAccepted increments the accepted connections total.
	RecordConnectionAccepted()

	// RecordConnectionRejected increments the rejected connections total
	// (maxclients or protected-mode refusals).
	RecordConnectionRejected()

	// SetConnectedClients updates the connected client gauge for one
	// event-loop thread.
	SetConnectedClients(thread int, count int)

	// RecordInputBytes adds to the total bytes read from client sockets.
	RecordInputBytes(n int)

	// RecordOutputBytes adds to the total bytes written to client sockets.
	RecordOutputBytes(n int)

	// SetLockLongWaits publishes the process-wide fastlock long-wait
	// counter.
	SetLockLongWaits(count uint64)
}

// NewServerMetrics creates a Prometheus-backed ServerMetrics instance, or
// a no-op one when the registry has not been initialized.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() {
		return &noopServerMetrics{}
	}

	reg := GetRegistry()

	return &serverMetrics{
		connectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "finch_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		connectionsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "finch_connections_rejected_total",
			Help: "Total number of rejected client connections",
		}),
		connectedClients: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "finch_connected_clients",
			Help: "Connected clients per event-loop thread",
		}, []string{"thread"}),
		inputBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "finch_net_input_bytes_total",
			Help: "Total bytes read from client sockets",
		}),
		outputBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "finch_net_output_bytes_total",
			Help: "Total bytes written to client sockets",
		}),
		lockLongWaits: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "finch_fastlock_long_waits",
			Help: "Process-wide count of fastlock futex parks",
		}),
	}
}

type serverMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectedClients    *prometheus.GaugeVec
	inputBytes          prometheus.Counter
	outputBytes         prometheus.Counter
	lockLongWaits       prometheus.Gauge
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *serverMetrics) RecordConnectionRejected() {
	m.connectionsRejected.Inc()
}

func (m *serverMetrics) SetConnectedClients(thread int, count int) {
	m.connectedClients.WithLabelValues(threadLabel(thread)).Set(float64(count))
}

func (m *serverMetrics) RecordInputBytes(n int) {
	m.inputBytes.Add(float64(n))
}

func (m *serverMetrics) RecordOutputBytes(n int) {
	m.outputBytes.Add(float64(n))
}

func (m *serverMetrics) SetLockLongWaits(count uint64) {
	m.lockLongWaits.Set(float64(count))
}

func threadLabel(thread int) string {
	return strconv.Itoa(thread)
}

// noopServerMetrics is used when metrics collection is disabled.
type noopServerMetrics struct{}

func (noopServerMetrics) RecordConnectionAccepted()          {}
func (noopServerMetrics) RecordConnectionRejected()          {}
func (noopServerMetrics) SetConnectedClients(int, int)       {}
func (noopServerMetrics) RecordInputBytes(int)               {}
func (noopServerMetrics) RecordOutputBytes(int)              {}
func (noopServerMetrics) SetLockLongWaits(uint64)            {}
