// Package metrics holds the Prometheus collectors of one agent. Every agent
// owns its own registry so several agents can live in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "circuitnotion"

// Drop reasons for readings that never reached the wire
const (
	DropDisconnected = "disconnected"
	DropQueueFull    = "queue_full"
	DropSendFailed   = "send_failed"
	DropEncode       = "encode_failed"
)

// Metrics is a set of agent collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	readingsSent      prometheus.Counter
	readingsDropped   *prometheus.CounterVec
	readingsUnchanged prometheus.Counter
	readFailures      prometheus.Counter
	messagesReceived  prometheus.Counter
	protocolErrors    prometheus.Counter
	commands          prometheus.Counter
	connectAttempts   prometheus.Counter
	connectFailures   prometheus.Counter
	connected         prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_sent_total",
			Help: "Sensor readings written to the platform session.",
		}),
		readingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_dropped_total",
			Help: "Sensor readings dropped before reaching the platform.",
		}, []string{"reason"}),
		readingsUnchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_unchanged_total",
			Help: "Sensor readings suppressed by change detection.",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sensor_read_failures_total",
			Help: "Sensor read functions that returned an error.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Messages received from the platform.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total",
			Help: "Inbound messages discarded as malformed.",
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_commands_total",
			Help: "Device control commands dispatched.",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_attempts_total",
			Help: "Session establishment attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_failures_total",
			Help: "Failed session establishment attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected",
			Help: "1 while a platform session is established.",
		}),
	}

	m.registry.MustRegister(
		m.readingsSent, m.readingsDropped, m.readingsUnchanged, m.readFailures,
		m.messagesReceived, m.protocolErrors, m.commands,
		m.connectAttempts, m.connectFailures, m.connected,
	)
	for _, reason := range []string{DropDisconnected, DropQueueFull, DropSendFailed, DropEncode} {
		m.readingsDropped.WithLabelValues(reason)
	}
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ReadingSent() {
	if m != nil {
		m.readingsSent.Inc()
	}
}

func (m *Metrics) ReadingDropped(reason string) {
	if m != nil {
		m.readingsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ReadingUnchanged() {
	if m != nil {
		m.readingsUnchanged.Inc()
	}
}

func (m *Metrics) ReadFailed() {
	if m != nil {
		m.readFailures.Inc()
	}
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) Command() {
	if m != nil {
		m.commands.Inc()
	}
}

func (m *Metrics) ConnectAttempt() {
	if m != nil {
		m.connectAttempts.Inc()
	}
}

func (m *Metrics) ConnectFailed() {
	if m != nil {
		m.connectFailures.Inc()
	}
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	ReadingsSent      uint64            `json:"readings_sent"`
	ReadingsDropped   map[string]uint64 `json:"readings_dropped"`
	ReadingsUnchanged uint64            `json:"readings_unchanged"`
	ReadFailures      uint64            `json:"read_failures"`
	MessagesReceived  uint64            `json:"messages_received"`
	ProtocolErrors    uint64            `json:"protocol_errors"`
	Commands          uint64            `json:"commands"`
	ConnectAttempts   uint64            `json:"connect_attempts"`
	ConnectFailures   uint64            `json:"connect_failures"`
}

// Snapshot reads the current counter values
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{ReadingsDropped: map[string]uint64{}}
	if m == nil {
		return s
	}

	s.ReadingsSent = counterValue(m.readingsSent)
	s.ReadingsUnchanged = counterValue(m.readingsUnchanged)
	s.ReadFailures = counterValue(m.readFailures)
	s.MessagesReceived = counterValue(m.messagesReceived)
	s.ProtocolErrors = counterValue(m.protocolErrors)
	s.Commands = counterValue(m.commands)
	s.ConnectAttempts = counterValue(m.connectAttempts)
	s.ConnectFailures = counterValue(m.connectFailures)
	for _, reason := range []string{DropDisconnected, DropQueueFull, DropSendFailed, DropEncode} {
		s.ReadingsDropped[reason] = counterValue(m.readingsDropped.WithLabelValues(reason))
	}
	return s
}

func counterValue(c prometheus.Counter) uint64 {
	var pm dto.Metric
	if err := c.Write(&pm); err != nil {
		return 0
	}
	return uint64(pm.GetCounter().GetValue())
}
