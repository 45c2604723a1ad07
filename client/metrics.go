package client

import (
	"strconv"
	"sync"
	"time"

	"wsclient/protocol"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionStats tracks traffic for one client connection
type ConnectionStats struct {
	mu               sync.RWMutex
	messagesSent     map[string]int64
	messagesReceived map[string]int64
	bytesSent        int64
	bytesReceived    int64
	errors           int64
	openedAt         time.Time
}

// StatsSnapshot is a point-in-time copy of ConnectionStats
type StatsSnapshot struct {
	MessagesSent            map[string]int64 `json:"messages_sent"`     // by message type
	MessagesReceived        map[string]int64 `json:"messages_received"` // by message type
	BytesSent               int64            `json:"bytes_sent"`
	BytesReceived           int64            `json:"bytes_received"`
	Errors                  int64            `json:"errors"`
	ConnectionUptimeSeconds int64            `json:"connection_uptime_seconds"`
}

func newConnectionStats() *ConnectionStats {
	return &ConnectionStats{
		messagesSent:     make(map[string]int64),
		messagesReceived: make(map[string]int64),
	}
}

func (s *ConnectionStats) markOpened() {
	s.mu.Lock()
	s.openedAt = time.Now()
	s.mu.Unlock()
}

func (s *ConnectionStats) recordSent(messageType protocol.MessageType, n int) {
	s.mu.Lock()
	s.messagesSent[messageType.String()]++
	s.bytesSent += int64(n)
	s.mu.Unlock()
}

func (s *ConnectionStats) recordReceived(messageType protocol.MessageType, n int) {
	s.mu.Lock()
	s.messagesReceived[messageType.String()]++
	s.bytesReceived += int64(n)
	s.mu.Unlock()
}

func (s *ConnectionStats) incrementErrors() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot copies the current counters
func (s *ConnectionStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := make(map[string]int64, len(s.messagesSent))
	for k, v := range s.messagesSent {
		sent[k] = v
	}
	received := make(map[string]int64, len(s.messagesReceived))
	for k, v := range s.messagesReceived {
		received[k] = v
	}

	var uptime int64
	if !s.openedAt.IsZero() {
		uptime = int64(time.Since(s.openedAt).Seconds())
	}

	return StatsSnapshot{
		MessagesSent:            sent,
		MessagesReceived:        received,
		BytesSent:               s.bytesSent,
		BytesReceived:           s.bytesReceived,
		Errors:                  s.errors,
		ConnectionUptimeSeconds: uptime,
	}
}

// Metrics holds Prometheus collectors shared by any number of clients.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	OpenConnections prometheus.Gauge
	MessagesTotal   *prometheus.CounterVec
	BytesTotal      *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	ClosesTotal     *prometheus.CounterVec
}

// NewMetrics creates the client collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsclient_open_connections",
			Help: "Number of WebSocket client connections currently open",
		}),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsclient_messages_total",
				Help: "Total WebSocket messages sent/received",
			},
			[]string{"direction", "type"},
		),
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsclient_message_bytes_total",
				Help: "Total WebSocket payload bytes sent/received",
			},
			[]string{"direction", "type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsclient_errors_total",
				Help: "Total error events raised, by error code",
			},
			[]string{"code"},
		),
		ClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsclient_closes_total",
				Help: "Total close events raised, by close status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(m.OpenConnections)
	reg.MustRegister(m.MessagesTotal)
	reg.MustRegister(m.BytesTotal)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.ClosesTotal)

	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.OpenConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.OpenConnections.Dec()
}

func (m *Metrics) messageSent(messageType protocol.MessageType, n int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues("sent", messageType.String()).Inc()
	m.BytesTotal.WithLabelValues("sent", messageType.String()).Add(float64(n))
}

func (m *Metrics) messageReceived(messageType protocol.MessageType, n int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues("received", messageType.String()).Inc()
	m.BytesTotal.WithLabelValues("received", messageType.String()).Add(float64(n))
}

func (m *Metrics) errorRaised(code protocol.ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) closeRaised(status protocol.CloseStatus) {
	if m == nil {
		return
	}
	m.ClosesTotal.WithLabelValues(strconv.Itoa(int(status))).Inc()
}
