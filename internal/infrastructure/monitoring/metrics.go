// Package monitoring exposes Prometheus metrics for the kernel and its
// diagnostic HTTP surface.
package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Kernel metrics
	SyscallsTotal   *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	QueueRejections prometheus.Counter
	ContextSwitches prometheus.Counter
	Faults          prometheus.Counter
	ProcessesActive prometheus.Gauge
	ServersActive   prometheus.Gauge
	PagesFree       prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalSyscalls int64   `json:"total_syscalls"`
	TotalSends    int64   `json:"total_sends"`
	TotalDuration float64 `json:"-"`
	RequestCount  int64   `json:"-"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Kernel metrics
		SyscallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_total",
				Help: "Total number of dispatched syscalls",
			},
			[]string{"kind"},
		),
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_messages_total",
				Help: "Total number of sent messages by transfer kind",
			},
			[]string{"kind"},
		),
		QueueRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_queue_rejections_total",
				Help: "Total number of sends rejected by a full server queue",
			},
		),
		ContextSwitches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_context_switches_total",
				Help: "Total number of process activations",
			},
		),
		Faults: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_faults_total",
				Help: "Total number of process-terminating hardware faults",
			},
		),
		ProcessesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_processes_active",
				Help: "Number of live processes",
			},
		),
		ServersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_servers_active",
				Help: "Number of registered server endpoints",
			},
		),
		PagesFree: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_pages_free",
				Help: "Number of unallocated physical pages",
			},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ws_connections",
				Help: "Number of active WebSocket event subscribers",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Kernel uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSyscall records one dispatched syscall by event kind.
func (m *Metrics) RecordSyscall(kind string) {
	m.SyscallsTotal.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.TotalSyscalls++
	m.mu.Unlock()
}

// RecordSend records one sent message by transfer kind.
func (m *Metrics) RecordSend(kind string) {
	m.MessagesTotal.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.TotalSends++
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SetProcessesActive sets the live process gauge.
func (m *Metrics) SetProcessesActive(count int) {
	m.ProcessesActive.Set(float64(count))
}

// SetServersActive sets the registered server gauge.
func (m *Metrics) SetServersActive(count int) {
	m.ServersActive.Set(float64(count))
}

// SetPagesFree sets the free page gauge.
func (m *Metrics) SetPagesFree(count int) {
	m.PagesFree.Set(float64(count))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// GetSnapshot returns a copy of the current snapshot values.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// AvgRequestDuration returns the mean HTTP request duration in seconds.
func (m *Metrics) AvgRequestDuration() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot.RequestCount == 0 {
		return 0
	}
	return m.snapshot.TotalDuration / float64(m.snapshot.RequestCount)
}
