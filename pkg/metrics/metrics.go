// Package metrics provides Prometheus instrumentation for Netboot Studio
// services.
//
// Metrics are opt-in: call Init during startup to enable collection. When
// disabled, Core() returns nil and call sites skip recording with zero
// overhead.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CoreMetrics holds the collectors shared by all services. Which ones a
// given service touches depends on the components it runs.
type CoreMetrics struct {
	// DHCPFrames counts sniffed DHCP frames by message type
	// (discover, offer, other, unparseable).
	DHCPFrames *prometheus.CounterVec

	// TFTPTransfers counts TFTP read requests by resolution kind
	// (ipxe, uboot, passthrough) and outcome (ok, error).
	TFTPTransfers *prometheus.CounterVec

	// BusMessages counts bus traffic by direction (publish, receive)
	// and topic.
	BusMessages *prometheus.CounterVec

	// TasksRun counts finished tasks by type and final status.
	TasksRun *prometheus.CounterVec

	// ClientsTracked is the number of client records in the store.
	ClientsTracked prometheus.Gauge

	// APIRequests counts dispatched API requests by endpoint and status.
	APIRequests *prometheus.CounterVec
}

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	core     *CoreMetrics
)

// Init enables metrics collection, building a fresh registry with the Go
// and process collectors plus the Netboot Studio core set.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	core = &CoreMetrics{
		DHCPFrames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbs_dhcp_frames_total",
				Help: "Total DHCP frames observed by the sniffer, by message type",
			},
			[]string{"type"},
		),
		TFTPTransfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbs_tftp_transfers_total",
				Help: "Total TFTP read requests by resolution kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		BusMessages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbs_bus_messages_total",
				Help: "Total bus messages by direction and topic",
			},
			[]string{"direction", "topic"},
		),
		TasksRun: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbs_tasks_run_total",
				Help: "Total tasks finished by type and final status",
			},
			[]string{"type", "status"},
		),
		ClientsTracked: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "nbs_clients_tracked",
				Help: "Number of client records currently in the store",
			},
		),
		APIRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbs_api_requests_total",
				Help: "Total API requests dispatched by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
	}
	registry = reg
}

// IsEnabled reports whether Init has run.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the active registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Core returns the core collector set, or nil when metrics are disabled.
// Callers nil-check:
//
//	if m := metrics.Core(); m != nil {
//		m.DHCPFrames.WithLabelValues("discover").Inc()
//	}
func Core() *CoreMetrics {
	mu.Lock()
	defer mu.Unlock()
	return core
}

// Handler returns the HTTP handler serving the /metrics endpoint, or a 404
// handler when metrics are disabled.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
