// Package metrics exposes Prometheus gauges/counters for the instance,
// grounded on core/system_health_logging.go's HealthLogger: its own
// prometheus.Registry, NewGauge/NewCounter built at construction time and
// MustRegister'd together, and a StartMetricsServer helper returning the
// *http.Server so the caller manages its lifecycle.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every counter/gauge the instance updates (SPEC_FULL.md §3:
// "connection count, handshake failures, capability denials, extended-API
// queue depth").
type Metrics struct {
	registry *prometheus.Registry

	Connections        prometheus.Gauge
	HandshakeFailures  prometheus.Counter
	CapabilityDenials  prometheus.Counter
	ExtAPIQueueDepth   prometheus.Gauge
	DataServiceErrors  prometheus.Counter
}

// New builds and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentproto_connections",
		Help: "Number of live client connections",
	})
	m.HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentproto_handshake_failures_total",
		Help: "Total number of handshakes that did not complete",
	})
	m.CapabilityDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentproto_capability_denials_total",
		Help: "Total number of requests rejected by the capability check",
	})
	m.ExtAPIQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentproto_extended_api_queue_depth",
		Help: "Total relayed extended-API requests currently in flight across all sentinels",
	})
	m.DataServiceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentproto_data_service_errors_total",
		Help: "Total fatal data-service connection errors observed",
	})

	reg.MustRegister(
		m.Connections,
		m.HandshakeFailures,
		m.CapabilityDenials,
		m.ExtAPIQueueDepth,
		m.DataServiceErrors,
	)
	return m
}

// StartServer exposes /metrics on addr, mirroring HealthLogger's
// StartMetricsServer: returns the *http.Server so the caller controls
// shutdown, and logs (rather than panics on) a server that dies under it.
func (m *Metrics) StartServer(addr string, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func (m *Metrics) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
