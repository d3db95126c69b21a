package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portside/portside/internal/models"
)

// Metrics collects Prometheus counters and histograms for the host side.
type Metrics struct {
	registry              *prometheus.Registry
	discoveryRoundSeconds *prometheus.HistogramVec
	discoveryWinsTotal    *prometheus.CounterVec
	sidecarTransitions    *prometheus.CounterVec
	clientRequestsTotal   *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	discoveryRoundSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portside",
			Subsystem: "discovery",
			Name:      "round_duration_seconds",
			Help:      "Time from round start to a verified descriptor or timeout.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"result"},
	)
	discoveryWinsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portside",
			Subsystem: "discovery",
			Name:      "strategy_wins_total",
			Help:      "Discovery rounds won, by strategy.",
		},
		[]string{"strategy"},
	)
	sidecarTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portside",
			Subsystem: "sidecar",
			Name:      "transitions_total",
			Help:      "Total number of sidecar state transitions.",
		},
		[]string{"from", "to"},
	)
	clientRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portside",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "API calls issued through the resilient client.",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		discoveryRoundSeconds,
		discoveryWinsTotal,
		sidecarTransitions,
		clientRequestsTotal,
	)

	return &Metrics{
		registry:              registry,
		discoveryRoundSeconds: discoveryRoundSeconds,
		discoveryWinsTotal:    discoveryWinsTotal,
		sidecarTransitions:    sidecarTransitions,
		clientRequestsTotal:   clientRequestsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRound implements discovery.Metrics.
func (m *Metrics) ObserveRound(result string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.discoveryRoundSeconds.WithLabelValues(result).Observe(seconds)
}

// IncStrategyWin implements discovery.Metrics.
func (m *Metrics) IncStrategyWin(strategy string) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "unknown"
	}
	m.discoveryWinsTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) IncSidecarTransition(from, to models.SidecarState) {
	if m == nil {
		return
	}
	m.sidecarTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncClientRequest(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.clientRequestsTotal.WithLabelValues(result).Inc()
}
