package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a gateway instance
type Metrics struct {
	StationConnections *prometheus.GaugeVec
	PendingCalls       prometheus.Gauge
	FramesTotal        *prometheus.CounterVec
	MalformedFrames    prometheus.Counter
	Rejections         *prometheus.CounterVec
	Evictions          prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	LivenessLost       prometheus.Counter
	CallsTotal         *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	DispatchTotal      *prometheus.CounterVec
	AuditDropped       prometheus.Counter

	registry *prometheus.Registry
	tenants  map[string]struct{}
}

// New creates and registers Prometheus metrics on a private registry.
func New(serverID string) *Metrics {
	labels := prometheus.Labels{"server_id": serverID}

	m := &Metrics{
		StationConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "evgw_station_connections",
				Help:        "Number of registered station connections per tenant",
				ConstLabels: labels,
			},
			[]string{"tenant"},
		),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "evgw_pending_calls",
			Help:        "Outbound calls awaiting a station response",
			ConstLabels: labels,
		}),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_frames_total",
				Help:        "Total frames sent/received",
				ConstLabels: labels,
			},
			[]string{"direction", "type"},
		),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evgw_malformed_frames_total",
			Help:        "Inbound frames dropped as malformed",
			ConstLabels: labels,
		}),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_handshake_rejections_total",
				Help:        "Handshakes refused before upgrade",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evgw_evictions_total",
			Help:        "Connections superseded by a newer handshake for the same station",
			ConstLabels: labels,
		}),
		ConnectionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_connections_closed_total",
				Help:        "Station connections closed, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_rate_limited_total",
				Help:        "Connections closed for exceeding the inbound frame rate",
				ConstLabels: labels,
			},
			[]string{"tenant"},
		),
		LivenessLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evgw_liveness_lost_total",
			Help:        "Watchdog transitions from alive to not alive",
			ConstLabels: labels,
		}),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_calls_total",
				Help:        "Outbound calls by action and outcome",
				ConstLabels: labels,
			},
			[]string{"action", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "evgw_call_duration_seconds",
				Help:        "Outbound call latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"action"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "evgw_dispatch_total",
				Help:        "Inbound requests dispatched by action and outcome",
				ConstLabels: labels,
			},
			[]string{"action", "outcome"},
		),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "evgw_audit_dropped_total",
			Help:        "Audit events dropped because the queue was full",
			ConstLabels: labels,
		}),
		registry: prometheus.NewRegistry(),
		tenants:  make(map[string]struct{}),
	}

	m.registry.MustRegister(
		m.StationConnections,
		m.PendingCalls,
		m.FramesTotal,
		m.MalformedFrames,
		m.Rejections,
		m.Evictions,
		m.ConnectionsClosed,
		m.RateLimited,
		m.LivenessLost,
		m.CallsTotal,
		m.CallDuration,
		m.DispatchTotal,
		m.AuditDropped,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementFrame(direction string, frameType string) {
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) IncrementMalformedFrame() {
	m.MalformedFrames.Inc()
}

func (m *Metrics) IncrementRejection(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementEviction() {
	m.Evictions.Inc()
}

func (m *Metrics) IncrementClosed(reason string) {
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementRateLimited(tenantID string) {
	m.RateLimited.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) IncrementLivenessLost() {
	m.LivenessLost.Inc()
}

func (m *Metrics) ObserveCall(action string, outcome string, seconds float64) {
	m.CallsTotal.WithLabelValues(action, outcome).Inc()
	m.CallDuration.WithLabelValues(action).Observe(seconds)
}

func (m *Metrics) IncrementDispatch(action string, outcome string) {
	m.DispatchTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncrementAuditDropped() {
	m.AuditDropped.Inc()
}

// ServerInfo provides gateway state for health/metrics reporting
type ServerInfo interface {
	ConnectionCounts() map[string]int
	PendingCallCount() int
	ServerID() string
	StartTime() time.Time
}

// HealthHandler returns a health check endpoint handler
func HealthHandler(server ServerInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts := server.ConnectionCounts()
		total := 0
		for _, n := range counts {
			total += n
		}

		health := map[string]interface{}{
			"status":        "healthy",
			"server_id":     server.ServerID(),
			"uptime":        time.Since(server.StartTime()).String(),
			"stations":      total,
			"tenants":       counts,
			"pending_calls": server.PendingCallCount(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	}
}

// Update refreshes gauge metrics from server state. Tenants that no longer
// have connections are reset to zero.
func (m *Metrics) Update(server ServerInfo) {
	counts := server.ConnectionCounts()
	for tenant := range m.tenants {
		if _, ok := counts[tenant]; !ok {
			m.StationConnections.WithLabelValues(tenant).Set(0)
		}
	}
	for tenant, count := range counts {
		m.tenants[tenant] = struct{}{}
		m.StationConnections.WithLabelValues(tenant).Set(float64(count))
	}
	m.PendingCalls.Set(float64(server.PendingCallCount()))
}

// UpdateLoop periodically updates gauge metrics until ctx is done
func UpdateLoop(ctx context.Context, m *Metrics, server ServerInfo, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Update(server)
		}
	}
}
