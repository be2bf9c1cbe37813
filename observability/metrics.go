package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records HTTP front-door activity.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// PlatformMetrics records the domain-level counters fed by the event stream.
type PlatformMetrics struct {
	valuationFallbacks *prometheus.CounterVec
	oracleHealthy      *prometheus.GaugeVec
	settlements        *prometheus.CounterVec
	guaranteesLocked   *prometheus.CounterVec
	debtOps            *prometheus.CounterVec
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics

	platformOnce     sync.Once
	platformRegistry *PlatformMetrics
)

// Gateway returns the lazily-initialised HTTP gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendvault",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the quota throttle.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records one request against a route. The status code is the HTTP
// status ultimately written to the response.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, httpStatusLabel(status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// Throttle records a quota rejection against a route.
func (m *GatewayMetrics) Throttle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route), normalizeLabel(reason)).Inc()
}

// Platform returns the lazily-initialised domain metrics registry.
func Platform() *PlatformMetrics {
	platformOnce.Do(func() {
		platformRegistry = &PlatformMetrics{
			valuationFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "valuation",
				Name:      "fallbacks_total",
				Help:      "Count of degraded valuations segmented by asset and reason.",
			}, []string{"asset", "reason"}),
			oracleHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendvault",
				Subsystem: "valuation",
				Name:      "oracle_healthy",
				Help:      "Whether the price feed is currently healthy per asset (1 healthy, 0 degraded).",
			}, []string{"asset"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "settlement",
				Name:      "settlements_total",
				Help:      "Count of guarantee settlements segmented by outcome and asset.",
			}, []string{"outcome", "asset"}),
			guaranteesLocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "guarantee",
				Name:      "locked_total",
				Help:      "Count of guarantees locked segmented by asset.",
			}, []string{"asset"}),
			debtOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendvault",
				Subsystem: "ledger",
				Name:      "debt_operations_total",
				Help:      "Count of debt mutations segmented by operation and asset.",
			}, []string{"op", "asset"}),
		}
		prometheus.MustRegister(
			platformRegistry.valuationFallbacks,
			platformRegistry.oracleHealthy,
			platformRegistry.settlements,
			platformRegistry.guaranteesLocked,
			platformRegistry.debtOps,
		)
	})
	return platformRegistry
}

// RecordFallback increments the degraded valuation counter.
func (m *PlatformMetrics) RecordFallback(asset, reason string) {
	if m == nil {
		return
	}
	m.valuationFallbacks.WithLabelValues(assetLabel(asset), normalizeLabel(reason)).Inc()
}

// SetOracleHealth records the feed health gauge for an asset.
func (m *PlatformMetrics) SetOracleHealth(asset string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.oracleHealthy.WithLabelValues(assetLabel(asset)).Set(value)
}

// RecordSettlement increments the settlement counter for an outcome.
func (m *PlatformMetrics) RecordSettlement(outcome, asset string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(outcome), assetLabel(asset)).Inc()
}

// RecordGuaranteeLocked increments the lock counter for an asset.
func (m *PlatformMetrics) RecordGuaranteeLocked(asset string) {
	if m == nil {
		return
	}
	m.guaranteesLocked.WithLabelValues(assetLabel(asset)).Inc()
}

// RecordDebtOp increments the debt mutation counter.
func (m *PlatformMetrics) RecordDebtOp(op, asset string) {
	if m == nil {
		return
	}
	m.debtOps.WithLabelValues(normalizeLabel(op), assetLabel(asset)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func assetLabel(asset string) string {
	trimmed := strings.TrimSpace(strings.ToUpper(asset))
	if trimmed == "" {
		return "UNKNOWN"
	}
	return trimmed
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
