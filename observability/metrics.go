package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP
// handler activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by module, route, and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "kalefi",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics tracks executed lending calls and the health of the
// positions they leave behind.
type LendingMetrics struct {
	calls        *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	healthFactor *prometheus.HistogramVec
	rejections   *prometheus.CounterVec
}

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "lending",
				Name:      "calls_total",
				Help:      "Executed lending calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "kalefi",
				Subsystem: "lending",
				Name:      "call_duration_seconds",
				Help:      "Time spent executing and committing lending calls.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			}, []string{"op"}),
			healthFactor: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "kalefi",
				Subsystem: "lending",
				Name:      "health_factor",
				Help:      "Health factors observed by borrow and withdraw evaluations (1.0 = liquidation threshold).",
				Buckets:   []float64{0.5, 0.9, 1, 1.1, 1.25, 1.5, 2, 3, 5},
			}, []string{"op"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kalefi",
				Subsystem: "lending",
				Name:      "rejections_total",
				Help:      "Lending calls rejected segmented by operation and reason.",
			}, []string{"op", "reason"}),
		}
		prometheus.MustRegister(
			lendingRegistry.calls,
			lendingRegistry.latency,
			lendingRegistry.healthFactor,
			lendingRegistry.rejections,
		)
	})
	return lendingRegistry
}

// ObserveCall records one executed call. Reason is ignored on success.
func (m *LendingMetrics) ObserveCall(op string, err error, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	op = normalizeLabel(op)
	outcome := "committed"
	if err != nil {
		outcome = "rejected"
		m.rejections.WithLabelValues(op, normalizeLabel(reason)).Inc()
	}
	m.calls.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHealth records a health factor expressed in basis points. Debt-free
// sentinels are skipped.
func (m *LendingMetrics) ObserveHealth(op string, factorBps *big.Int) {
	if m == nil || factorBps == nil || !factorBps.IsInt64() {
		return
	}
	m.healthFactor.WithLabelValues(normalizeLabel(op)).Observe(float64(factorBps.Int64()) / 10_000)
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
