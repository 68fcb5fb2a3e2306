package observability

import (
	"fmt"
	"math"
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

	optionMetricsOnce sync.Once
	optionRegistry    *OptionMetrics

	pumpMetricsOnce sync.Once
	pumpRegistry    *PxpumpMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP API
// activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "optionchain",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "api",
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

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
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

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
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

// OptionMetrics tracks the option engine lifecycle.
type OptionMetrics struct {
	operations *prometheus.CounterVec
	collateral *prometheus.GaugeVec
	payouts    *prometheus.CounterVec
	gate       *prometheus.GaugeVec
	price      *prometheus.GaugeVec
}

// Options returns the singleton option engine metrics registry.
func Options() *OptionMetrics {
	optionMetricsOnce.Do(func() {
		optionRegistry = &OptionMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "option",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			collateral: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "optionchain",
				Subsystem: "option",
				Name:      "collateral_posted",
				Help:      "Collateral posted per side in fixed-point token units.",
			}, []string{"instance", "side"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "option",
				Name:      "settlements_total",
				Help:      "Count of settled sides segmented by side.",
			}, []string{"instance", "side"}),
			gate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "optionchain",
				Subsystem: "option",
				Name:      "gate_level",
				Help:      "Current kill-switch level (0 open, 1 trading halted, 2 closed).",
			}, []string{"instance"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "optionchain",
				Subsystem: "option",
				Name:      "oracle_price",
				Help:      "Last ingested oracle price in fixed-point units.",
			}, []string{"instance", "symbol"}),
		}
		prometheus.MustRegister(
			optionRegistry.operations,
			optionRegistry.collateral,
			optionRegistry.payouts,
			optionRegistry.gate,
			optionRegistry.price,
		)
	})
	return optionRegistry
}

// ObserveOperation records the outcome of an engine call. Error reasons are
// kept out of the labels to bound cardinality.
func (m *OptionMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordCollateral sets the posted collateral for one side.
func (m *OptionMetrics) RecordCollateral(instance, side string, amount *big.Int) {
	if m == nil {
		return
	}
	m.collateral.WithLabelValues(instance, side).Set(bigToFloat(amount))
}

// RecordSettlement counts a settled side.
func (m *OptionMetrics) RecordSettlement(instance, side string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(instance, side).Inc()
}

// SetGate records the kill-switch level.
func (m *OptionMetrics) SetGate(instance string, level uint8) {
	if m == nil {
		return
	}
	m.gate.WithLabelValues(instance).Set(float64(level))
}

// RecordPrice records the last ingested oracle price.
func (m *OptionMetrics) RecordPrice(instance, symbol string, price *big.Int) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(instance, labelAsset(symbol)).Set(bigToFloat(price))
}

// PxpumpMetrics wraps collectors tracking the price pump.
type PxpumpMetrics struct {
	pushes   *prometheus.CounterVec
	lastPx   *prometheus.GaugeVec
	quoteAge *prometheus.GaugeVec
}

// Pxpump exposes the metrics registry for the price pump.
func Pxpump() *PxpumpMetrics {
	pumpMetricsOnce.Do(func() {
		pumpRegistry = &PxpumpMetrics{
			pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "pxpump",
				Name:      "pushes_total",
				Help:      "Count of oracle updates pushed segmented by symbol and outcome.",
			}, []string{"symbol", "outcome"}),
			lastPx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "optionchain",
				Subsystem: "pxpump",
				Name:      "last_price",
				Help:      "Last price pushed in fixed-point units.",
			}, []string{"symbol"}),
			quoteAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "optionchain",
				Subsystem: "pxpump",
				Name:      "quote_age_seconds",
				Help:      "Age of the quote at the time it was pushed.",
			}, []string{"symbol"}),
		}
		prometheus.MustRegister(pumpRegistry.pushes, pumpRegistry.lastPx, pumpRegistry.quoteAge)
	})
	return pumpRegistry
}

// ObservePush records one push attempt.
func (m *PxpumpMetrics) ObservePush(symbol string, price *big.Int, age time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelAsset(symbol)
	if err != nil {
		m.pushes.WithLabelValues(label, "error").Inc()
		return
	}
	m.pushes.WithLabelValues(label, "success").Inc()
	m.lastPx.WithLabelValues(label).Set(bigToFloat(price))
	if age < 0 {
		age = 0
	}
	m.quoteAge.WithLabelValues(label).Set(age.Seconds())
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
