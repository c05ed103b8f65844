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

	allocationOnce     sync.Once
	allocationRegistry *AllocationMetrics

	leverageOnce     sync.Once
	leverageRegistry *LeverageMetrics

	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yieldvault",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
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

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
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

// AllocationMetrics tracks allocation engine operations.
type AllocationMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	venueFailures *prometheus.CounterVec
	allocated     *prometheus.GaugeVec
	idleCash      prometheus.Gauge
	feesPaid      *prometheus.CounterVec
}

// Allocation returns the singleton allocation metrics registry.
func Allocation() *AllocationMetrics {
	allocationOnce.Do(func() {
		allocationRegistry = &AllocationMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "operations_total",
				Help:      "Allocation engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for allocation engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			venueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "venue_failures_total",
				Help:      "External venue call failures segmented by venue, call and failure kind.",
			}, []string{"venue", "call", "kind"}),
			allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "venue_allocated",
				Help:      "Capital currently allocated per venue in reference asset units.",
			}, []string{"venue"}),
			idleCash: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "idle_cash",
				Help:      "Pooled capital not deployed to any venue.",
			}),
			feesPaid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "allocation",
				Name:      "fees_paid_total",
				Help:      "Fees transferred to the fee sink segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			allocationRegistry.operations,
			allocationRegistry.latency,
			allocationRegistry.venueFailures,
			allocationRegistry.allocated,
			allocationRegistry.idleCash,
			allocationRegistry.feesPaid,
		)
	})
	return allocationRegistry
}

// Observe records the execution metrics for an engine operation.
func (m *AllocationMetrics) Observe(operation string, duration time.Duration, err error) {
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
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordVenueFailure counts a failed external venue call.
func (m *AllocationMetrics) RecordVenueFailure(venue, call, kind string) {
	if m == nil {
		return
	}
	m.venueFailures.WithLabelValues(label(venue), label(call), label(kind)).Inc()
}

// SetAllocated publishes the current allocation for a venue.
func (m *AllocationMetrics) SetAllocated(venue string, amount *big.Int) {
	if m == nil {
		return
	}
	m.allocated.WithLabelValues(label(venue)).Set(bigToFloat(amount))
}

// SetIdleCash publishes the undeployed balance.
func (m *AllocationMetrics) SetIdleCash(amount *big.Int) {
	if m == nil {
		return
	}
	m.idleCash.Set(bigToFloat(amount))
}

// RecordFee adds a transferred fee.
func (m *AllocationMetrics) RecordFee(kind string, amount *big.Int) {
	if m == nil {
		return
	}
	m.feesPaid.WithLabelValues(label(kind)).Add(bigToFloat(amount))
}

// LeverageMetrics tracks circuit breaker evaluations and borrow exposure.
type LeverageMetrics struct {
	gates         *prometheus.CounterVec
	venueBorrowed *prometheus.GaugeVec
	totalBorrowed prometheus.Gauge
	leveraged     prometheus.Gauge
}

// Leverage returns the singleton leverage metrics registry.
func Leverage() *LeverageMetrics {
	leverageOnce.Do(func() {
		leverageRegistry = &LeverageMetrics{
			gates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "leverage",
				Name:      "gate_evaluations_total",
				Help:      "Leverage gate evaluations segmented by gate and outcome.",
			}, []string{"gate", "outcome"}),
			venueBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "leverage",
				Name:      "venue_borrowed",
				Help:      "Outstanding borrow per venue.",
			}, []string{"venue"}),
			totalBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "leverage",
				Name:      "total_borrowed",
				Help:      "Aggregate outstanding borrow.",
			}),
			leveraged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "leverage",
				Name:      "leveraged_venues",
				Help:      "Count of venues with outstanding borrow.",
			}),
		}
		prometheus.MustRegister(
			leverageRegistry.gates,
			leverageRegistry.venueBorrowed,
			leverageRegistry.totalBorrowed,
			leverageRegistry.leveraged,
		)
	})
	return leverageRegistry
}

// ObserveGate counts a gate evaluation.
func (m *LeverageMetrics) ObserveGate(gate, outcome string) {
	if m == nil {
		return
	}
	m.gates.WithLabelValues(label(gate), label(outcome)).Inc()
}

// RecordBorrow publishes the borrow book after a mutation.
func (m *LeverageMetrics) RecordBorrow(venue string, venueBorrowed, total *big.Int, leveragedVenues int) {
	if m == nil {
		return
	}
	m.venueBorrowed.WithLabelValues(label(venue)).Set(bigToFloat(venueBorrowed))
	m.totalBorrowed.Set(bigToFloat(total))
	m.leveraged.Set(float64(leveragedVenues))
}

// OracleMetrics tracks aggregation health.
type OracleMetrics struct {
	rejections *prometheus.CounterVec
	aggregates *prometheus.CounterVec
	breaker    prometheus.Gauge
}

// Oracle returns the singleton oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "oracle",
				Name:      "rejected_responses_total",
				Help:      "Source responses excluded from aggregation segmented by source and reason.",
			}, []string{"source", "reason"}),
			aggregates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "yieldvault",
				Subsystem: "oracle",
				Name:      "aggregations_total",
				Help:      "Aggregations segmented by venue and result.",
			}, []string{"venue", "result"}),
			breaker: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "yieldvault",
				Subsystem: "oracle",
				Name:      "breaker_engaged",
				Help:      "Set to 1 while the global oracle circuit breaker forces fallback.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.rejections,
			oracleRegistry.aggregates,
			oracleRegistry.breaker,
		)
	})
	return oracleRegistry
}

// ObserveRejection counts a response excluded from aggregation.
func (m *OracleMetrics) ObserveRejection(source, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(label(source), label(reason)).Inc()
}

// ObserveAggregate counts an aggregation result.
func (m *OracleMetrics) ObserveAggregate(venue, result string) {
	if m == nil {
		return
	}
	m.aggregates.WithLabelValues(label(venue), label(result)).Inc()
}

// SetBreaker mirrors the breaker state.
func (m *OracleMetrics) SetBreaker(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.breaker.Set(1)
		return
	}
	m.breaker.Set(0)
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
