package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric the router exports.
const Namespace = "keyrouter"

// Metrics holds all Prometheus metrics for the router.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Key lifecycle metrics
	KeyExhaustions *prometheus.CounterVec
	WindowResets   *prometheus.CounterVec

	// Routing metrics
	RouteResults *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec

	// Ledger metrics
	LedgerErrors prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// defaultBuckets are the histogram buckets for duration metrics (in seconds).
// Vendor calls for image generation and TTS can take tens of seconds.
var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates and registers all metrics with reg
// (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "dispatch",
				Name:      "total",
				Help:      "Vendor dispatches by provider and classified outcome",
			},
			[]string{"provider", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Duration of vendor dispatches in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"provider"},
		),

		KeyExhaustions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "key",
				Name:      "exhaustions_total",
				Help:      "Keys taken out of rotation, by cause (capacity or vendor)",
			},
			[]string{"provider", "cause"},
		),
		WindowResets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "key",
				Name:      "window_resets_total",
				Help:      "Usage windows rolled over",
			},
			[]string{"provider"},
		),

		RouteResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "route",
				Name:      "results_total",
				Help:      "Routed requests by capability and result",
			},
			[]string{"capability", "result"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "route",
				Name:      "fallbacks_total",
				Help:      "Times routing moved past a provider",
			},
			[]string{"capability", "provider"},
		),

		LedgerErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Usage events that could not be written to the ledger",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "path"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of provider circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"provider"},
		),
	}
}

// RecordDispatch records one vendor dispatch.
func (m *Metrics) RecordDispatch(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(provider, outcome).Inc()
	m.DispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordKeyExhausted records a key leaving rotation.
func (m *Metrics) RecordKeyExhausted(provider, cause string) {
	if m == nil {
		return
	}
	m.KeyExhaustions.WithLabelValues(provider, cause).Inc()
}

// RecordWindowReset records a key's usage window rolling over.
func (m *Metrics) RecordWindowReset(provider string) {
	if m == nil {
		return
	}
	m.WindowResets.WithLabelValues(provider).Inc()
}

// RecordRoute records the final result of a routed request.
func (m *Metrics) RecordRoute(capability, result string) {
	if m == nil {
		return
	}
	m.RouteResults.WithLabelValues(capability, result).Inc()
}

// RecordFallback records routing moving on from provider.
func (m *Metrics) RecordFallback(capability, provider string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(capability, provider).Inc()
}

// RecordLedgerError records a failed ledger write.
func (m *Metrics) RecordLedgerError() {
	if m == nil {
		return
	}
	m.LedgerErrors.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the current state of a provider's breaker.
func (m *Metrics) SetCircuitBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker opening.
func (m *Metrics) RecordCircuitBreakerTrip(provider string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(provider).Inc()
}
