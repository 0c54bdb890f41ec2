package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultFallback = "fallback"
)

// Collector exports rate limit decisions as Prometheus metrics.
type Collector struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewCollector registers the rate limit metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_requests_total",
				Help: "Total number of rate limit checks",
			},
			[]string{"policy", "backend", "result"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_errors_total",
				Help: "Total number of rate limit backend errors",
			},
			[]string{"policy", "backend", "reason"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_decision_duration_seconds",
				Help:    "Time spent deciding one rate limit check",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"backend"},
		),
	}
}

// ObserveDecision implements ratelimit.Observer.
func (c *Collector) ObserveDecision(policy string, backend ratelimit.BackendKind, decision ratelimit.Decision, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(policy, string(backend), Result(decision)).Inc()
	c.latency.WithLabelValues(string(backend)).Observe(elapsed.Seconds())
}

// ObserveError implements ratelimit.Observer.
func (c *Collector) ObserveError(policy string, backend ratelimit.BackendKind, err error) {
	if c == nil || err == nil {
		return
	}
	c.errors.WithLabelValues(policy, string(backend), reason(err)).Inc()
}

// Result maps a decision to its result label.
func Result(decision ratelimit.Decision) string {
	switch {
	case decision.Fallback:
		return ResultFallback
	case decision.Allowed:
		return ResultAllowed
	default:
		return ResultDenied
	}
}

func reason(err error) string {
	var errBackend *ratelimit.BackendError
	if errors.As(err, &errBackend) && errBackend.Op != "" {
		return errBackend.Op
	}
	return "unknown"
}
