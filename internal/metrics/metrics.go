// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/pinchtab/autoaccept/internal/classify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoaccept"

type Metrics struct {
	reg *prometheus.Registry

	clicks       *prometheus.CounterVec
	blocked      prometheus.Counter
	passes       prometheus.Counter
	passDuration prometheus.Histogram
	targets      prometheus.Gauge

	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	rateLimited     prometheus.Counter
}

// New builds a private registry so tests and multiple engines do not
// collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		clicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_total",
			Help:      "Elements activated, by category.",
		}, []string{"category"}),
		blocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Run controls held back by the banned-command gate.",
		}),
		passes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Completed scan passes across all targets.",
		}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one scan pass.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		targets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets",
			Help:      "Targets currently attached.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control API requests, by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client limiter.",
		}),
	}
}

func (m *Metrics) Activated(_ string, d classify.Decision, _ bool) {
	m.clicks.WithLabelValues(d.Category).Inc()
}

func (m *Metrics) Blocked(string, classify.Decision) { m.blocked.Inc() }

func (m *Metrics) PassDone(_ string, dur time.Duration, _ bool) {
	m.passes.Inc()
	m.passDuration.Observe(dur.Seconds())
}

func (m *Metrics) SetTargets(n int) { m.targets.Set(float64(n)) }

func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
