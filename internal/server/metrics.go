package server

import (
	"net/http"
	"strconv"
	"time"

	"geo_torii/internal/action"
	"geo_torii/internal/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server instance.
type Metrics struct {
	registry *prometheus.Registry

	Decisions        *prometheus.CounterVec
	DecisionLatency  prometheus.Histogram
	BasicResponses   prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamErrors   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}
	m.Decisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geo_torii",
		Name:      "acl_decisions_total",
		Help:      "ACL decisions by outcome",
	}, []string{"outcome"})
	m.DecisionLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "geo_torii",
		Name:      "acl_decision_duration_seconds",
		Help:      "Time spent evaluating the ACL, key-store lookup included",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})
	m.BasicResponses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "geo_torii",
		Name:      "basic_responses_total",
		Help:      "Connection metadata answered locally",
	})
	m.UpstreamRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geo_torii",
		Name:      "upstream_requests_total",
		Help:      "Requests relayed upstream by path and status code",
	}, []string{"path", "code"})
	m.UpstreamLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "geo_torii",
		Name:      "upstream_request_duration_seconds",
		Help:      "Upstream round trip time, retries included",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})
	m.UpstreamErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "geo_torii",
		Name:      "upstream_errors_total",
		Help:      "Upstream transport failures answered with 502",
	})

	// Pre-populate outcomes so they are exported at zero.
	for _, a := range []action.Action{action.Allowed, action.Denied, action.DeniedSilent} {
		m.Decisions.WithLabelValues(a.String())
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeDecision(res action.Result, elapsed time.Duration) {
	m.Decisions.WithLabelValues(res.Action().String()).Inc()
	m.DecisionLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) observeUpstream(uri string, code int, elapsed time.Duration) {
	path := utils.CanonicalizeURI(uri)
	m.UpstreamRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
	m.UpstreamLatency.WithLabelValues(path).Observe(elapsed.Seconds())
}
