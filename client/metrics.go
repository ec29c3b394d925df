package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics instruments SDK operations. All methods are nil-safe so the
// instrumentation is pay-for-what-you-wire.
type clientMetrics struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// WithMetrics registers request/retry/duration collectors with reg and
// attaches them to the client.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		if reg == nil {
			return
		}
		m := &clientMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "allocd_client_requests_total",
				Help: "Ledger operations issued by the SDK, by operation and outcome.",
			}, []string{"op", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "allocd_client_retries_total",
				Help: "Transient-failure retries performed by the SDK.",
			}, []string{"op"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "allocd_client_request_seconds",
				Help:    "End-to-end ledger operation latency including retries.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		}
		reg.MustRegister(m.requests, m.retries, m.duration)
		c.metrics = m
	}
}

func (m *clientMetrics) observeRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// observeDuration records one finished operation. Outcomes are counted once
// per operation, not per attempt; per-attempt failures show up in the retry
// counter instead.
func (m *clientMetrics) observeDuration(op string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
