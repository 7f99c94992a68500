// Package metrics exposes Prometheus collectors for procedure dispatch and
// streaming. Each Collector owns its registry so that several servers (or
// tests) can coexist in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records RPC metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	streams      prometheus.Gauge
	chunks       *prometheus.CounterVec
	pings        prometheus.Counter
	rateLimited  prometheus.Counter
}

// NewCollector creates a collector registered under namespace (default
// "rpc"), together with the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "rpc"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Procedure calls by path and terminal outcome",
		},
		[]string{"path", "outcome"},
	)
	c.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from dispatch to the last frame of a call",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		},
		[]string{"path"},
	)
	c.streams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Streaming responses currently open",
	})
	c.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks written by path",
		},
		[]string{"path"},
	)
	c.pings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_pings_total",
		Help:      "Keep-alive pings written on idle streaming responses",
	})
	c.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-caller rate limiter",
	})

	c.registry.MustRegister(
		c.calls,
		c.callDuration,
		c.streams,
		c.chunks,
		c.pings,
		c.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCall records the outcome and duration of one call.
func (c *Collector) ObserveCall(path, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(path, outcome).Inc()
	c.callDuration.WithLabelValues(path).Observe(d.Seconds())
}

// StreamOpened increments the open stream gauge. Pair with StreamClosed.
func (c *Collector) StreamOpened() {
	if c == nil {
		return
	}
	c.streams.Inc()
}

func (c *Collector) StreamClosed() {
	if c == nil {
		return
	}
	c.streams.Dec()
}

func (c *Collector) ObserveChunk(path string) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues(path).Inc()
}

func (c *Collector) ObservePing() {
	if c == nil {
		return
	}
	c.pings.Inc()
}

func (c *Collector) ObserveRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}
