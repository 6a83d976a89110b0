// Package metrics exposes simrouter's Prometheus instruments.
//
// Counters:
//   - simrouter_jobs_scheduled_total
//   - simrouter_jobs_terminal_total{status}
//   - simrouter_rejected_transitions_total
//   - simrouter_store_failures_total{op}
//
// Gauges:
//   - simrouter_workers{state}   (free / busy)
//   - simrouter_queue_depth
//   - simrouter_clients
//
// Histograms:
//   - simrouter_store_op_duration_seconds{op}
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every instrument. A nil *Collector is valid and records
// nothing, so components can run without metrics in tests.
type Collector struct {
	jobsScheduled       prometheus.Counter
	jobsTerminal        *prometheus.CounterVec
	rejectedTransitions prometheus.Counter
	storeFailures       *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	workers             *prometheus.GaugeVec
	queueDepth          prometheus.Gauge
	clients             prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the instruments and registers them with reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simrouter_jobs_scheduled_total",
			Help: "Jobs accepted by run_simulation.",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simrouter_jobs_terminal_total",
			Help: "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		rejectedTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simrouter_rejected_transitions_total",
			Help: "Status updates dropped because the job was already terminal.",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simrouter_store_failures_total",
			Help: "Store operations that failed after all retries.",
		}, []string{"op"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simrouter_store_op_duration_seconds",
			Help:    "Store operation latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simrouter_workers",
			Help: "Connected workers by state.",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simrouter_queue_depth",
			Help: "Jobs waiting for a free worker.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simrouter_clients",
			Help: "Connected client sessions.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsScheduled,
		c.jobsTerminal,
		c.rejectedTransitions,
		c.storeFailures,
		c.storeDuration,
		c.workers,
		c.queueDepth,
		c.clients,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) JobScheduled() {
	if c == nil {
		return
	}
	c.jobsScheduled.Inc()
}

func (c *Collector) JobTerminal(status string) {
	if c == nil {
		return
	}
	c.jobsTerminal.WithLabelValues(status).Inc()
}

func (c *Collector) TransitionRejected() {
	if c == nil {
		return
	}
	c.rejectedTransitions.Inc()
}

// StoreOp records the latency of a store call and, if failed, a failure.
func (c *Collector) StoreOp(op string, started time.Time, failed bool) {
	if c == nil {
		return
	}
	c.storeDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if failed {
		c.storeFailures.WithLabelValues(op).Inc()
	}
}

// StoreFailures returns the failure counter of op.
func (c *Collector) StoreFailures(op string) prometheus.Counter {
	return c.storeFailures.WithLabelValues(op)
}

// SetPool publishes the current worker, queue and client counts.
func (c *Collector) SetPool(free, busy, queued, clients int) {
	if c == nil {
		return
	}
	c.workers.WithLabelValues("free").Set(float64(free))
	c.workers.WithLabelValues("busy").Set(float64(busy))
	c.queueDepth.Set(float64(queued))
	c.clients.Set(float64(clients))
}
