// Package metrics exposes job lifecycle counters and gauges for
// Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsFn is the interface the worker harness depends on, so tests can
// substitute a fake without pulling in prometheus.
type MetricsFn interface {
	IncJobsSubmitted()
	IncJobsSucceeded()
	IncJobsFailed()
	IncJobsRetried()
	IncJobsReenqueued()

	IncActiveWorkers()
	DecActiveWorkers()

	IncInflight()
	DecInflight()
}

// Metrics is the Prometheus-backed MetricsFn implementation.
type Metrics struct {
	gatherer prometheus.Gatherer

	jobsSubmitted  prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsReenqueued prometheus.Counter

	inflight      prometheus.Gauge
	activeWorkers prometheus.Gauge
}

// New registers and returns a Metrics bound to reg. Handler serves
// exactly the metrics registered on this reg, so callers that want a
// /metrics endpoint should pass a *prometheus.Registry they don't share
// with anything else that shouldn't be exposed.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rihanna_jobs_submitted_total",
			Help: "Jobs successfully enqueued.",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rihanna_jobs_succeeded_total",
			Help: "Jobs resolved by mark_successful.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rihanna_jobs_failed_total",
			Help: "Jobs resolved by mark_failed.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rihanna_jobs_retried_total",
			Help: "Jobs resolved by mark_retried.",
		}),
		jobsReenqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rihanna_jobs_reenqueued_total",
			Help: "Jobs resolved by mark_reenqueued.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rihanna_jobs_inflight",
			Help: "Jobs currently claimed and not yet resolved.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rihanna_active_workers",
			Help: "Worker goroutines currently running.",
		}),
	}

	reg.MustRegister(
		m.jobsSubmitted,
		m.jobsSucceeded,
		m.jobsFailed,
		m.jobsRetried,
		m.jobsReenqueued,
		m.inflight,
		m.activeWorkers,
	)
	return m
}

func (m *Metrics) IncJobsSubmitted()  { m.jobsSubmitted.Inc() }
func (m *Metrics) IncJobsSucceeded()  { m.jobsSucceeded.Inc() }
func (m *Metrics) IncJobsFailed()     { m.jobsFailed.Inc() }
func (m *Metrics) IncJobsRetried()    { m.jobsRetried.Inc() }
func (m *Metrics) IncJobsReenqueued() { m.jobsReenqueued.Inc() }

func (m *Metrics) IncInflight() { m.inflight.Inc() }
func (m *Metrics) DecInflight() { m.inflight.Dec() }

func (m *Metrics) IncActiveWorkers() { m.activeWorkers.Inc() }
func (m *Metrics) DecActiveWorkers() { m.activeWorkers.Dec() }

// Handler returns the Prometheus exposition HTTP handler for this
// Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
