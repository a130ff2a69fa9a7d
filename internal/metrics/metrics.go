// Package metrics exposes engine counters on a dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaq/internal/models"
)

const namespace = "mediaq"

type Metrics struct {
	reg *prometheus.Registry

	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	runTime   *prometheus.HistogramVec
	queueWait *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs admitted, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions refused before admission, by reason.",
		}, []string{"reason"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"kind", "state", "error_kind"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_run_seconds",
			Help:      "Execution time of jobs that started.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"kind"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time from admission to start.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.rejected, m.finished, m.runTime, m.queueWait,
	)
	return m
}

// Gauges wires live values that are read at scrape time.
type Gauges struct {
	Outstanding func() int
	Capacity    func() int
	Busy        func() int
	Workers     func() int
}

func (m *Metrics) RegisterGauges(g Gauges) {
	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("admission_outstanding", "Admission slots held by queued or running jobs.", g.Outstanding)
	gauge("admission_capacity", "Configured admission ceiling.", g.Capacity)
	gauge("workers_busy", "Executors currently running a job.", g.Busy)
	gauge("workers", "Configured executor count.", g.Workers)
}

// Observe matches registry.Observer.
func (m *Metrics) Observe(j models.Job) {
	kind := string(j.Request.Kind)
	switch {
	case j.State == models.StateQueued:
		m.submitted.WithLabelValues(kind).Inc()
	case j.State == models.StateRunning:
		m.queueWait.WithLabelValues(kind).Observe(j.QueueTime().Seconds())
	case j.State.Terminal():
		errKind := ""
		if j.Error != nil {
			errKind = j.Error.Kind
		}
		m.finished.WithLabelValues(kind, string(j.State), errKind).Inc()
		if j.StartedAt != nil {
			m.runTime.WithLabelValues(kind).Observe(j.RunTime().Seconds())
		}
	}
}

// Rejected counts a refused submission; reason is an error code.
func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
