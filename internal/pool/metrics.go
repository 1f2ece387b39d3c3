package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 是 Pool 的 Prometheus 指标。nil *Metrics 的所有方法都是 no-op。
type Metrics struct {
	Submitted prometheus.Counter
	Completed prometheus.Counter
	Failed    prometheus.Counter
	Abandoned prometheus.Counter
	Busy      prometheus.Gauge
	Latency   prometheus.Histogram
}

// NewMetrics 创建指标并注册到 reg。
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) (*Metrics, error) {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the pool.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs that finished without error.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that returned an error or panicked.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_abandoned_total",
			Help:      "Total number of queued jobs dropped by an abort before running.",
		}),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "busy_workers",
			Help:      "Number of workers currently executing a job.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_duration_seconds",
			Help:      "Job execution latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.Submitted, m.Completed, m.Failed, m.Abandoned, m.Busy, m.Latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
}

func (m *Metrics) abandonedOne() {
	if m == nil {
		return
	}
	m.Abandoned.Inc()
}

func (m *Metrics) busy(delta float64) {
	if m == nil {
		return
	}
	m.Busy.Add(delta)
}

func (m *Metrics) observe(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Latency.Observe(d.Seconds())
	if err != nil {
		m.Failed.Inc()
		return
	}
	m.Completed.Inc()
}
