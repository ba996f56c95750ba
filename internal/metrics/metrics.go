// Package metrics holds the prometheus collectors shared by the workers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labsync"

type Metrics struct {
	ordersProcessed *prometheus.CounterVec
	downloadErrors  *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	throttleSeconds prometheus.Counter
	jobsCreated     *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	purges          *prometheus.CounterVec
	lockConflicts   *prometheus.CounterVec
	workerBusy      *prometheus.GaugeVec
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_processed_total",
			Help:      "Orders processed by the download worker, by outcome.",
		}, []string{"outcome"}),
		downloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_errors_total",
			Help:      "Download failures by error category.",
		}, []string{"category"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes received from the order server.",
		}),
		throttleSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_seconds_total",
			Help:      "Seconds spent sleeping for bandwidth regulation and inactivity windows.",
		}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created, by queue.",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed, by queue.",
		}, []string{"queue"}),
		purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Purge attempts by entity kind and result.",
		}, []string{"kind", "result"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Lock attempts that found the key held, by entity kind.",
		}, []string{"kind"}),
		workerBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_busy",
			Help:      "1 while a background worker is processing an entity.",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		m.ordersProcessed,
		m.downloadErrors,
		m.bytesReceived,
		m.throttleSeconds,
		m.jobsCreated,
		m.jobsCompleted,
		m.purges,
		m.lockConflicts,
		m.workerBusy,
	)
	return m
}

func (m *Metrics) OrderProcessed(outcome string) {
	if m == nil {
		return
	}
	m.ordersProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DownloadError(category string) {
	if m == nil {
		return
	}
	m.downloadErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) BytesReceived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) Throttled(seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.throttleSeconds.Add(seconds)
}

func (m *Metrics) JobCreated(queue string) {
	if m == nil {
		return
	}
	m.jobsCreated.WithLabelValues(queue).Inc()
}

func (m *Metrics) JobCompleted(queue string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(queue).Inc()
}

func (m *Metrics) Purge(kind string, complete bool) {
	if m == nil {
		return
	}
	result := "complete"
	if !complete {
		result = "incomplete"
	}
	m.purges.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) LockConflict(kind string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(kind).Inc()
}

// Busy marks the worker busy and returns the func that marks it idle.
func (m *Metrics) Busy(worker string) func() {
	if m == nil {
		return func() {}
	}
	g := m.workerBusy.WithLabelValues(worker)
	g.Set(1)
	return func() { g.Set(0) }
}
