package service

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline activity. A nil *Metrics is a valid no-op
// recorder.
type Metrics struct {
	runs            *prom.CounterVec
	stageDuration   *prom.HistogramVec
	leaseWait       *prom.HistogramVec
	leasesReclaimed *prom.CounterVec
	activeRuns      *prom.GaugeVec
}

func NewMetrics(reg prom.Registerer) *Metrics {
	m := &Metrics{
		runs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "simplecd",
			Name:      "runs_total",
			Help:      "Finished runs by target and final status",
		}, []string{"target", "status"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "simplecd",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "result"}),
		leaseWait: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "simplecd",
			Name:      "lease_wait_seconds",
			Help:      "Time runs spent pending before admission",
			Buckets:   prom.DefBuckets,
		}, []string{"target"}),
		leasesReclaimed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "simplecd",
			Name:      "leases_reclaimed_total",
			Help:      "Leases revoked by timeout or by an operator",
		}, []string{"target", "reason"}),
		activeRuns: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "simplecd",
			Name:      "active_runs",
			Help:      "Pending and running runs per target",
		}, []string{"target"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.stageDuration, m.leaseWait, m.leasesReclaimed, m.activeRuns)
	}
	return m
}

func (m *Metrics) RunStarted(target string) {
	if m == nil {
		return
	}
	m.activeRuns.WithLabelValues(target).Inc()
}

func (m *Metrics) RunFinished(target, status string) {
	if m == nil {
		return
	}
	m.activeRuns.WithLabelValues(target).Dec()
	m.runs.WithLabelValues(target, status).Inc()
}

func (m *Metrics) ObserveStage(stage, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveLeaseWait(target string, d time.Duration) {
	if m == nil {
		return
	}
	m.leaseWait.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) LeaseReclaimed(target, reason string) {
	if m == nil {
		return
	}
	m.leasesReclaimed.WithLabelValues(target, reason).Inc()
}
