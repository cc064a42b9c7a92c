package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianlabs/rebalancer/internal/models"
)

// Metrics exposes orchestrator observability through Prometheus. All observe
// methods tolerate a nil receiver so callers never have to guard for the
// metrics-disabled case.
type Metrics struct {
	queueDepth    *prometheus.GaugeVec
	brokerUp      prometheus.Gauge
	scanCycles    *prometheus.CounterVec
	scanChecked   prometheus.Counter
	scanQueued    prometheus.Counter
	scanSkipped   prometheus.Counter
	rebalanceRuns *prometheus.CounterVec
}

// NewMetrics builds and registers the orchestrator metric set. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalancer_queue_depth",
				Help: "Rebalance job queue depth by state",
			},
			[]string{"state"},
		),
		brokerUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rebalancer_broker_up",
				Help: "Whether the job broker is reachable (1) or not (0)",
			},
		),
		scanCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_scan_cycles_total",
				Help: "Scan cycles by outcome (completed|aborted)",
			},
			[]string{"outcome"},
		),
		scanChecked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_scan_portfolios_checked_total",
				Help: "Portfolios evaluated across all scan cycles",
			},
		),
		scanQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_scan_jobs_queued_total",
				Help: "Rebalance jobs queued by the scanner",
			},
		),
		scanSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebalancer_scan_portfolios_skipped_total",
				Help: "Portfolios skipped by scan gates",
			},
		),
		rebalanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalancer_executions_total",
				Help: "Rebalance executions by result (completed|failed)",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.queueDepth,
		m.brokerUp,
		m.scanCycles,
		m.scanChecked,
		m.scanQueued,
		m.scanSkipped,
		m.rebalanceRuns,
	)
	return m
}

// ObserveQueue records current queue depth per state.
func (m *Metrics) ObserveQueue(counts *models.QueueCounts) {
	if m == nil || counts == nil {
		return
	}
	m.queueDepth.WithLabelValues(models.JobStatusWaiting).Set(float64(counts.Waiting))
	m.queueDepth.WithLabelValues(models.JobStatusActive).Set(float64(counts.Active))
	m.queueDepth.WithLabelValues(models.JobStatusDelayed).Set(float64(counts.Delayed))
	m.queueDepth.WithLabelValues(models.JobStatusCompleted).Set(float64(counts.Completed))
	m.queueDepth.WithLabelValues(models.JobStatusFailed).Set(float64(counts.Failed))
}

// ObserveBroker records broker reachability.
func (m *Metrics) ObserveBroker(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerUp.Set(1)
	} else {
		m.brokerUp.Set(0)
	}
}

// ObserveCycle records the outcome of a finished scan cycle.
func (m *Metrics) ObserveCycle(summary *models.CycleSummary) {
	if m == nil || summary == nil {
		return
	}
	outcome := "completed"
	if summary.Aborted {
		outcome = "aborted"
	}
	m.scanCycles.WithLabelValues(outcome).Inc()
	m.scanChecked.Add(float64(summary.Checked))
	m.scanQueued.Add(float64(summary.Queued))
	m.scanSkipped.Add(float64(summary.Skipped))
}

// ObserveRebalance records one execution result (completed or failed).
func (m *Metrics) ObserveRebalance(result string) {
	if m == nil {
		return
	}
	m.rebalanceRuns.WithLabelValues(result).Inc()
}
