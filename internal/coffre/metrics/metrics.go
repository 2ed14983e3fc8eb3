// Package metrics exposes Prometheus collectors for the grant store, the
// request workflow and the OCR poller.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
)

const metricsNamespace = "coffre"

// Collector is a prometheus.Collector. It doubles as an ocr.Observer and an
// access.Listener so the poller and grant store can feed it directly.
type Collector struct {
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	attempts      *prometheus.HistogramVec
	checks        *prometheus.CounterVec
	activeTasks   prometheus.Gauge
	grantChanges  *prometheus.CounterVec
	auditEvents   *prometheus.CounterVec
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ ocr.Observer         = (*Collector)(nil)
	_ access.Listener      = (*Collector)(nil)
)

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ocr",
				Name:      "tasks_started_total",
				Help:      "The number of documents OCR tracking was started for.",
			}, []string{"kind"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ocr",
				Name:      "tasks_finished_total",
				Help:      "The number of OCR tracking tasks that ended, by outcome.",
			}, []string{"kind", "outcome"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "ocr",
				Name:      "attempts",
				Help:      "The number of readiness checks a task took before it ended.",
				Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
			}, []string{"outcome"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ocr",
				Name:      "checks_total",
				Help:      "The number of readiness checks made against the DMS.",
			}, []string{"result"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "ocr",
				Name:      "active_tasks",
				Help:      "The number of documents currently being polled.",
			},
		),
		grantChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "access",
				Name:      "grant_changes_total",
				Help:      "The number of grants written or revoked.",
			}, []string{"change"},
		),
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "The number of audit events emitted, by kind.",
			}, []string{"kind"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.tasksStarted.Describe(ch)
	c.tasksFinished.Describe(ch)
	c.attempts.Describe(ch)
	c.checks.Describe(ch)
	c.activeTasks.Describe(ch)
	c.grantChanges.Describe(ch)
	c.auditEvents.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.tasksStarted.Collect(ch)
	c.tasksFinished.Collect(ch)
	c.attempts.Collect(ch)
	c.checks.Collect(ch)
	c.activeTasks.Collect(ch)
	c.grantChanges.Collect(ch)
	c.auditEvents.Collect(ch)
}

// TaskStarted is part of the ocr.Observer interface.
func (c *Collector) TaskStarted(kind ocr.Kind) {
	c.tasksStarted.WithLabelValues(string(kind)).Inc()
}

// TaskFinished is part of the ocr.Observer interface.
func (c *Collector) TaskFinished(kind ocr.Kind, outcome ocr.Outcome, attempts int) {
	c.tasksFinished.WithLabelValues(string(kind), string(outcome)).Inc()
	c.attempts.WithLabelValues(string(outcome)).Observe(float64(attempts))
}

// Checked is part of the ocr.Observer interface.
func (c *Collector) Checked(ready bool, err error) {
	result := "pending"
	switch {
	case err != nil:
		result = "error"
	case ready:
		result = "ready"
	}
	c.checks.WithLabelValues(result).Inc()
}

// Active is part of the ocr.Observer interface.
func (c *Collector) Active(n int) {
	c.activeTasks.Set(float64(n))
}

// GrantChanged is part of the access.Listener interface.
func (c *Collector) GrantChanged(_ context.Context, change access.Change) {
	c.grantChanges.WithLabelValues(string(change.Kind)).Inc()
}

// CountingNotifier counts every audit event before passing it on to next.
func (c *Collector) CountingNotifier(next audit.Notifier) audit.Notifier {
	return countingNotifier{c: c, next: next}
}

type countingNotifier struct {
	c    *Collector
	next audit.Notifier
}

func (n countingNotifier) Notify(ctx context.Context, evt audit.Event) {
	n.c.auditEvents.WithLabelValues(string(evt.Kind)).Inc()
	if n.next != nil {
		n.next.Notify(ctx, evt)
	}
}
