// Package metrics exposes the pipeline's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline bundles the collectors updated by the worker pool and the batch
// coordinator. A nil *Pipeline disables instrumentation.
type Pipeline struct {
	TasksTotal   *prometheus.CounterVec
	TaskDuration prometheus.Histogram
	QueueDepth   prometheus.Gauge
	BusyWorkers  prometheus.Gauge
	RunsTotal    *prometheus.CounterVec
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimus",
			Name:      "tasks_total",
			Help:      "Worker pool tasks by outcome.",
		}, []string{"outcome"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optimus",
			Name:      "task_duration_seconds",
			Help:      "Task execution time including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optimus",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the pool queue.",
		}),
		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optimus",
			Name:      "busy_workers",
			Help:      "Workers currently executing a task.",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optimus",
			Name:      "pipeline_runs_total",
			Help:      "Finished pipeline runs by status.",
		}, []string{"status"}),
	}
}

// ObserveTask records one finished task.
func (p *Pipeline) ObserveTask(success bool, seconds float64) {
	if p == nil {
		return
	}
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	p.TasksTotal.WithLabelValues(outcome).Inc()
	p.TaskDuration.Observe(seconds)
}

// ObserveRun records one finalized pipeline run.
func (p *Pipeline) ObserveRun(status string) {
	if p == nil {
		return
	}
	p.RunsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth updates the queue gauge.
func (p *Pipeline) SetQueueDepth(depth int) {
	if p == nil {
		return
	}
	p.QueueDepth.Set(float64(depth))
}

// AddBusyWorkers moves the busy-worker gauge by delta.
func (p *Pipeline) AddBusyWorkers(delta float64) {
	if p == nil {
		return
	}
	p.BusyWorkers.Add(delta)
}
