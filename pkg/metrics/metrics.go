// Package metrics exports prometheus collectors for the task scheduler
// and the control loops it drives.
package metrics

import (
	"github.com/ethpandaops/gradeoor/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gradeoor"

// Metrics holds the registered collectors.
type Metrics struct {
	tasksScheduled *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_scheduled_total",
			Help:      "Number of tasks enqueued, by task name.",
		}, []string{"task"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Number of task executions, by task name and outcome.",
		}, []string{"task", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Task execution time, by task name.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"task"}),
	}

	reg.MustRegister(m.tasksScheduled, m.tasksFinished, m.taskDuration)

	return m
}

// Observe records a scheduler event. It satisfies scheduler.Observer.
func (m *Metrics) Observe(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventScheduled:
		m.tasksScheduled.WithLabelValues(ev.Task).Inc()
	case scheduler.EventSucceeded, scheduler.EventRetrying, scheduler.EventFailed:
		m.tasksFinished.WithLabelValues(ev.Task, string(ev.Kind)).Inc()
		m.taskDuration.WithLabelValues(ev.Task).Observe(ev.Duration.Seconds())
	case scheduler.EventStarted:
	}
}
