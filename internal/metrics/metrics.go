// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socialflow"

var (
	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Tasks handled by the worker pool by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Time spent in a task handler",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	itemsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "items_total",
			Help:      "Dispatch items that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	eventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_forwarded_total",
			Help:      "Events received from the pub/sub topic and handed to the hub",
		},
	)

	bridgeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "reconnects_total",
			Help:      "Times the bridge had to resubscribe",
		},
	)

	hubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Live client connections",
		},
	)

	hubDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_connections_total",
			Help:      "Connections removed because delivery failed",
		},
	)
)

func RecordTask(taskType, outcome string, d time.Duration) {
	tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func RecordItemSettled(kind, status string) { itemsSettled.WithLabelValues(kind, status).Inc() }

func RecordEventForwarded() { eventsForwarded.Inc() }

func RecordBridgeReconnect() { bridgeReconnects.Inc() }

func SetHubConnections(n int) { hubConnections.Set(float64(n)) }

func RecordHubDrop() { hubDropped.Inc() }
