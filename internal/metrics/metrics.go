// Package metrics registers the Prometheus collectors exported by the
// channel server and the small helpers used to update them from the hot
// path without leaking Prometheus types into every package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_connections_total",
		Help: "Total WebSocket connections accepted.",
	})
	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_connections_failed_total",
		Help: "Connection attempts rejected by the resource guard or failed upgrade.",
	})
	ConnectionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "channelserver_connections_current",
		Help: "Currently open WebSocket connections.",
	})
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channelserver_disconnects_total",
		Help: "Disconnects by reason.",
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_messages_sent_total",
		Help: "Messages written to client send buffers.",
	})
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channelserver_messages_dropped_total",
		Help: "Messages dropped on a full client send buffer, by channel.",
	}, []string{"channel"})

	AuthAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channelserver_auth_attempts_total",
		Help: "Authentication attempts by outcome.",
	}, []string{"outcome"})

	TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_tasks_dispatched_total",
		Help: "Virtual-HTTP tasks handed to the task dispatch bus.",
	})
	TasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_tasks_dropped_total",
		Help: "Tasks dropped because the task queue was full.",
	})
	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "channelserver_task_duration_seconds",
		Help:    "Task worker execution duration.",
		Buckets: prometheus.DefBuckets,
	})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channelserver_cache_requests_total",
		Help: "Cache plane lookups by tier and outcome.",
	}, []string{"tier", "outcome"})
	CacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "channelserver_cache_invalidations_total",
		Help: "Invalidation notifications published on the cache-invalidate channel.",
	})

	CapacityExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "channelserver_capacity_exhausted_total",
		Help: "Shared-table capacity exhaustion events by table.",
	}, []string{"table"})
)

// MustRegister registers every collector in this package against the given
// registerer (typically prometheus.DefaultRegisterer).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionsTotal, ConnectionsFailed, ConnectionsCurrent, Disconnects,
		MessagesSent, MessagesDropped,
		AuthAttempts,
		TasksDispatched, TasksDropped, TaskDuration,
		CacheHits, CacheInvalidations,
		CapacityExhausted,
	)
}
