// Package metrics registers the Prometheus collectors exported by the
// driver runtime core: queue depth and dispatch outcomes, transport
// reconnects, and subscription delivery/remap counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector the core exports so a process can
// register them once against its own prometheus.Registerer.
type Registry struct {
	QueueDepth      *prometheus.GaugeVec
	QueueInFlight   prometheus.Gauge
	TasksDispatched *prometheus.CounterVec
	TasksRetried    *prometheus.CounterVec
	TasksTimedOut   prometheus.Counter
	TasksAborted    *prometheus.CounterVec

	TransportReconnects prometheus.Counter
	TransportOnline     prometheus.Gauge
	TransportBytesIn    prometheus.Counter
	TransportBytesOut   prometheus.Counter

	SubscriptionsDelivered prometheus.Counter
	SubscriptionsRemapped  prometheus.Counter
	SubscriptionsActive    prometheus.Gauge
}

// New constructs a Registry with unregistered collectors bound to a
// constant module_id label, ready for Register.
func New(moduleID string) *Registry {
	labels := prometheus.Labels{"module_id": moduleID}
	constLabels := func(extra prometheus.Labels) prometheus.Labels {
		merged := prometheus.Labels{}
		for k, v := range labels {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		return merged
	}

	return &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Number of pending tasks per priority lane.",
			ConstLabels: labels,
		}, []string{"priority"}),
		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "in_flight",
			Help:        "1 when a task is currently dispatched, else 0.",
			ConstLabels: labels,
		}),
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "tasks_dispatched_total",
			Help:        "Tasks sent to the transport, by priority.",
			ConstLabels: labels,
		}, []string{"priority"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "tasks_retried_total",
			Help:        "Tasks re-enqueued after timeout or parser retry, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		TasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "tasks_timed_out_total",
			Help:        "Armed deadlines that fired before a terminal call.",
			ConstLabels: labels,
		}),
		TasksAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "queue",
			Name:        "tasks_aborted_total",
			Help:        "Tasks that completed as Abort, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		TransportReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "transport",
			Name:        "reconnects_total",
			Help:        "Successful (re)connect attempts.",
			ConstLabels: labels,
		}),
		TransportOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "drivercore",
			Subsystem:   "transport",
			Name:        "online",
			Help:        "1 while the transport is connected, else 0.",
			ConstLabels: labels,
		}),
		TransportBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "transport",
			Name:        "bytes_read_total",
			Help:        "Bytes read from the wire.",
			ConstLabels: labels,
		}),
		TransportBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "transport",
			Name:        "bytes_written_total",
			Help:        "Bytes written to the wire.",
			ConstLabels: labels,
		}),
		SubscriptionsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "subscriptions",
			Name:        "delivered_total",
			Help:        "Callback invocations dispatched from published messages.",
			ConstLabels: labels,
		}),
		SubscriptionsRemapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "drivercore",
			Subsystem:   "subscriptions",
			Name:        "remapped_total",
			Help:        "Indirect subscriptions rebound by a lookup-change event.",
			ConstLabels: labels,
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "drivercore",
			Subsystem:   "subscriptions",
			Name:        "active",
			Help:        "Currently registered subscriptions.",
			ConstLabels: constLabels(nil),
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration (mirrors prometheus.MustRegister).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.QueueDepth, r.QueueInFlight, r.TasksDispatched, r.TasksRetried,
		r.TasksTimedOut, r.TasksAborted,
		r.TransportReconnects, r.TransportOnline, r.TransportBytesIn, r.TransportBytesOut,
		r.SubscriptionsDelivered, r.SubscriptionsRemapped, r.SubscriptionsActive,
	)
}
