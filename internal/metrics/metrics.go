// Package metrics exposes queue and tasklet lifecycle counters on a private
// Prometheus registry, fed from the event bus so no core component carries a
// metrics dependency.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightofknife/aura/internal/bus"
)

// Metrics holds the collectors and their private registry.
type Metrics struct {
	registry *prometheus.Registry

	enqueued *prometheus.CounterVec
	finished *prometheus.CounterVec
	depth    *prometheus.GaugeVec
	running  prometheus.Gauge
}

// New creates and registers the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "tasklets_enqueued_total",
			Help:      "Tasklets enqueued, by queue.",
		}, []string{"queue"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura",
			Name:      "tasklets_finished_total",
			Help:      "Tasklets finished, by terminal status.",
		}, []string{"status"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aura",
			Name:      "queue_depth",
			Help:      "Tasklets currently waiting, by queue.",
		}, []string{"queue"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura",
			Name:      "tasklets_running",
			Help:      "Tasklets currently executing.",
		}),
	}
	m.registry.MustRegister(m.enqueued, m.finished, m.depth, m.running)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Bind subscribes the collectors to the scheduler's lifecycle events.
func (m *Metrics) Bind(events *bus.Bus) error {
	subs := map[string]bus.Callback{
		"queue.enqueued": func(ctx context.Context, e bus.Event) error {
			q := stringField(e, "queue")
			m.enqueued.WithLabelValues(q).Inc()
			m.depth.WithLabelValues(q).Inc()
			return nil
		},
		"queue.dequeued": func(ctx context.Context, e bus.Event) error {
			m.depth.WithLabelValues(stringField(e, "queue")).Dec()
			return nil
		},
		"queue.dropped": func(ctx context.Context, e bus.Event) error {
			m.depth.WithLabelValues(stringField(e, "queue")).Dec()
			return nil
		},
		"task.started": func(ctx context.Context, e bus.Event) error {
			m.running.Inc()
			return nil
		},
		"task.finished": func(ctx context.Context, e bus.Event) error {
			m.running.Dec()
			m.finished.WithLabelValues(stringField(e, "status")).Inc()
			return nil
		},
		"task.cancelled": func(ctx context.Context, e bus.Event) error {
			m.finished.WithLabelValues("CANCELLED").Inc()
			return nil
		},
	}
	for pattern, cb := range subs {
		if _, err := events.Subscribe(bus.ChannelAny, pattern, cb, bus.Persistent()); err != nil {
			return err
		}
	}
	return nil
}

func stringField(e bus.Event, key string) string {
	s, _ := e.Payload[key].(string)
	if s == "" {
		return "unknown"
	}
	return s
}
