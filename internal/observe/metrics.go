package observe

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sourceplane/liteflow/internal/scheduler"
)

// Metrics exports scheduler activity to Prometheus
type Metrics struct {
	transitions *prometheus.CounterVec
	running     prometheus.Gauge
	duration    *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics registers the scheduler metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "liteflow_node_transitions_total",
			Help: "Node state transitions by target state",
		}, []string{"state"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "liteflow_nodes_running",
			Help: "Nodes currently running",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liteflow_node_duration_seconds",
			Help:    "Time nodes spent running, by final state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"state"}),
		started: make(map[string]time.Time),
	}
}

// Observe implements scheduler.Observer
func (m *Metrics) Observe(ev scheduler.Event) {
	m.transitions.WithLabelValues(string(ev.To)).Inc()

	key := ev.RunID + "/" + ev.Node
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.To == scheduler.Running {
		m.running.Inc()
		m.started[key] = ev.Time
		return
	}
	if ev.From == scheduler.Running {
		m.running.Dec()
		if t, ok := m.started[key]; ok {
			m.duration.WithLabelValues(string(ev.To)).Observe(ev.Time.Sub(t).Seconds())
			delete(m.started, key)
		}
	}
}
