// Package metrics exports call counts and latencies to Prometheus.
package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/events"
	"github.com/morezero/actbus/pkg/rpcerr"
)

const logPrefix = "metrics:metrics"

// Name is the plugin name.
const Name = "metrics"

// Label values for the side label.
const (
	SideClient = "client"
	SideServer = "server"
)

// Metrics holds the Prometheus collectors of one engine.
type Metrics struct {
	mu sync.Mutex

	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	actions         prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// New creates the collectors. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer: registerer,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actbus",
			Name:      "requests_total",
			Help:      "Completed calls by side and topic",
		}, []string{"side", "topic"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "actbus",
			Name:      "errors_total",
			Help:      "Failed calls by side, topic and error name",
		}, []string{"side", "topic", "error"}),
		durationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "actbus",
			Name:      "request_duration_seconds",
			Help:      "Call latency from request creation to completion",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"side", "topic"}),
		actions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "actbus",
			Name:      "actions_registered",
			Help:      "Number of registered actions",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{m.requestsTotal, m.errorsTotal, m.durationSeconds, m.actions}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return fmt.Errorf("%s - failed to register collector: %w", logPrefix, err)
			}
		}
	}

	m.registered = true
	return nil
}

// Plugin returns the plugin that observes the engine lifecycle.
func (m *Metrics) Plugin() engine.Plugin {
	return engine.Plugin{
		Name:    Name,
		Version: "1.0.0",
		Register: func(s *engine.Scope) error {
			if err := m.Register(); err != nil {
				return err
			}
			e := s.Engine()
			countActions := func(*events.Event) { m.actions.Set(float64(len(e.List(nil)))) }
			countActions(nil)
			s.OnEvent(events.Add, countActions)
			s.OnEvent(events.Remove, countActions)
			s.OnEvent(events.ClientPostRequest, m.observer(SideClient))
			s.OnEvent(events.ServerPreResponse, m.observer(SideServer))
			slog.Info(fmt.Sprintf("%s - Metrics plugin registered", logPrefix))
			return nil
		},
	}
}

func (m *Metrics) observer(side string) events.Observer {
	return func(ev *events.Event) {
		m.Observe(side, ev)
	}
}

// Observe records one completed call.
func (m *Metrics) Observe(side string, ev *events.Event) {
	m.requestsTotal.WithLabelValues(side, ev.Topic).Inc()
	if ev.Request.Timestamp > 0 {
		d := time.Duration(codec.Since(ev.Request.Timestamp))
		m.durationSeconds.WithLabelValues(side, ev.Topic).Observe(d.Seconds())
	}
	if ev.Err != nil {
		name := rpcerr.NameOf(ev.Err)
		if name == "" {
			name = "Error"
		}
		m.errorsTotal.WithLabelValues(side, ev.Topic, name).Inc()
	}
}
