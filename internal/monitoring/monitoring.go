// Package monitoring implements the Monitoring subsystem: named event
// counters, threshold alert rules, and a Prometheus-backed exposition
// surface, adapted from the teacher's metrics registration pattern.
package monitoring

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "alertTriggered" when a counter crosses a rule's
// threshold.
type Listener func(event string, payload map[string]interface{})

// Monitor owns every named counter and alert rule.
type Monitor struct {
	mu sync.RWMutex

	counters map[string]int64
	rules    map[string]models.AlertRule

	registry    *prometheus.Registry
	promCounter *prometheus.CounterVec

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs a Monitor and registers its Prometheus counter vector on a
// fresh registry, returned to the caller so it can be exposed over HTTP
// (the demonstration server mounts it on /metrics/prometheus).
func New(clk clock.Clock, log *logger.Logger) (*Monitor, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iam_core",
		Name:      "subsystem_events_total",
		Help:      "Total subsystem lifecycle events observed by the orchestrator.",
	}, []string{"event"})
	registry.MustRegister(vec)

	return &Monitor{
		counters:    make(map[string]int64),
		rules:       make(map[string]models.AlertRule),
		registry:    registry,
		promCounter: vec,
		clock:       clk,
		log:         log,
	}, registry
}

// OnEvent registers a listener.
func (m *Monitor) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) fire(event string, payload map[string]interface{}) {
	for _, l := range m.listeners {
		func() {
			defer m.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// Increment bumps a named counter by 1, mirrors it to the Prometheus
// counter vector, and evaluates alert rules keyed to that counter.
func (m *Monitor) Increment(counter string) {
	m.promCounter.WithLabelValues(counter).Inc()

	m.mu.Lock()
	m.counters[counter]++
	value := m.counters[counter]
	var triggered []models.AlertRule
	for _, r := range m.rules {
		if r.Enabled && r.Counter == counter && float64(value) >= r.Threshold {
			triggered = append(triggered, r)
		}
	}
	m.mu.Unlock()

	for _, r := range triggered {
		m.fire("alertTriggered", map[string]interface{}{"rule_id": r.ID, "counter": counter, "value": value, "threshold": r.Threshold})
	}
}

// GetCounter returns a counter's current value.
func (m *Monitor) GetCounter(counter string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counter]
}

// Counters returns a snapshot copy of every counter.
func (m *Monitor) Counters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// CreateAlertRule registers a threshold alert rule.
func (m *Monitor) CreateAlertRule(r models.AlertRule) models.AlertRule {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = models.NewID()
	r.Touch(now)
	m.rules[r.ID] = r
	return r
}

// DeleteAlertRule removes an alert rule.
func (m *Monitor) DeleteAlertRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("delete alert rule: %w", apierr.New(apierr.NotFound, "alert_rule", id))
	}
	delete(m.rules, id)
	return nil
}

// ListAlertRules returns every registered alert rule.
func (m *Monitor) ListAlertRules() []models.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out
}

// Registry returns the Prometheus registry backing this monitor's counters,
// for mounting on an HTTP handler such as /metrics/prometheus.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
