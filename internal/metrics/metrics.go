// Package metrics provides the Prometheus collectors for the loan ledger.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for lifecycle events.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so callers never need to guard.
type Metrics struct {
	Events         *prometheus.CounterVec
	EventLatency   *prometheus.HistogramVec
	ChainAppends   *prometheus.CounterVec
	Disbursed      prometheus.Counter
	SensorMessages *prometheus.CounterVec
	ChainsVerified *prometheus.CounterVec
	registry       *prometheus.Registry
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}

	m.Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "furrow",
		Name:      "lifecycle_events_total",
		Help:      "Lifecycle events handled, by event type and outcome",
	}, []string{"event", "outcome"})

	m.EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "furrow",
		Name:      "lifecycle_event_duration_seconds",
		Help:      "Time spent applying a lifecycle event, including the commit",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"event"})

	m.ChainAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "furrow",
		Name:      "chain_appends_total",
		Help:      "Committed audit chain entries, by state label",
	}, []string{"state"})

	m.Disbursed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "furrow",
		Name:      "disbursed_amount_total",
		Help:      "Sum of committed stage disbursements",
	})

	m.SensorMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "furrow",
		Name:      "sensor_messages_total",
		Help:      "MQTT sensor messages received, by result",
	}, []string{"result"})

	m.ChainsVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "furrow",
		Name:      "chains_verified_total",
		Help:      "Season chains checked by the audit sweep, by result",
	}, []string{"result"})

	for _, c := range []prometheus.Collector{
		m.Events, m.EventLatency, m.ChainAppends, m.Disbursed, m.SensorMessages, m.ChainsVerified,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the collectors were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveEvent counts one lifecycle event and records its duration.
func (m *Metrics) ObserveEvent(event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event, outcome).Inc()
	m.EventLatency.WithLabelValues(event).Observe(d.Seconds())
}

// ChainAppended counts a committed chain entry.
func (m *Metrics) ChainAppended(state string) {
	if m == nil {
		return
	}
	m.ChainAppends.WithLabelValues(state).Inc()
}

// AddDisbursed adds a committed disbursement amount.
func (m *Metrics) AddDisbursed(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.Disbursed.Add(amount)
}

// SensorMessage counts one sensor message by result.
func (m *Metrics) SensorMessage(result string) {
	if m == nil {
		return
	}
	m.SensorMessages.WithLabelValues(result).Inc()
}

// ChainVerified counts one audit sweep check.
func (m *Metrics) ChainVerified(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.ChainsVerified.WithLabelValues(result).Inc()
}
