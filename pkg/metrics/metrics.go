// Package metrics exposes prometheus collectors for rollouts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// Collector groups the rollout metrics on a private registry.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry         *prometheus.Registry
	rollouts         *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	prepareTimeouts  *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	prepareDuration  prometheus.Histogram
	rolloutsInFlight prometheus.Gauge
}

// NewCollector creates and registers the rollout metrics under the given namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollouts_total",
			Help:      "Completed group rollouts by verdict",
		}, []string{"group", "verdict"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_outcomes_total",
			Help:      "Prepare outcomes recorded by participants",
		}, []string{"outcome"}),
		prepareTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prepare_timeouts_total",
			Help:      "Prepare requests that did not answer before the deadline",
		}, []string{"group"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Commit or rollback signals that could not be delivered",
		}, []string{"phase"}),
		prepareDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prepare_duration_seconds",
			Help:      "Duration of the prepare phase per participant",
			Buckets:   prometheus.DefBuckets,
		}),
		rolloutsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollouts_in_flight",
			Help:      "Rollouts currently running",
		}),
	}

	c.registry.MustRegister(
		c.rollouts,
		c.outcomes,
		c.prepareTimeouts,
		c.deliveryFailures,
		c.prepareDuration,
		c.rolloutsInFlight,
	)

	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RolloutStarted() {
	if c == nil {
		return
	}
	c.rolloutsInFlight.Inc()
}

func (c *Collector) RolloutFinished(group string, verdict protocol.Verdict) {
	if c == nil {
		return
	}
	c.rolloutsInFlight.Dec()
	c.rollouts.WithLabelValues(group, string(verdict)).Inc()
}

func (c *Collector) OutcomeRecorded(outcome protocol.Outcome, took time.Duration) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(string(outcome)).Inc()
	c.prepareDuration.Observe(took.Seconds())
}

func (c *Collector) PrepareTimedOut(group string) {
	if c == nil {
		return
	}
	c.prepareTimeouts.WithLabelValues(group).Inc()
}

func (c *Collector) DeliveryFailed(phase protocol.Phase) {
	if c == nil {
		return
	}
	c.deliveryFailures.WithLabelValues(string(phase)).Inc()
}
