// Package metrics records resize outcomes on a private registry that is
// pushed to a Prometheus Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "ec2_resizer"

// Outcome labels.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
)

// Recorder holds the resizer's collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry        *prometheus.Registry
	resizes         *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	safetyFailures  *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	cpu             *prometheus.GaugeVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		resizes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resizes_total",
			Help:      "Resize attempts by outcome",
		}, []string{"outcome"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome",
		}, []string{"outcome"}),
		safetyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_check_failures_total",
			Help:      "Safety check failures by check",
		}, []string{"check"}),
		recommendations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Recommendations by decision",
		}, []string{"decision"}),
		cpu: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_average_percent",
			Help:      "Average CPU utilization over the analysis window",
		}, []string{"region", "instance_id"}),
	}
}

// Registry exposes the underlying registry for tests and custom gatherers.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Resize(outcome string) {
	if r == nil {
		return
	}
	r.resizes.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

func (r *Recorder) Rollback(outcome string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

func (r *Recorder) SafetyFailure(check string) {
	if r == nil {
		return
	}
	r.safetyFailures.WithLabelValues(check).Inc()
}

// Recommendation counts the decision and records the instance's CPU average.
func (r *Recorder) Recommendation(region, instanceID, decision string, averageCPU float64) {
	if r == nil {
		return
	}
	r.recommendations.WithLabelValues(decision).Inc()
	r.cpu.WithLabelValues(region, instanceID).Set(averageCPU)
}

// Push sends every collector to the Pushgateway at url under job. An empty
// url is a no-op.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	if r == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}

func normalizeOutcome(outcome string) string {
	switch o := strings.ToLower(strings.TrimSpace(outcome)); o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped, OutcomeRejected:
		return o
	default:
		return "unknown"
	}
}
