// Package metrics defines the prometheus metrics a run collects and pushes
// to a Pushgateway at exit, since a one-shot CLI process has no HTTP
// endpoint of its own for a scraper to pull from.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "rebasebot"

const (
	outcomeLabel = "outcome"
	phaseLabel   = "phase"
)

// OutcomeLabel values for RunsTotal.
const (
	OutcomeSuccess OutcomeLabel = "success"
	OutcomeNoop    OutcomeLabel = "noop"
	OutcomeFailure OutcomeLabel = "failure"
	OutcomeInvalid OutcomeLabel = "invalid"
)

type OutcomeLabel string

// Collector holds every metric a run updates. A fresh Collector is created
// per process and registered on its own registry so Push sends exactly this
// run's samples.
type Collector struct {
	registry       *prometheus.Registry
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	hookDuration   *prometheus.HistogramVec
	carriedCommits prometheus.Gauge
	providerRetry  *prometheus.CounterVec
}

// NewCollector builds and registers a Collector's metrics on a private
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		runsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "count of completed runs by outcome",
			},
			[]string{outcomeLabel},
		),
		runDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "wall-clock duration of a full run",
				Buckets:   prometheus.DefBuckets,
			},
		),
		hookDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_duration_seconds",
				Help:      "duration of a single hook invocation by phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{phaseLabel},
		),
		carriedCommits: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "carried_commits",
				Help:      "number of commits carried in the most recent rebase plan",
			},
		),
		providerRetry: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "count of retried hosting-provider API calls",
			},
			[]string{"provider"},
		),
	}

	return c
}

func (c *Collector) ObserveRunDuration(seconds float64) {
	c.runDuration.Observe(seconds)
}

func (c *Collector) IncRunOutcome(outcome OutcomeLabel) {
	c.runsTotal.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) ObserveHookDuration(phase string, seconds float64) {
	c.hookDuration.WithLabelValues(phase).Observe(seconds)
}

func (c *Collector) SetCarriedCommits(n int) {
	c.carriedCommits.Set(float64(n))
}

func (c *Collector) IncProviderRetry(provider string) {
	c.providerRetry.WithLabelValues(provider).Inc()
}

// Push sends the collector's current metrics to a Pushgateway, replacing
// any metrics previously pushed under the same job/instance grouping.
func (c *Collector) Push(url, job, instance string) error {
	if url == "" {
		return nil
	}

	pusher := push.New(url, job).
		Gatherer(c.registry).
		Grouping("instance", instance)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("pushing metrics to pushgateway %s: %w", url, err)
	}

	return nil
}
