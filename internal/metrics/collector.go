package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/dwiflow/internal/events"
)

// Node outcome label values.
const (
	OutcomeSkipped   = "skipped"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Collector turns bus events into Prometheus metrics on a private registry.
type Collector struct {
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	jobsTotal    *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with all dwiflow metrics registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwiflow_node_total",
				Help: "Node outcomes by stage",
			},
			[]string{"stage", "outcome"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dwiflow_node_duration_seconds",
				Help:    "Wall time of executed nodes in seconds",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"stage"},
		),

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwiflow_jobs_total",
				Help: "Finished (subject, branch) jobs by outcome",
			},
			[]string{"outcome"},
		),

		jobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dwiflow_jobs_active",
				Help: "Jobs currently running",
			},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dwiflow_job_duration_seconds",
				Help:    "Wall time of finished jobs in seconds",
				Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"branch"},
		),

		registry: registry,
	}

	registry.MustRegister(c.nodesTotal, c.nodeDuration, c.jobsTotal, c.jobsActive, c.jobDuration)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe updates metrics from one event.
func (c *Collector) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.NodeSkippedEvent:
		c.nodesTotal.WithLabelValues(e.Node.Stage, OutcomeSkipped).Inc()
	case events.NodeCompletedEvent:
		c.nodesTotal.WithLabelValues(e.Node.Stage, OutcomeCompleted).Inc()
		c.nodeDuration.WithLabelValues(e.Node.Stage).Observe(e.Duration.Seconds())
	case events.NodeFailedEvent:
		outcome := OutcomeFailed
		if e.TimedOut {
			outcome = OutcomeTimedOut
		}
		c.nodesTotal.WithLabelValues(e.Node.Stage, outcome).Inc()
		c.nodeDuration.WithLabelValues(e.Node.Stage).Observe(e.Duration.Seconds())
	case events.JobStartedEvent:
		c.jobsActive.Inc()
	case events.JobFinishedEvent:
		c.jobsActive.Dec()
		outcome := OutcomeCompleted
		if e.Err != nil {
			outcome = OutcomeFailed
		}
		c.jobsTotal.WithLabelValues(outcome).Inc()
		c.jobDuration.WithLabelValues(e.Branch).Observe(e.Duration.Seconds())
	}
}

// Run observes events from ch until it is closed or ctx is done.
func (c *Collector) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// WriteTextfile writes the current metrics in the text exposition format,
// for the node_exporter textfile collector. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
