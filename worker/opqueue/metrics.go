// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package opqueue

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "viewfinder_opqueue"

// Collector is a prometheus.Collector that collects metrics about
// operation queue draining.
type Collector struct {
	started      prometheus.Counter
	completed    prometheus.Counter
	failed       prometheus.Counter
	quarantined  prometheus.Counter
	nested       prometheus.Counter
	lockDenied   prometheus.Counter
	drainSeconds prometheus.Histogram
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		started: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_started",
				Help:      "The number of operation executions started.",
			},
		),
		completed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_completed",
				Help:      "The number of operations executed to completion.",
			},
		),
		failed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_failed",
				Help:      "The number of operation attempts that failed and were requeued.",
			},
		),
		quarantined: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_quarantined",
				Help:      "The number of operations set aside after persistent failure.",
			},
		),
		nested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "nested_operations",
				Help:      "The number of nested operations run inline by a parent.",
			},
		),
		lockDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lock_denied",
				Help:      "The number of drain attempts that found the user queue locked elsewhere.",
			},
		),
		drainSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "drain_seconds",
				Help:      "The time taken to drain a user's queue once.",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.started.Describe(ch)
	c.completed.Describe(ch)
	c.failed.Describe(ch)
	c.quarantined.Describe(ch)
	c.nested.Describe(ch)
	c.lockDenied.Describe(ch)
	c.drainSeconds.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.started.Collect(ch)
	c.completed.Collect(ch)
	c.failed.Collect(ch)
	c.quarantined.Collect(ch)
	c.nested.Collect(ch)
	c.lockDenied.Collect(ch)
	c.drainSeconds.Collect(ch)
}
