// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the scribe service.
//
// # Description
//
// Metrics cover the HTTP API plus the storage-facing operations that matter
// operationally: session splits, CAS retries, backup deduplication, and the
// orphan sweeper.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "scribevault"

// Metrics holds the service's Prometheus instruments. Initialize once at
// startup via NewMetrics.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route and status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures HTTP request latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// SplitsTotal counts session extension splits.
	SplitsTotal prometheus.Counter

	// OrphansSweptTotal counts orphaned extension documents removed by
	// the sweeper.
	OrphansSweptTotal prometheus.Counter

	// BackupsTotal counts backup attempts by outcome (stored, dedup).
	BackupsTotal *prometheus.CounterVec

	// RevisionsTotal counts recorded revisions.
	RevisionsTotal prometheus.Counter

	// BackendReconfiguresTotal counts live storage-backend swaps by
	// outcome (applied, failed).
	BackendReconfiguresTotal *prometheus.CounterVec
}

// NewMetrics registers the service metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry so
// parallel tests don't collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		SplitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "splits_total",
			Help:      "Session extension splits performed.",
		}),
		OrphansSweptTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "orphans_swept_total",
			Help:      "Orphaned extension documents removed by the sweeper.",
		}),
		BackupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "backup",
			Name:      "backups_total",
			Help:      "Backup attempts by outcome.",
		}, []string{"outcome"}),
		RevisionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "revision",
			Name:      "revisions_total",
			Help:      "File revisions recorded.",
		}),
		BackendReconfiguresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "backend_reconfigures_total",
			Help:      "Live storage-backend swaps by outcome.",
		}, []string{"outcome"}),
	}
}

// GinMiddleware observes every request's route, status, and latency. The
// route label uses the registered path template, not the raw URL, to keep
// label cardinality bounded.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
