// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the sync engine.
//
// # Description
//
// Metrics cover the reconciliation loop and the evacuation lifecycle:
//   - push frames by topic collection and outcome (applied, malformed, empty)
//   - snapshots applied by source (fetch, push, optimistic)
//   - live push subscriptions
//   - lifecycle transitions by mode and outcome
//   - classifier latency
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "evacsync"

// Metrics holds all Prometheus metrics for the sync engine. Create one
// per process via NewMetrics and share it.
type Metrics struct {
	// PushFramesTotal counts push-channel frames.
	// Labels: collection, outcome (applied, malformed, empty, dropped)
	PushFramesTotal *prometheus.CounterVec

	// SnapshotsTotal counts snapshots applied to stores.
	// Labels: collection, source (fetch, push, optimistic)
	SnapshotsTotal *prometheus.CounterVec

	// ActiveSubscriptions gauges live upstream topic subscriptions.
	ActiveSubscriptions prometheus.Gauge

	// LifecycleTransitionsTotal counts start/end attempts.
	// Labels: mode (drill, alarm), transition (start, end),
	// outcome (ok, rejected, failed)
	LifecycleTransitionsTotal *prometheus.CounterVec

	// ClassifyDurationSeconds measures classifier latency.
	ClassifyDurationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all metrics on the registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PushFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_frames_total",
			Help:      "Push-channel frames by collection and outcome.",
		}, []string{"collection", "outcome"}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots_total",
			Help:      "Snapshots applied to reconciliation stores by source.",
		}, []string{"collection", "source"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_subscriptions",
			Help:      "Live upstream push-topic subscriptions.",
		}),
		LifecycleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Evacuation start/end attempts by mode and outcome.",
		}, []string{"mode", "transition", "outcome"}),
		ClassifyDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "classify_duration_seconds",
			Help:      "Latency of check-in classification.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	reg.MustRegister(
		m.PushFramesTotal,
		m.SnapshotsTotal,
		m.ActiveSubscriptions,
		m.LifecycleTransitionsTotal,
		m.ClassifyDurationSeconds,
	)
	return m
}

// Nop returns metrics registered on a private registry, for callers that
// do not care about observation (tests, tools).
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
