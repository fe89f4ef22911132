/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for gqlsocket sessions.
//
// All metrics are registered with the package Registry, which the status
// server exposes on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - gqlsocket_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every gqlsocket metric plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// PushesTotal counts channel pushes by event.
	PushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlsocket_pushes_total",
			Help: "Total pushes sent on the GraphQL channel by event.",
		},
		[]string{"event"},
	)

	// PushRepliesTotal counts push outcomes by event and reply status.
	PushRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlsocket_push_replies_total",
			Help: "Total push replies by event and status (ok, error, timeout).",
		},
		[]string{"event", "status"},
	)

	// PushDurationSeconds is a histogram of push round-trip time by event.
	PushDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gqlsocket_push_duration_seconds",
			Help:    "Time between a push and its reply in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"event"},
	)

	// ChannelJoinsTotal counts channel join outcomes.
	ChannelJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlsocket_channel_joins_total",
			Help: "Total channel joins by reply status.",
		},
		[]string{"status"},
	)

	// ConnectionEventsTotal counts socket lifecycle events.
	ConnectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlsocket_connection_events_total",
			Help: "Total socket lifecycle events (open, close).",
		},
		[]string{"event"},
	)

	// ObserverEventsTotal counts callbacks delivered to observers.
	ObserverEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gqlsocket_observer_events_total",
			Help: "Total observer callbacks delivered by event.",
		},
		[]string{"event"},
	)

	// PendingNotifiers is the number of outstanding operations.
	PendingNotifiers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gqlsocket_pending_notifiers",
			Help: "Number of queries, mutations and subscriptions awaiting completion.",
		},
	)

	// PendingSubscriptions is the number of tracked server subscriptions.
	PendingSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gqlsocket_pending_subscriptions",
			Help: "Number of shared server subscriptions being tracked.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PushesTotal,
		PushRepliesTotal,
		PushDurationSeconds,
		ChannelJoinsTotal,
		ConnectionEventsTotal,
		ObserverEventsTotal,
		PendingNotifiers,
		PendingSubscriptions,
	)
}

// RecordPush records a single push.
func RecordPush(event string) {
	PushesTotal.WithLabelValues(event).Inc()
}

// RecordPushReply records the outcome of a push and how long it took.
func RecordPushReply(event, status string, elapsed time.Duration) {
	PushRepliesTotal.WithLabelValues(event, status).Inc()
	PushDurationSeconds.WithLabelValues(event).Observe(elapsed.Seconds())
}

// RecordJoin records a channel join outcome.
func RecordJoin(status string) {
	ChannelJoinsTotal.WithLabelValues(status).Inc()
}

// RecordConnectionEvent records a socket open or close.
func RecordConnectionEvent(event string) {
	ConnectionEventsTotal.WithLabelValues(event).Inc()
}

// RecordObserverEvents records n callbacks of one kind. Zero is ignored.
func RecordObserverEvents(event string, n int) {
	if n <= 0 {
		return
	}
	ObserverEventsTotal.WithLabelValues(event).Add(float64(n))
}

// SetPending records the current store sizes.
func SetPending(notifiers, subscriptions int) {
	PendingNotifiers.Set(float64(notifiers))
	PendingSubscriptions.Set(float64(subscriptions))
}
