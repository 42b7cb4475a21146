// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the daemon's Prometheus metrics. Every
// engine takes a *Metrics and increments what it owns; nil-safe no-op
// behavior is not provided, so wiring always passes a real instance
// (tests use New with a private registry).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the daemon registers.
type Metrics struct {
	registry *prometheus.Registry

	SyncRounds      *prometheus.CounterVec
	SyncDuration    prometheus.Histogram
	RecordsMerged   prometheus.Counter
	StatesMerged    prometheus.Counter
	RecordsRejected prometheus.Counter

	HeartbeatsSent     *prometheus.CounterVec
	HeartbeatsReceived prometheus.Counter
	ModePromotions     prometheus.Counter
	ModeDemotions      prometheus.Counter

	TasksCreated   prometheus.Counter
	TasksExecuted  *prometheus.CounterVec
	TasksTimedOut  prometheus.Counter
	JoinsReceived  *prometheus.CounterVec
	KnownNodes     prometheus.Gauge
	RequestsServed *prometheus.CounterVec
}

// New builds and registers all instruments on a fresh registry, along
// with the standard Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto(registry)
	m := &Metrics{
		registry: registry,

		SyncRounds: factory.counterVec("farm_sync_rounds_total",
			"Gossip rounds, by outcome.", "outcome"),
		SyncDuration: factory.histogram("farm_sync_duration_seconds",
			"Duration of one full gossip round."),
		RecordsMerged: factory.counter("farm_records_merged_total",
			"Node records applied by the merge layer."),
		StatesMerged: factory.counter("farm_states_merged_total",
			"Node states applied by the merge layer."),
		RecordsRejected: factory.counter("farm_records_rejected_total",
			"Records rejected as malformed or future-stamped."),

		HeartbeatsSent: factory.counterVec("farm_heartbeats_sent_total",
			"Outbound heartbeats, by outcome.", "outcome"),
		HeartbeatsReceived: factory.counter("farm_heartbeats_received_total",
			"Inbound heartbeats served."),
		ModePromotions: factory.counter("farm_mode_promotions_total",
			"Relay to temp_full promotions."),
		ModeDemotions: factory.counter("farm_mode_demotions_total",
			"Temp_full to relay demotions."),

		TasksCreated: factory.counter("farm_tasks_created_total",
			"Tasks submitted."),
		TasksExecuted: factory.counterVec("farm_tasks_executed_total",
			"Tasks executed locally, by status.", "status"),
		TasksTimedOut: factory.counter("farm_tasks_timed_out_total",
			"Tasks marked timeout by the sweep."),
		JoinsReceived: factory.counterVec("farm_joins_received_total",
			"Inbound join requests, by resulting status.", "status"),
		KnownNodes: factory.gauge("farm_known_nodes",
			"Node records in the registry, tombstones included."),
		RequestsServed: factory.counterVec("farm_http_requests_total",
			"HTTP requests served, by route and code.", "route", "code"),
	}
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// factory keeps registration one-liners readable above.
type factory struct{ registry *prometheus.Registry }

func promauto(registry *prometheus.Registry) factory { return factory{registry} }

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.registry.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.registry.MustRegister(g)
	return g
}

func (f factory) histogram(name, help string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.DefBuckets,
	})
	f.registry.MustRegister(h)
	return h
}
