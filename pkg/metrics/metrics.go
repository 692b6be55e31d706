// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the tunnel server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the tunnel server.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthResults  *prometheus.CounterVec
	AuthDuration *prometheus.HistogramVec

	// Matching metrics
	ConnectResponses         *prometheus.CounterVec
	QueuedEntries            prometheus.Gauge
	Queues                   prometheus.Gauge
	GCEvictions              prometheus.Counter
	ProviderResponseDuration prometheus.Histogram

	// Relay metrics
	ActiveRelays  prometheus.Gauge
	RelayDuration prometheus.Histogram
	ApduPackets   *prometheus.CounterVec
	ApduBytes     *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedConnections *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "moat"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open tunnel connections",
			},
			[]string{"role"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of handled tunnel connections",
			},
			[]string{"role", "status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connections torn down by an error",
			},
			[]string{"role", "error_type"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Time a handler owned its connection",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"role"},
		),
		AuthAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authorization calls",
			},
			[]string{"method"},
		),
		AuthResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_results_total",
				Help:      "Authorization outcomes",
			},
			[]string{"method", "result"},
		),
		AuthDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_duration_seconds",
				Help:      "Authorization call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ConnectResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_responses_total",
				Help:      "Connect responses sent to probes",
			},
			[]string{"status"},
		),
		QueuedEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_requests",
				Help:      "Probe requests waiting for a provider",
			},
		),
		Queues: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_queues",
				Help:      "Number of live provider queues",
			},
		),
		GCEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_evictions_total",
				Help:      "Probe requests dropped from idle provider queues",
			},
		),
		ProviderResponseDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_response_duration_seconds",
				Help:      "Time providers take to answer a forwarded connect request",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveRelays: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_relays",
				Help:      "Number of established probe to provider relays",
			},
		),
		RelayDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Relay lifetime in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		ApduPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apdu_packets_total",
				Help:      "Relayed APDU packets",
			},
			[]string{"sender", "op"},
		),
		ApduBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apdu_bytes_total",
				Help:      "Relayed APDU payload bytes",
			},
			[]string{"sender"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Connections rejected by the per-address rate limiter",
			},
			[]string{"listener"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveConnection tracks a handler's ownership of a connection.
func (m *Metrics) ObserveConnection(role string, f func() error) error {
	m.ActiveConnections.WithLabelValues(role).Inc()
	defer m.ActiveConnections.WithLabelValues(role).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(role, status).Inc()

	return err
}

// ObserveRelay tracks one relay lifecycle.
func (m *Metrics) ObserveRelay(f func() error) error {
	m.ActiveRelays.Inc()
	defer m.ActiveRelays.Dec()

	start := time.Now()
	defer func() {
		m.RelayDuration.Observe(time.Since(start).Seconds())
	}()

	return f()
}
