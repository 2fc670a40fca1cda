// Package metrics holds the Prometheus collectors for the fan-out pipeline.
//
// Metrics implements the observer interfaces of display, enrich and dispatch,
// so components never import Prometheus directly.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertbot"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	mu        sync.Mutex
	connected map[string]struct{}

	// Display pool
	DisplayConnections prometheus.Gauge
	DisplayMessages    *prometheus.CounterVec

	// Enrichment
	EnrichOutcomes *prometheus.CounterVec
	CatalogErrors  prometheus.Counter

	// Dispatcher
	InboundEvents    *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Upstream
	UpstreamTransitions *prometheus.CounterVec
	UpstreamConnected   prometheus.Gauge

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		connected: map[string]struct{}{},
		DisplayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "display",
			Name: "connections", Help: "Live display websocket connections across all tenants.",
		}),
		DisplayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "display",
			Name: "messages_total", Help: "Per-connection broadcast results.",
		}, []string{"result"}),
		EnrichOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "enrich",
			Name: "outcomes_total", Help: "Enrichment outcomes.",
		}, []string{"outcome"}),
		CatalogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "enrich",
			Name: "catalog_errors_total", Help: "Alert catalog lookups that failed and degraded to passthrough.",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch",
			Name: "inbound_total", Help: "Inbound upstream events by type.",
		}, []string{"event_type"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch",
			Name: "dropped_total", Help: "Inbound events dropped before dispatch.",
		}, []string{"reason"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch",
			Name: "duration_seconds", Help: "Time from lane pop to broadcast completion.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"outcome"}),
		UpstreamTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "transitions_total", Help: "Upstream connection lifecycle events.",
		}, []string{"event"}),
		UpstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream",
			Name: "connected", Help: "Tenants with a live upstream session.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "requests_total", Help: "HTTP requests by route and status class.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http",
			Name: "request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DisplayConnections, m.DisplayMessages,
		m.EnrichOutcomes, m.CatalogErrors,
		m.InboundEvents, m.DroppedEvents, m.DispatchDuration,
		m.UpstreamTransitions, m.UpstreamConnected,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveBroadcast(sent, pruned int) {
	if sent > 0 {
		m.DisplayMessages.WithLabelValues("sent").Add(float64(sent))
	}
	if pruned > 0 {
		m.DisplayMessages.WithLabelValues("pruned").Add(float64(pruned))
	}
}

func (m *Metrics) ObserveConnections(delta int) {
	m.DisplayConnections.Add(float64(delta))
}

func (m *Metrics) ObserveEnrichment(outcome string, catalogErr bool) {
	m.EnrichOutcomes.WithLabelValues(outcome).Inc()
	if catalogErr {
		m.CatalogErrors.Inc()
	}
}

func (m *Metrics) ObserveInbound(eventType string) {
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDispatched(outcome string, took time.Duration) {
	m.DispatchDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// ObserveUpstream records a lifecycle event published by the upstream manager
// ("upstream.connected", "upstream.failed", "upstream.disconnected").
func (m *Metrics) ObserveUpstream(eventType, tenantID string) {
	name := strings.TrimPrefix(eventType, "upstream.")
	m.UpstreamTransitions.WithLabelValues(name).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	_, was := m.connected[tenantID]
	switch {
	case name == "connected" && !was:
		m.connected[tenantID] = struct{}{}
	case name != "connected" && was:
		delete(m.connected, tenantID)
	}
	m.UpstreamConnected.Set(float64(len(m.connected)))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
