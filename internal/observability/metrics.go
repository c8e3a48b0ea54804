// Package observability exposes the Prometheus metrics of the sync backend on a private registry.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push outcomes recorded by RecordPush.
const (
	PushCreated      = "created"
	PushUpdated      = "updated"
	PushConflict     = "conflict"
	PushCoalesced    = "coalesced"
	PushDenied       = "denied"
	PushFailed       = "failed"
	defaultNamespace = "reflective"
)

// Collector holds all Prometheus metrics for the application.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	pushes       *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	purged       *prometheus.CounterVec
	streams      prometheus.Gauge
}

// NewCollector creates a collector with its own registry; an empty namespace uses "reflective".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_pushes_total",
				Help:      "Backup pushes by outcome",
			},
			[]string{"outcome"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_conflict_resolutions_total",
				Help:      "Resolved conflicts by chosen version",
			},
			[]string{"choice"},
		),
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_purged_records_total",
				Help:      "Records removed by purges",
			},
			[]string{"kind"},
		),
		streams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_event_streams",
				Help:      "Open realtime event streams",
			},
		),
	}

	registry.MustRegister(
		collector.httpRequests,
		collector.httpDuration,
		collector.pushes,
		collector.resolutions,
		collector.purged,
		collector.streams,
	)
	return collector
}

// ObserveRequest records one finished HTTP request.
func (c *Collector) ObserveRequest(method, route, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordPush counts one backup push outcome.
func (c *Collector) RecordPush(outcome string) {
	if c == nil {
		return
	}
	c.pushes.WithLabelValues(outcome).Inc()
}

// RecordResolution counts one resolved conflict.
func (c *Collector) RecordResolution(choice string) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(choice).Inc()
}

// RecordPurge adds the record counts removed by a purge.
func (c *Collector) RecordPurge(backups, conflicts, metrics int64) {
	if c == nil {
		return
	}
	c.purged.WithLabelValues("backups").Add(float64(backups))
	c.purged.WithLabelValues("conflicts").Add(float64(conflicts))
	c.purged.WithLabelValues("metrics").Add(float64(metrics))
}

// StreamOpened tracks a realtime stream; call the returned func when it closes.
func (c *Collector) StreamOpened() func() {
	if c == nil {
		return func() {}
	}
	c.streams.Inc()
	return c.streams.Dec
}

// Registry returns the Prometheus registry for this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
