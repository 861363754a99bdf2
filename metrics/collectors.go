// Package metrics tracks per-run call batching and cache behaviour and
// exports process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles Prometheus collectors for the exporter.
type Collectors struct {
	Registry               *prometheus.Registry
	RequestsTotal          *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ErrorsTotal            *prometheus.CounterVec
	RetriesTotal           prometheus.Counter
	CacheReadsTotal        *prometheus.CounterVec
	ItemsEnrichedTotal     prometheus.Counter
	InventoryDegradedTotal *prometheus.CounterVec
}

// NewCollectors constructs and registers all metrics on a dedicated registry.
func NewCollectors() *Collectors {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exporter_upstream_requests_total",
			Help: "Total upstream requests issued, by source and call kind.",
		},
		[]string{"source", "kind"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exporter_upstream_request_duration_seconds",
			Help:    "Upstream request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exporter_upstream_errors_total",
			Help: "Total upstream errors by source and type.",
		},
		[]string{"source", "error_type"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exporter_upstream_retries_total",
			Help: "Total number of retry attempts issued by the transport.",
		},
	)
	cacheReads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exporter_cache_reads_total",
			Help: "Category cache reads by result.",
		},
		[]string{"result"},
	)
	itemsEnriched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exporter_items_enriched_total",
			Help: "Total number of enriched products produced.",
		},
	)
	degraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exporter_inventory_degraded_total",
			Help: "Inventory records substituted with defaults, by reason.",
		},
		[]string{"reason"},
	)

	registry.MustRegister(requests, requestDuration, errorsTotal, retries, cacheReads, itemsEnriched, degraded)

	return &Collectors{
		Registry:               registry,
		RequestsTotal:          requests,
		RequestDuration:        requestDuration,
		ErrorsTotal:            errorsTotal,
		RetriesTotal:           retries,
		CacheReadsTotal:        cacheReads,
		ItemsEnrichedTotal:     itemsEnriched,
		InventoryDegradedTotal: degraded,
	}
}

// IncRequest increments the requests counter.
func (c *Collectors) IncRequest(source Source, kind CallKind) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(string(source), string(kind)).Inc()
}

// ObserveDuration records an upstream request duration.
func (c *Collectors) ObserveDuration(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (c *Collectors) IncError(source, errorType string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(source, errorType).Inc()
}

// IncRetries increments the retries counter.
func (c *Collectors) IncRetries() {
	if c == nil {
		return
	}
	c.RetriesTotal.Inc()
}

// AddCacheReads adds hit and miss counts.
func (c *Collectors) AddCacheReads(hits, misses int) {
	if c == nil {
		return
	}
	if hits > 0 {
		c.CacheReadsTotal.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		c.CacheReadsTotal.WithLabelValues("miss").Add(float64(misses))
	}
}

// AddItems adds to the enriched items counter.
func (c *Collectors) AddItems(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ItemsEnrichedTotal.Add(float64(n))
}

// IncDegraded increments the degraded inventory counter.
func (c *Collectors) IncDegraded(reason string) {
	if c == nil {
		return
	}
	c.InventoryDegradedTotal.WithLabelValues(reason).Inc()
}
