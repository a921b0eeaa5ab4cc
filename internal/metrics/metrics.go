// Package metrics exports the request instrumentation and cache statistics
// in the prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sdko-org/wms-filters/internal/filters/instrument"
)

const (
	promNamespace        = "wms_filters"
	promRequestSubsystem = "request"
	promCacheSubsystem   = "cache"
)

// AggregateSource is implemented by the instrumentation filter.
type AggregateSource interface {
	Snapshot() instrument.Aggregate
}

type Prometheus struct {
	requestDurationM *prometheus.HistogramVec
	cacheLookupM     *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus creates the metrics on a dedicated registry.
func NewPrometheus() *Prometheus {
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promRequestSubsystem,
		Name:      "duration_seconds",
		Help:      "Duration in seconds between a map request being ready and its response.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "request"})

	cacheLookup := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promCacheSubsystem,
		Name:      "lookups_total",
		Help:      "The total of cache lookups by artifact kind and result.",
	}, []string{"kind", "result"})

	p := &Prometheus{
		requestDurationM: requestDuration,
		cacheLookupM:     cacheLookup,
		registry:         prometheus.NewRegistry(),
	}
	p.registry.MustRegister(
		requestDuration,
		cacheLookup,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return p
}

// RegisterAggregate exports the aggregate of source, read at scrape time.
func (p *Prometheus) RegisterAggregate(source AggregateSource) error {
	return p.registry.Register(newAggregateCollector(source))
}

// ObserveRequest implements instrument.Observer.
func (p *Prometheus) ObserveRequest(service, request string, d time.Duration) {
	if service == "" {
		service = "none"
	}
	if request == "" {
		request = "none"
	}
	p.requestDurationM.WithLabelValues(service, request).Observe(d.Seconds())
}

// CacheLookup counts a cache lookup of the given kind. result is "hit",
// "miss" or "error".
func (p *Prometheus) CacheLookup(kind, result string) {
	p.cacheLookupM.WithLabelValues(kind, result).Inc()
}

func (p *Prometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

type aggregateCollector struct {
	source AggregateSource

	count  *prometheus.Desc
	hits   *prometheus.Desc
	misses *prometheus.Desc
	total  *prometheus.Desc
}

func newAggregateCollector(source AggregateSource) *aggregateCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(promNamespace, "", name), help, nil, nil)
	}
	return &aggregateCollector{
		source: source,
		count:  desc("cache_count", "Number of distinct map resources requested."),
		hits:   desc("cache_hit", "Requests for a map resource that was requested before."),
		misses: desc("cache_miss", "Requests for a map resource that was not requested before."),
		total:  desc("requests_total", "Requests classified by the instrumentation filter."),
	}
}

func (c *aggregateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.hits
	ch <- c.misses
	ch <- c.total
}

func (c *aggregateCollector) Collect(ch chan<- prometheus.Metric) {
	a := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(a.Count))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(a.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(a.Misses))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(a.Total))
}
