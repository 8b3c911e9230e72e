package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes migration metrics.
type Collector struct {
	registry *prometheus.Registry

	objectsTotal *prometheus.CounterVec
	bytesTotal   prometheus.Counter
	batchesTotal prometheus.Counter
	runsActive   prometheus.Gauge
	duration     prometheus.Histogram
}

// New creates a metrics collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_objects_total",
				Help: "Total number of objects processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		batchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_batches_total",
				Help: "Total number of batches processed",
			},
		),
		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_runs_active",
				Help: "Number of runs currently executing",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_object_duration_seconds",
				Help:    "Time taken to migrate an object",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.registry.MustRegister(c.objectsTotal, c.bytesTotal, c.batchesTotal, c.runsActive, c.duration)
	return c
}

// IncObject increments the per-status object counter.
func (c *Collector) IncObject(status string) {
	c.objectsTotal.WithLabelValues(status).Inc()
}

// AddBytes adds to total bytes migrated.
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// IncBatch increments the batch counter.
func (c *Collector) IncBatch() {
	c.batchesTotal.Inc()
}

// RunStarted and RunFinished track the active-run gauge.
func (c *Collector) RunStarted()  { c.runsActive.Inc() }
func (c *Collector) RunFinished() { c.runsActive.Dec() }

// ObserveDuration observes per-object migration duration.
func (c *Collector) ObserveDuration(d time.Duration) {
	c.duration.Observe(d.Seconds())
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
