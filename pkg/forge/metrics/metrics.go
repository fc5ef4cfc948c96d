// Package metrics exposes the engine's optional Prometheus instrumentation.
// A nil *Collector is valid and records nothing, mirroring the nil-safe
// Logger convention used throughout this module: callers that don't want
// metrics simply never construct a Collector.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the counters and histograms the Engine updates as it
// dispatches operations. Every method is nil-safe.
type Collector struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	buildDuration prometheus.Histogram
	orphansPruned prometheus.Counter
}

// New creates a Collector and registers its metrics with registry. Passing
// a fresh prometheus.NewRegistry() keeps these metrics isolated from the
// default global registry, which matters for embedders that run more than
// one Engine in the same process.
func New(registry prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "cache_hits_total",
			Help:      "Number of operations resolved from a validated cache entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "cache_misses_total",
			Help:      "Number of operations that required re-execution.",
		}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forge",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of top-level build invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
		orphansPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "orphans_pruned_total",
			Help:      "Number of stale output files removed at commit time.",
		}),
	}
	registry.MustRegister(c.cacheHits, c.cacheMisses, c.buildDuration, c.orphansPruned)
	return c
}

// CacheHit records that an operation was resolved from a validated entry.
func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

// CacheMiss records that an operation had to be re-executed.
func (c *Collector) CacheMiss() {
	if c != nil {
		c.cacheMisses.Inc()
	}
}

// ObserveBuildDuration records the wall-clock duration of a top-level build
// invocation, in seconds.
func (c *Collector) ObserveBuildDuration(seconds float64) {
	if c != nil {
		c.buildDuration.Observe(seconds)
	}
}

// OrphansPruned records that n stale output files were removed at commit
// time.
func (c *Collector) OrphansPruned(n int) {
	if c != nil {
		c.orphansPruned.Add(float64(n))
	}
}
