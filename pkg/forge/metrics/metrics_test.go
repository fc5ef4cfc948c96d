package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAndRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry)

	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()
	c.ObserveBuildDuration(0.25)
	c.OrphansPruned(3)

	families, err := registry.Gather()
	require.NoError(t, err)

	counters := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				counters[family.GetName()] = counter.GetValue()
			}
		}
	}
	require.Equal(t, float64(2), counters["forge_cache_hits_total"])
	require.Equal(t, float64(1), counters["forge_cache_misses_total"])
	require.Equal(t, float64(3), counters["forge_orphans_pruned_total"])
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.CacheHit()
		c.CacheMiss()
		c.ObserveBuildDuration(1)
		c.OrphansPruned(1)
	})
}
