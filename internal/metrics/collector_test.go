package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("mediagen", reg)

	c.RecordGeneration("image", "success")
	c.RecordGeneration("image", "success")
	c.RecordProviderCall("realism", "error", 150*time.Millisecond)
	c.RecordSkip("fluid")
	c.RecordCacheLookup("video", true)
	c.RecordFallback("success")
	c.RecordPoll("image", 4)
	c.RecordJob("urgent", "completed")
	c.SetQueueDepth(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.generationRequests.WithLabelValues("image", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.providerCalls.WithLabelValues("realism", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidateSkips.WithLabelValues("fluid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("video", "hit")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordGeneration("image", "error")
		c.RecordProviderCall("m", "ok", time.Second)
		c.RecordSkip("m")
		c.RecordCacheLookup("image", false)
		c.RecordFallback("error")
		c.RecordPoll("video", 1)
		c.RecordJob("fifo", "failed")
		c.SetQueueDepth(0)
	})
}
