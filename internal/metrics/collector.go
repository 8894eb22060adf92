// Package metrics 生成链路的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 指标收集器，所有方法对 nil 接收者安全
type Collector struct {
	generationRequests *prometheus.CounterVec
	providerCalls      *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
	candidateSkips     *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	fallbackCalls      *prometheus.CounterVec
	pollAttempts       *prometheus.HistogramVec
	queueJobs          *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

// NewCollector 在给定的 Registerer 上注册指标
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		generationRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_requests_total",
				Help:      "Total number of generation requests by outcome",
			},
			[]string{"media_type", "outcome"},
		),
		providerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls per model",
			},
			[]string{"model", "outcome"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration including task polling",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		candidateSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidate_skips_total",
				Help:      "Candidates skipped because of rate-limit headroom",
			},
			[]string{"model"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by result",
			},
			[]string{"media_type", "result"},
		),
		fallbackCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_calls_total",
				Help:      "Secondary provider invocations by outcome",
			},
			[]string{"outcome"},
		),
		pollAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_attempts",
				Help:      "Status checks needed per provider task",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 150},
			},
			[]string{"media_type"},
		),
		queueJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_jobs_total",
				Help:      "Jobs processed by the async queue",
			},
			[]string{"lane", "outcome"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Jobs waiting in the FIFO lane",
			},
		),
	}
}

func (c *Collector) RecordGeneration(mediaType, outcome string) {
	if c == nil {
		return
	}
	c.generationRequests.WithLabelValues(mediaType, outcome).Inc()
}

func (c *Collector) RecordProviderCall(model, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(model, outcome).Inc()
	c.providerDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (c *Collector) RecordSkip(model string) {
	if c == nil {
		return
	}
	c.candidateSkips.WithLabelValues(model).Inc()
}

func (c *Collector) RecordCacheLookup(mediaType string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(mediaType, result).Inc()
}

func (c *Collector) RecordFallback(outcome string) {
	if c == nil {
		return
	}
	c.fallbackCalls.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordPoll(mediaType string, attempts int) {
	if c == nil {
		return
	}
	c.pollAttempts.WithLabelValues(mediaType).Observe(float64(attempts))
}

func (c *Collector) RecordJob(lane, outcome string) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues(lane, outcome).Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}
