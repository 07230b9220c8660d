package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by the telemetry client,
// the caches and the aggregator.
type Metrics struct {
	APIRequests     *prometheus.CounterVec
	APILatency      *prometheus.HistogramVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	RateLimitSleeps prometheus.Counter
	FetchRuns       *prometheus.CounterVec
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solarwatch_api_requests_total",
				Help: "Upstream API requests by endpoint family and status code.",
			},
			[]string{"family", "status"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solarwatch_api_request_duration_seconds",
				Help:    "Upstream API request latency by endpoint family.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"family"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarwatch_response_cache_hits_total",
			Help: "Response cache lookups served from memory.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarwatch_response_cache_misses_total",
			Help: "Response cache lookups that fell through to the network.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarwatch_response_cache_evictions_total",
			Help: "Response cache entries evicted to respect the size bound.",
		}),
		RateLimitSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarwatch_rate_limit_sleeps_total",
			Help: "Times a fetch slept waiting out an upstream 429.",
		}),
		FetchRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solarwatch_fetch_runs_total",
				Help: "Aggregation fetch runs by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.APIRequests,
		m.APILatency,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.RateLimitSleeps,
		m.FetchRuns,
	)

	return m
}
