package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: no user, device or record ids.

var (
	// HTTPClientRequests counts sends to the HealthSense API by outcome
	HTTPClientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_api_requests_total",
			Help: "Requests sent to the HealthSense API by method and status (0 = no response)",
		},
		[]string{"method", "status"},
	)

	// HTTPClientLatency tracks per-send latency
	HTTPClientLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "healthsense_api_request_duration_seconds",
			Help:    "Latency of individual sends to the HealthSense API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// HTTPClientRetries counts retries by reason (auth, rate_limit, network)
	HTTPClientRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_api_retries_total",
			Help: "Retries issued by the API client by reason",
		},
		[]string{"reason"},
	)

	// CacheLookups counts cache hits and misses per cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_cache_lookups_total",
			Help: "Cache lookups by cache name and result",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictions counts evicted entries per cache and cause
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_cache_evictions_total",
			Help: "Cache evictions by cache name and cause (expired, deleted, cleanup)",
		},
		[]string{"cache", "cause"},
	)

	// PollTicks counts synchronizer ticks by outcome
	PollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_poll_ticks_total",
			Help: "Synchronizer ticks by outcome (updated, unchanged, error, skipped, discarded, abandoned)",
		},
		[]string{"outcome"},
	)

	// PollDuration tracks how long a tick takes end to end
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "healthsense_poll_duration_seconds",
			Help:    "Duration of synchronizer ticks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 30},
		},
	)

	// RejectedRecords counts records dropped by schema validation
	RejectedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "healthsense_rejected_records_total",
			Help: "Raw records dropped during normalization",
		},
	)

	// RecordsHeld is the size of the current record collection
	RecordsHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsense_records",
			Help: "Records held by the synchronizer",
		},
	)

	// AlertsSent counts alerts delivered per sink
	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthsense_alerts_total",
			Help: "Alerts delivered by sink and result",
		},
		[]string{"sink", "result"},
	)

	// WebSocketClients is the number of connected WebSocket clients
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthsense_websocket_clients",
			Help: "Connected WebSocket clients",
		},
	)
)

// Helper functions for metrics recording

func RecordAPIRequest(method string, status int, elapsed time.Duration) {
	HTTPClientRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	HTTPClientLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func RecordRetry(reason string) {
	HTTPClientRetries.WithLabelValues(reason).Inc()
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}

func RecordCacheEviction(cache, cause string, n int) {
	if n <= 0 {
		return
	}
	CacheEvictions.WithLabelValues(cache, cause).Add(float64(n))
}

func RecordPollTick(outcome string, elapsed time.Duration) {
	PollTicks.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		PollDuration.Observe(elapsed.Seconds())
	}
}

func RecordAlert(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AlertsSent.WithLabelValues(sink, result).Inc()
}
