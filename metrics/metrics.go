package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OffersCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_tracker_offers_collected_total",
		Help: "Catalog offers kept after filtering and de-duplication.",
	}, []string{"provider"})

	ProviderFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_tracker_provider_failures_total",
		Help: "Providers that failed after all retries.",
	}, []string{"provider"})

	BatchesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpu_tracker_batches_stored_total",
		Help: "Snapshots committed to the price store.",
	})

	LastBatchRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_tracker_last_batch_records",
		Help: "Records in the most recent snapshot.",
	})

	LastBatchTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_tracker_last_batch_timestamp_seconds",
		Help: "Unix time of the most recent snapshot.",
	})

	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_tracker_api_requests_total",
		Help: "HTTP API requests by route and status code.",
	}, []string{"route", "code"})

	APILatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_tracker_api_request_duration_seconds",
		Help:    "HTTP API request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		OffersCollected,
		ProviderFailures,
		BatchesStored,
		LastBatchRecords,
		LastBatchTimestamp,
		APIRequests,
		APILatency,
	)
}

// ObserveBatch records a committed snapshot.
func ObserveBatch(records int, at time.Time) {
	BatchesStored.Inc()
	LastBatchRecords.Set(float64(records))
	LastBatchTimestamp.Set(float64(at.Unix()))
}

// ObserveRequest records one API request. Unmatched routes share one label.
func ObserveRequest(route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	APILatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
