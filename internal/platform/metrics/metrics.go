// Package metrics holds the Prometheus collectors for the sync pipeline.
// Collectors register with the default registry on package init and are
// served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ehrsync_sync_jobs_total",
			Help: "Sync job transitions by provider and status",
		},
		[]string{"provider", "status"},
	)

	SyncJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ehrsync_sync_job_duration_seconds",
			Help:    "Wall time of one sync attempt",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "status"},
	)

	ResourceFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ehrsync_resource_fetch_total",
			Help: "Provider resource fetches by outcome",
		},
		[]string{"provider", "resource_type", "outcome"},
	)

	ResourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ehrsync_resource_fetch_duration_seconds",
			Help:    "Duration of provider resource fetches including pagination",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "resource_type"},
	)

	SyncStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ehrsync_sync_status_total",
			Help: "Sync status resolutions by resulting status and deciding tier",
		},
		[]string{"status", "tier"},
	)

	CleanCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ehrsync_clean_cache_total",
			Help: "Clean summary read cache lookups",
		},
		[]string{"result"},
	)

	ProgressRelayEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ehrsync_progress_relay_events_total",
		Help: "Progress events received from the bus and handed to local clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ehrsync_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ehrsync_http_request_duration_seconds",
			Help:    "HTTP request duration by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Resolution tiers reported on SyncStatusTotal.
const (
	TierQueue    = "queue"
	TierCooldown = "cooldown_cache"
	TierDurable  = "durable"
	TierNone     = "none"
)
