package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MQTTMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_mqtt_messages_total",
			Help: "Total messages received from upstream brokers.",
		},
		[]string{"client", "host"},
	)

	MQTTReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_mqtt_reconnects_total",
			Help: "Broker connection losses.",
		},
		[]string{"client", "host"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_events_total",
			Help: "Decoded events by type.",
		},
		[]string{"type"},
	)

	DropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_drops_total",
			Help: "Messages dropped before storage, by reason.",
		},
		[]string{"reason"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshgateway_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"table", "op"},
	)

	MapCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshgateway_map_cache_hits_total",
			Help: "Coordinates responses served from cache.",
		},
	)

	MapCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshgateway_map_cache_misses_total",
			Help: "Coordinates responses built from the database.",
		},
	)

	MapBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshgateway_map_build_duration_seconds",
			Help:    "Time to derive a coordinates response.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	RowsPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_rows_pruned_total",
			Help: "Rows deleted by retention jobs.",
		},
		[]string{"table"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_job_runs_total",
			Help: "Scheduled job outcomes (ok, error, skipped).",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshgateway_job_duration_seconds",
			Help:    "Scheduled job runtime.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"job"},
	)

	GeocodeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgateway_geocode_requests_total",
			Help: "Reverse geocoding lookups (ok, error).",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register installs all collectors in the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MQTTMessagesTotal,
			MQTTReconnectsTotal,
			EventsTotal,
			DropsTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			MapCacheHits,
			MapCacheMisses,
			MapBuildDuration,
			RowsPrunedTotal,
			JobRunsTotal,
			JobDuration,
			GeocodeRequestsTotal,
		)
	})
}
