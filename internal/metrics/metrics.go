// Package metrics declares the Prometheus metrics exposed by the service,
// following the teacher's package-level-vars-plus-init-registration style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_ws_connections_rejected_total",
		Help: "Connections rejected by the admission controller, by reason",
	}, []string{"reason"})

	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketfeed_room_members",
		Help: "Current number of subscribers per room",
	}, []string{"room"})

	BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_broadcasts_sent_total",
		Help: "Messages successfully handed to a client's send queue",
	})

	BroadcastsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_broadcasts_dropped_total",
		Help: "Broadcast messages dropped, by reason",
	}, []string{"reason"}) // "buffer_full" | "rate_limited"

	ThrottleCoalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_throttle_coalesced_total",
		Help: "Updates coalesced into a single pending emission by the broadcaster",
	}, []string{"key"})

	ThrottleEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_throttle_emitted_total",
		Help: "Updates emitted by the broadcaster, by emission mode",
	}, []string{"mode"}) // "immediate" | "deferred"

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_upstream_reconnects_total",
		Help: "Total number of upstream feed reconnect attempts",
	})

	UpstreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_upstream_connected",
		Help: "Upstream feed connection status (1=connected, 0=disconnected)",
	})

	UpstreamEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_upstream_events_total",
		Help: "Events received from the upstream feed, by source variant",
	}, []string{"source"})

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_jobs_enqueued_total",
		Help: "Jobs enqueued onto the persistence job queue, by kind",
	}, []string{"kind"})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_jobs_completed_total",
		Help: "Jobs processed by the persistence worker, by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: "ok" | "retry" | "failed"

	JobRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_job_retries_total",
		Help: "Job redelivery attempts, by kind",
	}, []string{"kind"})

	HistoryCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_history_cache_total",
		Help: "History reads, by whether the DocStore satisfied freshness or a REST fallback was needed",
	}, []string{"result"}) // "hit" | "miss" | "stale"

	HistorySeedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketfeed_history_seed_duration_seconds",
		Help:    "Time taken by upstream REST kline fetches (seeder and read-path fallback)",
		Buckets: prometheus.DefBuckets,
	})

	NATSConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_nats_connected",
		Help: "Broker connection status (1=connected, 0=disconnected)",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_cpu_usage_percent",
		Help: "Sampled process CPU usage percentage",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		RoomMembers,
		BroadcastsSent,
		BroadcastsDropped,
		ThrottleCoalesced,
		ThrottleEmitted,
		UpstreamReconnects,
		UpstreamConnected,
		UpstreamEventsTotal,
		JobsEnqueued,
		JobsCompleted,
		JobRetries,
		HistoryCacheHits,
		HistorySeedDuration,
		NATSConnected,
		CPUUsagePercent,
		GoroutinesActive,
	)
}

// Handler serves the registered metrics at the conventional /metrics path.
func Handler() http.Handler {
	return promhttp.Handler()
}
