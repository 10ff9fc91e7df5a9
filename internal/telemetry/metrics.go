// Package telemetry exposes Prometheus metrics for the station's
// ingestion, assembly, and elevation pipelines.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PacketsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "packets_received_total",
			Help:      "Datagrams successfully decoded, by rover and stream.",
		},
		[]string{"rover", "stream"},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "packets_dropped_total",
			Help:      "Malformed or truncated datagrams silently dropped.",
		},
		[]string{"rover", "stream"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "bytes_received_total",
			Help:      "Payload bytes received, by rover and stream.",
		},
		[]string{"rover", "stream"},
	)

	ScansCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "scans_completed_total",
			Help:      "LiDAR scans fully reassembled from chunks.",
		},
		[]string{"rover"},
	)

	ScansAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "scans_abandoned_total",
			Help:      "Partial scans discarded after the assembly timeout.",
		},
		[]string{"rover"},
	)

	PointsIntegrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "points_integrated_total",
			Help:      "LiDAR points folded into the elevation map.",
		},
	)

	TilesConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "terrainstation",
			Name:      "tiles_consumed_total",
			Help:      "Dirty tiles rebuilt and handed to the tile sink.",
		},
	)

	TileCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "terrainstation",
			Name:      "tiles",
			Help:      "Tiles currently held by the elevation map (never evicted).",
		},
	)

	LeafCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "terrainstation",
			Name:      "leaves",
			Help:      "Leaf cells currently held by the elevation map.",
		},
	)

	IntegrateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "terrainstation",
			Name:      "integrate_duration_seconds",
			Help:      "Latency of integrating one completed scan.",
			// 10µs .. ~80ms; integration is O(points × depth).
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "terrainstation",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PacketsReceived, PacketsDropped, BytesReceived,
		ScansCompleted, ScansAbandoned,
		PointsIntegrated, TilesConsumed, TileCount, LeafCount,
		IntegrateDuration, uptime,
	)
}

// MetricsHandler exposes the registry for scraping. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
