// Package metrics provides Prometheus metrics for epgd: counters and gauges
// for the control socket, EPG processing and health checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Control socket ─────────────────────────────────────────────────────────

// ClientsConnected tracks currently accepted peer connections.
var ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "epg",
	Name:      "clients_connected",
	Help:      "Number of currently connected daemon peers.",
})

// ClientsVerified tracks peers that completed Activate.
var ClientsVerified = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "epg",
	Name:      "clients_verified",
	Help:      "Number of verified daemon peers.",
})

// RequestsTotal tracks inbound requests by method.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epg",
	Name:      "requests_total",
	Help:      "Total inbound daemon requests.",
}, []string{"method"})

// BroadcastsTotal tracks statistics broadcasts written to peers.
var BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epg",
	Name:      "broadcasts_total",
	Help:      "Total statistics broadcast messages written.",
})

// ─── EPG processing ─────────────────────────────────────────────────────────

// FilesProcessed tracks split XMLTV documents by source.
var FilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epg",
	Name:      "files_processed_total",
	Help:      "Total XMLTV documents split.",
}, []string{"source"})

// ProgrammesWritten tracks programme elements written to channel files.
var ProgrammesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "epg",
	Name:      "programmes_written_total",
	Help:      "Total programme elements written to per-channel files.",
})

// RefreshFetchSeconds tracks URL refresh duration.
var RefreshFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "epg",
	Name:      "refresh_fetch_seconds",
	Help:      "Duration of daemon_refresh_url fetches.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "epg",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
