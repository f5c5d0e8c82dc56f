package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions     = promauto.NewGauge(prometheus.GaugeOpts{Name: "revbroker_active_sessions", Help: "Control sessions currently open"})
	PendingConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "revbroker_pending_connections", Help: "Accepted TCP connections waiting for a data channel"})
	PairingsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revbroker_pairings_total", Help: "Pairing attempts by result"}, []string{"result"})
	BootstrapTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revbroker_bootstrap_total", Help: "Control session bootstraps by result"}, []string{"result"})
	BridgeBytesTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revbroker_bridge_bytes_total", Help: "Bytes relayed by bridges"}, []string{"direction"})
	BridgeDuration     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "revbroker_bridge_duration_seconds", Help: "Bridge lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revbroker_errors_total", Help: "Errors by type"}, []string{"type"})
)
