package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values are bounded: ops come from a closed set, reasons are constants.
var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Currently open relay WebSocket connections",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Request frames handled by the relay",
	}, []string{"op"})

	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_rejected_total",
		Help: "Request frames rejected by the relay",
	}, []string{"reason"}) // "rate_limit", "invalid", "backend"

	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_notifications_dropped_total",
		Help: "Notifications dropped because a client fell behind",
	})

	archiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_archive_errors_total",
		Help: "Failed archive writes",
	})
)
