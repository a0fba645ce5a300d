// Package metrics exposes prometheus instrumentation for wallet operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once             sync.Once
	operationHist    *prometheus.HistogramVec
	sessionRounds    *prometheus.CounterVec
	transportRetries *prometheus.CounterVec
)

func ensure() {
	once.Do(func() {
		operationHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wallet",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Latency of wallet operations end to end",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"operation", "status"})
		sessionRounds = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "session",
			Name:      "rounds_total",
			Help:      "Protocol rounds executed per session type",
		}, []string{"type"})
		transportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts by outcome",
		}, []string{"outcome"})
	})
}

// ObserveOperation records a completed wallet operation.
func ObserveOperation(operation, status string, duration time.Duration) {
	ensure()
	operationHist.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// IncSessionRound counts one protocol round for the given session type.
func IncSessionRound(sessionType string) {
	ensure()
	sessionRounds.WithLabelValues(sessionType).Inc()
}

// IncReconnect counts one reconnect attempt with its outcome.
func IncReconnect(outcome string) {
	ensure()
	transportRetries.WithLabelValues(outcome).Inc()
}
