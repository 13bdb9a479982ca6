package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	cashinOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashin_operations_total",
			Help: "Total gateway operations by outcome",
		},
		[]string{"operation", "status"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cashin_status_transitions_total",
			Help: "Applied session status transitions by source",
		},
		[]string{"to", "source"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cashin_active_sessions_total",
			Help: "Sessions currently mirrored in Redis",
		},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cashin_session_duration_seconds",
			Help:    "Time from session creation to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

// TrackOperation counts one gateway REST call outcome.
func TrackOperation(operation, status string) {
	cashinOperations.WithLabelValues(operation, status).Inc()
}

// TrackTransition counts one applied session transition.
func TrackTransition(to, source string) {
	statusTransitions.WithLabelValues(to, source).Inc()
}

// TrackSessionDone observes the lifetime of a finished session.
func TrackSessionDone(duration time.Duration) {
	sessionDuration.Observe(duration.Seconds())
}

type Monitor struct {
	redis *redis.Client
}

func NewMonitor(redisClient *redis.Client) *Monitor {
	monitor := &Monitor{redis: redisClient}

	// Start metrics collection
	go monitor.collectMetrics()

	return monitor
}

func (m *Monitor) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()

		keys, _ := m.redis.Keys(ctx, "cashin:session:*").Result()
		activeSessions.Set(float64(len(keys)))
	}
}
