package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trustplane_active_sessions",
		Help: "Sessions currently in ACTIVE status.",
	})

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustplane_session_transitions_total",
			Help: "Session status transitions by target status.",
		},
		[]string{"status"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustplane_authz_decisions_total",
			Help: "Authorization decisions by effect.",
		},
		[]string{"effect"},
	)

	authzDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustplane_authz_duration_seconds",
		Help:    "Policy evaluation latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	auditAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustplane_audit_appends_total",
			Help: "Audit chain appends by outcome.",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustplane_sweep_duration_seconds",
			Help:    "Background sweep pass duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		activeSessions,
		sessionTransitions,
		authzDecisions,
		authzDuration,
		auditAppends,
		sweepDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened increments the active-session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the active-session gauge and records the
// terminal status the session moved into.
func SessionClosed(status string) {
	activeSessions.Dec()
	sessionTransitions.WithLabelValues(status).Inc()
}

// Decision records one authorization decision and its evaluation latency.
func Decision(effect string, elapsed time.Duration) {
	authzDecisions.WithLabelValues(effect).Inc()
	authzDuration.Observe(elapsed.Seconds())
}

// AuditAppend records the outcome of one chain append ("ok", "conflict",
// "error").
func AuditAppend(outcome string) {
	auditAppends.WithLabelValues(outcome).Inc()
}

// SweepPass records the duration of one sweep pass ("expiry" or "risk").
func SweepPass(sweep string, elapsed time.Duration) {
	sweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
}
