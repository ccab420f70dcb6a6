package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_jobs_claimed_total", Help: "Jobs claimed for delivery"})
	EmailsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_emails_sent_total", Help: "Emails delivered successfully"})
	EmailsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_emails_failed_total", Help: "Delivery failures that were rescheduled"})
	JobsExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_jobs_exhausted_total", Help: "Jobs that hit the max-attempts ceiling"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_jobs_reclaimed_total", Help: "Stale processing jobs reset to scheduled"})
	PausedSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_paused_skipped_total", Help: "Due jobs skipped because their campaign is paused"})
	WindowSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_window_skipped_total", Help: "Due jobs skipped because now is outside the sending windows"})
	ThrottleDenied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_throttle_denied_total", Help: "Claims denied by the per-minute throttle"})
	ClaimsLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_claims_lost_total", Help: "Claim attempts lost to a concurrent worker"})
	InFlight         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "campaign_deliveries_inflight", Help: "Deliveries currently running"})
	JobsMaterialized = prometheus.NewCounter(prometheus.CounterOpts{Name: "campaign_jobs_materialized_total", Help: "Jobs created by schedule runs"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			EmailsSent,
			EmailsFailed,
			JobsExhausted,
			JobsReclaimed,
			PausedSkipped,
			WindowSkipped,
			ThrottleDenied,
			ClaimsLost,
			InFlight,
			JobsMaterialized,
		)
	})
	return promhttp.Handler()
}
