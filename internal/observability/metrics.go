package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus instruments for the approval core and the
// HTTP surface. Register once at startup; all instruments land in the
// default registry and are served from /metrics.
type Metrics struct {
	// ApprovalsCreated counts created requests.
	// Labels: tool
	ApprovalsCreated *prometheus.CounterVec

	// ApprovalsResolved counts terminal transitions driven by a human
	// decision.
	// Labels: status (approved|denied), channel (web|slack|telegram|discord)
	ApprovalsResolved *prometheus.CounterVec

	// ApprovalsExpired counts requests that timed out undecided.
	ApprovalsExpired prometheus.Counter

	// WaitDuration measures how long producers block in Wait, in seconds.
	// Buckets cover sub-second resolutions up to the 5 minute default.
	WaitDuration prometheus.Histogram

	// EventsPublished counts notification bus broadcasts.
	// Labels: event (approval_request|approval_resolved)
	EventsPublished *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		ApprovalsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_approvals_created_total",
				Help: "Approval requests created",
			},
			[]string{"tool"},
		),
		ApprovalsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_approvals_resolved_total",
				Help: "Approval requests resolved by a human decision",
			},
			[]string{"status", "channel"},
		),
		ApprovalsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_approvals_expired_total",
				Help: "Approval requests that timed out undecided",
			},
		),
		WaitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_wait_duration_seconds",
				Help:    "Time producers spend blocked waiting for a decision",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_events_published_total",
				Help: "Notification bus events published",
			},
			[]string{"event"},
		),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "HTTP API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RegisterPendingGauge exposes the shared pending count at scrape time.
// Processes must not count pending requests locally: the state lives in the
// shared store, and a resolve can land in a different process than the
// create. The source is called on every scrape; when it fails, the gauge
// repeats the last good value.
func RegisterPendingGauge(source func() (int, error)) {
	var mu sync.Mutex
	var last float64
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gatekeeper_approvals_pending",
			Help: "Approval requests currently awaiting a decision",
		},
		func() float64 {
			mu.Lock()
			defer mu.Unlock()
			n, err := source()
			if err != nil {
				return last
			}
			last = float64(n)
			return last
		},
	)
}
