// Package metrics defines the service's Prometheus instruments. Everything is
// registered once at init and exposed via the /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsage_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapsage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsage_tokens_consumed_total",
			Help: "Total model tokens committed against user quotas.",
		},
		[]string{"plan", "model"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsage_quota_denials_total",
			Help: "Requests denied for exceeding the token quota.",
		},
		[]string{"plan", "stage"},
	)

	ModelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsage_model_calls_total",
			Help: "Upstream model calls by outcome.",
		},
		[]string{"model", "status"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapsage_webhook_events_total",
			Help: "Payment provider webhook events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TokensConsumedTotal,
		QuotaDenialsTotal,
		ModelCallsTotal,
		WebhookEventsTotal,
	)
}
