// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agorai_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agorai_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agorai_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter.",
	})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agorai_active_sessions",
		Help: "Number of currently live MCP sessions.",
	})

	SSEConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agorai_sse_connections_active",
		Help: "Number of active SSE streams.",
	})
)

// Messaging metrics.
var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agorai_messages_total",
		Help: "Total number of messages committed, by visibility.",
	}, []string{"visibility"})

	NotificationsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agorai_notifications_pushed_total",
		Help: "Total number of notifications queued onto session streams.",
	})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agorai_notifications_dropped_total",
		Help: "Total number of notifications dropped because a session buffer was full or closed.",
	})
)

// Runner metrics.
var (
	RunnerRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agorai_runner_rounds_total",
		Help: "Total number of runner poll rounds, by outcome.",
	}, []string{"agent", "outcome"})
)
