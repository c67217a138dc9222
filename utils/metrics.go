package utils

import (
	"strconv"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application collectors exposed on /metrics.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Stripe webhook events by type and outcome.",
		},
		[]string{"type", "result"},
	)

	InstallmentsPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "installments_paid_total",
			Help: "Installments settled as paid.",
		},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notification deliveries by channel and outcome.",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		WebhookEvents,
		InstallmentsPaid,
		NotificationsSent,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler() iris.Handler {
	return iris.FromStd(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}

// MetricsMiddleware labels requests by route template so ids do not explode cardinality.
func MetricsMiddleware(ctx iris.Context) {
	start := time.Now()
	ctx.Next()

	route := "unmatched"
	if r := ctx.GetCurrentRoute(); r != nil {
		route = r.Path()
	}
	if route == "/metrics" {
		return
	}

	method := ctx.Method()
	httpRequests.WithLabelValues(method, route, strconv.Itoa(ctx.GetStatusCode())).Inc()
	httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CountNotification records one delivery attempt on a channel.
func CountNotification(channel string, err error) {
	NotificationsSent.WithLabelValues(channel, resultLabel(err)).Inc()
}
