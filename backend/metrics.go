package backend

import (
	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	subscriptions   prometheus.Gauge
	pushed          prometheus.Counter
	dropped         prometheus.Counter
	webhooks        prometheus.Counter
	webhookFailures prometheus.Counter
	rateLimited     prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "push_subscriptions",
			Help:      "Open push subscriptions across websocket and SSE.",
		}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "push_frames_total",
			Help:      "Notifications queued to push subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "push_dropped_total",
			Help:      "Notifications dropped for slow subscribers.",
		}),
		webhooks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "webhooks_delivered_total",
			Help:      "Webhook deliveries that succeeded.",
		}),
		webhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "webhook_failures_total",
			Help:      "Webhook deliveries given up on.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "backend",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.subscriptions, m.pushed, m.dropped,
			m.webhooks, m.webhookFailures, m.rateLimited)
	}
	return m
}
