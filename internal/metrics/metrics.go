package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcmrelay_active_workers",
		Help: "Number of running credential listeners.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcmrelay_messages_received_total",
		Help: "Total number of push messages received, by credential.",
	}, []string{"credential"})
	MessagesDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcmrelay_messages_deduplicated_total",
		Help: "Total number of messages dropped as duplicates, by layer.",
	}, []string{"layer"})
	WebhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcmrelay_webhook_attempts_total",
		Help: "Total number of webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fcmrelay_webhook_duration_seconds",
		Help:    "Duration of individual webhook POST attempts.",
		Buckets: prometheus.DefBuckets,
	})
	WorkerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcmrelay_worker_reconnects_total",
		Help: "Total number of push-channel reconnect attempts.",
	})
	MessagesTrimmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcmrelay_messages_trimmed_total",
		Help: "Total number of message logs removed by retention trimming.",
	})
	MessagesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcmrelay_messages_swept_total",
		Help: "Total number of message logs removed by the age sweep.",
	})
)
