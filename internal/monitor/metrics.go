package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MsgsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sneakers_messages_retried_total",
		Help: "Total messages republished to a delayed retry queue",
	})

	MsgsQuarantined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sneakers_messages_quarantined_total",
		Help: "Total messages routed to the error exchange after exhausting retries",
	})

	MsgsAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sneakers_messages_acknowledged_total",
		Help: "Total original deliveries acknowledged by the coordinator",
	})

	RequeueFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sneakers_requeue_failures_total",
		Help: "Total failure signals the coordinator could not settle",
	})

	RetryQueuesProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sneakers_retry_queues_provisioned_total",
		Help: "Total retry queues declared (one per distinct delay)",
	})

	HandlerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sneakers_handler_latency_seconds",
		Help:    "Time the handler spends processing one delivery",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func Init() {
	prometheus.MustRegister(
		MsgsRetried,
		MsgsQuarantined,
		MsgsAcked,
		RequeueFailures,
		RetryQueuesProvisioned,
		HandlerLatency,
	)
}
