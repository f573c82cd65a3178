package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type consumerMetrics struct {
	recordsFetched   prometheus.Counter
	fetchRequests    prometheus.Counter
	pausedPartitions prometheus.Gauge
	rebalances       *prometheus.CounterVec
	commitAttempts   prometheus.Counter
	commitRetries    prometheus.Counter
	commitFailures   prometheus.Counter
	pollDuration     prometheus.Histogram
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	return &consumerMetrics{
		recordsFetched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_records_fetched_total",
			Help:      "Records returned by client polls.",
		}),
		fetchRequests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_fetch_requests_total",
			Help:      "Fetch requests issued by partition streams.",
		}),
		pausedPartitions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "kafstream",
			Name:      "consumer_paused_partitions",
			Help:      "Partitions currently paused at the client for lack of demand.",
		}),
		rebalances: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_rebalance_events_total",
			Help:      "Rebalance callbacks processed.",
		}, []string{"event"}),
		commitAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_commit_attempts_total",
			Help:      "Offset commit attempts, including retries.",
		}),
		commitRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_commit_retries_total",
			Help:      "Offset commits retried after a retriable broker error.",
		}),
		commitFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "kafstream",
			Name:      "consumer_commit_failures_total",
			Help:      "Offset commits that surfaced an error to the caller.",
		}),
		pollDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "kafstream",
			Name:      "consumer_poll_duration_seconds",
			Help:      "Duration of client polls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
