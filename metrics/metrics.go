package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	admittedCount          prometheus.Counter
	rejectedCount          *prometheus.CounterVec
	batchCount             *prometheus.CounterVec
	batchSize              prometheus.Histogram
	outcomeCount           *prometheus.CounterVec
	submissionAttemptCount prometheus.Counter
	relayedJobCount        prometheus.Counter
	bufferedGauge          *prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// admission
		admittedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_admitted_operation_count", namespace),
			Help: "The total number of admitted operations",
		}),
		rejectedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_operation_count", namespace),
			Help: "The total number of rejected operations by error kind",
		}, []string{"kind"}),
		// batch formation
		batchCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_batch_count", namespace),
			Help: "The total number of formed batches by the slowest tier they drained",
		}, []string{"tier"}),
		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_batch_size", namespace),
			Help:    "The number of operations per formed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		bufferedGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_buffered_operations", namespace),
			Help: "The number of operations waiting per tier",
		}, []string{"tier"}),
		relayedJobCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_relayed_job_count", namespace),
			Help: "The total number of jobs relayed from the outbox to the job queue",
		}),
		// submission
		submissionAttemptCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_submission_attempt_count", namespace),
			Help: "The total number of bundle submission attempts",
		}),
		outcomeCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_operation_outcome_count", namespace),
			Help: "The total number of operations reaching a terminal status",
		}, []string{"status"}),
	}
	return &m
}

func (m *Metrics) IncAdmitted() {
	m.admittedCount.Inc()
}

func (m *Metrics) IncRejected(kind string) {
	m.rejectedCount.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBatch(tier string, size int) {
	m.batchCount.WithLabelValues(tier).Inc()
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) SetBuffered(tier string, count int) {
	m.bufferedGauge.WithLabelValues(tier).Set(float64(count))
}

func (m *Metrics) AddRelayedJobs(count int) {
	m.relayedJobCount.Add(float64(count))
}

func (m *Metrics) IncSubmissionAttempts() {
	m.submissionAttemptCount.Inc()
}

func (m *Metrics) IncOutcome(status string) {
	m.outcomeCount.WithLabelValues(status).Inc()
}
