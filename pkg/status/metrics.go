package status

import (
	"time"

	"github.com/guido-cesarano/batchq/pkg/remote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the tracker counters into Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// tasks counts task transitions.
	// Labels:
	//   - status: "started", "succeeded", "failed", "retried", "already_completed" or "skipped_malformed"
	tasks *prometheus.CounterVec

	// errors counts failed attempts.
	// Labels:
	//   - class: "rate_limit", "api", "transient" or "fatal"
	errors *prometheus.CounterVec

	inProgress prometheus.Gauge

	// callDuration is used to calculate latency percentiles of remote calls.
	callDuration prometheus.Histogram

	// capacity is the remaining capacity of each bucket, sampled by the dispatcher.
	// Labels:
	//   - bucket: "requests" or "tokens"
	capacity *prometheus.GaugeVec
}

// NewMetrics registers the batch metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchq_tasks_total",
			Help: "The total number of task transitions by status",
		}, []string{"status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchq_errors_total",
			Help: "The total number of failed remote calls by class",
		}, []string{"class"}),
		inProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchq_in_progress",
			Help: "Number of tasks started but not yet terminal",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchq_call_duration_seconds",
			Help:    "Duration of remote calls",
			Buckets: prometheus.DefBuckets,
		}),
		capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchq_capacity",
			Help: "Remaining capacity of each rate limit bucket",
		}, []string{"bucket"}),
	}
}

// SetCapacity records the remaining capacity of both buckets.
func (m *Metrics) SetCapacity(requests, tokens float64) {
	if m == nil {
		return
	}
	m.capacity.WithLabelValues("requests").Set(requests)
	m.capacity.WithLabelValues("tokens").Set(tokens)
}

func (m *Metrics) task(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

func (m *Metrics) failure(class remote.Class) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) setInProgress(n int) {
	if m == nil {
		return
	}
	m.inProgress.Set(float64(n))
}

func (m *Metrics) observeCall(d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.Observe(d.Seconds())
}
