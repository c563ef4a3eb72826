package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts controller activity.
type Metrics struct {
	submissions *prometheus.CounterVec
	polls       *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	active      prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manifestme",
			Subsystem: "job",
			Name:      "submissions_total",
			Help:      "Submit commands by outcome.",
		}, []string{"outcome"}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manifestme",
			Subsystem: "job",
			Name:      "polls_total",
			Help:      "Status polls by result.",
		}, []string{"result"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manifestme",
			Subsystem: "job",
			Name:      "outcomes_total",
			Help:      "Terminal job states by status and failure kind.",
		}, []string{"status", "kind"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "manifestme",
			Subsystem: "job",
			Name:      "active",
			Help:      "1 while a job is submitting or polling.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "manifestme",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Time from submission to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// Submission outcomes.
const (
	submitAccepted = "accepted"
	submitBusy     = "busy"
	submitInvalid  = "invalid"
)

// Poll results.
const (
	pollPending   = "pending"
	pollCompleted = "completed"
	pollFailed    = "failed"
	pollUnknown   = "unknown"
	pollTransport = "transport_error"
	pollServer    = "server_error"
	pollAuth      = "auth_error"
)

func (m *Metrics) submitted(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) polled(result string) {
	m.polls.WithLabelValues(result).Inc()
}

func (m *Metrics) finished(j Job) {
	m.outcomes.WithLabelValues(string(j.Status), string(j.FailureKind)).Inc()
	if !j.SubmittedAt.IsZero() && !j.FinishedAt.IsZero() {
		m.duration.Observe(j.FinishedAt.Sub(j.SubmittedAt).Seconds())
	}
}

func (m *Metrics) setActive(active bool) {
	if active {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}
