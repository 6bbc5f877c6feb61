package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	remotePolls   *prometheus.CounterVec
	uploads       *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hairstyle",
			Name:      "runs_total",
			Help:      "Pipeline runs by final state and mode.",
		}, []string{"state", "mode"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hairstyle",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one stage attempt, submit through parse.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120, 180, 300},
		}, []string{"stage", "outcome"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hairstyle",
			Name:      "stage_retries_total",
			Help:      "Stage submit and poll cycles restarted after a retryable failure.",
		}, []string{"stage"}),
		remotePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hairstyle",
			Name:      "remote_polls_total",
			Help:      "Status queries answered by remote services.",
		}, []string{"stage", "status"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hairstyle",
			Name:      "uploads_total",
			Help:      "Asset uploads by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.runs, m.stageDuration, m.stageRetries, m.remotePolls, m.uploads)
	return m
}

func (m *Metrics) ObserveRun(state, mode string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state, mode).Inc()
}

func (m *Metrics) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// ObservePoll satisfies remotetask.Observer.
func (m *Metrics) ObservePoll(stage, status string) {
	if m == nil {
		return
	}
	m.remotePolls.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) ObserveUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}
