package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesEnqueued *prometheus.CounterVec
	Flushes          *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	BufferErrors     *prometheus.CounterVec
	PreferenceReads  *prometheus.CounterVec
	LogoutsCompleted prometheus.Counter
}

// New creates and registers all metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readerqueue_messages_enqueued_total",
				Help: "Total number of messages added to a queue",
			},
			[]string{"queue"},
		),
		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readerqueue_flushes_total",
				Help: "Total number of flush attempts by outcome",
			},
			[]string{"queue", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "readerqueue_queue_depth",
				Help: "Messages waiting or in flight per queue",
			},
			[]string{"queue"},
		),
		BufferErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readerqueue_buffer_errors_total",
				Help: "Total number of local buffer read/write errors",
			},
			[]string{"queue"},
		),
		PreferenceReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readerqueue_preference_reads_total",
				Help: "Total number of preference reads by the source that answered them",
			},
			[]string{"source"},
		),
		LogoutsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "readerqueue_logouts_completed_total",
				Help: "Total number of logout barriers that released navigation",
			},
		),
	}

	reg.MustRegister(
		m.MessagesEnqueued,
		m.Flushes,
		m.QueueDepth,
		m.BufferErrors,
		m.PreferenceReads,
		m.LogoutsCompleted,
	)

	return m
}

func (m *Metrics) Enqueued(queue string) {
	if m == nil {
		return
	}
	m.MessagesEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) Flush(queue, outcome string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) Depth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) BufferError(queue string) {
	if m == nil {
		return
	}
	m.BufferErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) PreferenceRead(source string) {
	if m == nil {
		return
	}
	m.PreferenceReads.WithLabelValues(source).Inc()
}

func (m *Metrics) LogoutCompleted() {
	if m == nil {
		return
	}
	m.LogoutsCompleted.Inc()
}
