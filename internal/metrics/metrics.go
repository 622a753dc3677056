package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Metrics groups all Prometheus instruments used across the pipeline.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsAccepted prometheus.Counter
	SchedulingDecisions   *prometheus.CounterVec
	TasksEmitted          *prometheus.CounterVec
	RecipientsSkipped     *prometheus.CounterVec
	SendAttempts          *prometheus.CounterVec
	DeliveriesSent        *prometheus.CounterVec
	DeliveriesFailed      *prometheus.CounterVec
	DeliveriesDropped     *prometheus.CounterVec
	SendLatency           *prometheus.HistogramVec
	PushConnections       prometheus.Gauge
	QueueDepth            *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_accepted_total",
			Help: "Total number of notifications accepted at intake.",
		}),

		SchedulingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduling_decisions_total",
			Help: "Scheduling stage outcomes: due, delayed, rearmed, cancelled.",
		}, []string{"decision"}),

		TasksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_tasks_emitted_total",
			Help: "Delivery tasks emitted by the rendering stage.",
		}, []string{"channel"}),

		RecipientsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipients_skipped_total",
			Help: "Recipients skipped during rendering, by reason.",
		}, []string{"reason"}),

		SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "send_attempts_total",
			Help: "Transport send attempts, including retries.",
		}, []string{"channel"}),

		DeliveriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_sent_total",
			Help: "Delivery tasks handed to the transport successfully.",
		}, []string{"channel"}),

		DeliveriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_failed_total",
			Help: "Delivery tasks abandoned after exhausting retries.",
		}, []string{"channel"}),

		DeliveriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_dropped_total",
			Help: "Delivery tasks dropped without a send, by reason.",
		}, []string{"channel", "reason"}),

		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "send_duration_seconds",
			Help:    "Time from dequeue to transport ack, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "push_connections",
			Help: "Live push connections held by this process.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Ready messages per named queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		m.NotificationsAccepted,
		m.SchedulingDecisions,
		m.TasksEmitted,
		m.RecipientsSkipped,
		m.SendAttempts,
		m.DeliveriesSent,
		m.DeliveriesFailed,
		m.DeliveriesDropped,
		m.SendLatency,
		m.PushConnections,
		m.QueueDepth,
	)

	return m
}

// The methods below match the hook signatures of the worker and dispatch
// packages so main can wire them as method values.

func (m *Metrics) ObserveAccepted() { m.NotificationsAccepted.Inc() }

func (m *Metrics) ObserveDecision(decision string) {
	m.SchedulingDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveEmitted(ch domain.Channel) {
	m.TasksEmitted.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) ObserveSkipped(reason string) {
	m.RecipientsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAttempt(ch domain.Channel) {
	m.SendAttempts.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) ObserveSent(ch domain.Channel, latency time.Duration) {
	m.DeliveriesSent.WithLabelValues(string(ch)).Inc()
	m.SendLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
}

func (m *Metrics) ObserveFailed(ch domain.Channel) {
	m.DeliveriesFailed.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) ObserveDropped(ch domain.Channel, reason string) {
	m.DeliveriesDropped.WithLabelValues(string(ch), reason).Inc()
}

func (m *Metrics) SetPushConnections(n int) { m.PushConnections.Set(float64(n)) }

func (m *Metrics) SetQueueDepth(queue string, depth int64) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
