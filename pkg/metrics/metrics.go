package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipebus"

// Metrics holds all broker collectors
type Metrics struct {
	// Control plane
	ControlRequests *prometheus.CounterVec

	// Data plane
	FramesProcessed  prometheus.Counter
	Deliveries       *prometheus.CounterVec
	ProtocolErrors   *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	// Registry state
	ClientsActive prometheus.Gauge
	GroupsActive  prometheus.Gauge

	// Poll loop
	PassDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ControlRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_requests_total",
				Help:      "Control pipe requests handled, by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		FramesProcessed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_frames_processed_total",
				Help:      "Data frames drained from client intake pipes",
			},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Per-subscriber deliveries, by outcome",
			},
			[]string{"outcome"},
		),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Frames discarded because they could not be decoded, by error code",
			},
			[]string{"code"},
		),
		DeliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Time to fan one message out to all subscribers of its group",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
			},
		),
		ClientsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clients_active",
				Help:      "Number of registered clients",
			},
		),
		GroupsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "groups_active",
				Help:      "Number of groups with at least one subscriber",
			},
		),
		PassDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_pass_duration_seconds",
				Help:      "Duration of one control plus data drain pass",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
	}
}

// RecordControlRequest records one handled control request
func (m *Metrics) RecordControlRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordFrame records one data frame drained from an intake pipe
func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
}

// RecordPublish records the outcome of one fan-out
func (m *Metrics) RecordPublish(delivered, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
	m.DeliveryDuration.Observe(duration.Seconds())
}

// RecordProtocolError records one discarded frame
func (m *Metrics) RecordProtocolError(code string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

// SetRegistrySize updates the registry gauges
func (m *Metrics) SetRegistrySize(clients, groups int) {
	if m == nil {
		return
	}
	m.ClientsActive.Set(float64(clients))
	m.GroupsActive.Set(float64(groups))
}

// RecordPass records the duration of one poll loop pass
func (m *Metrics) RecordPass(duration time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(duration.Seconds())
}

// Handler serves the collectors gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
