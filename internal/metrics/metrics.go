package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
)

// Projection results
const (
	ResultUpdated = "updated"
	ResultIgnored = "ignored"
)

// Metrics 服务指标；nil 接收者上的方法均为空操作，便于测试时省略
type Metrics struct {
	gatherer prometheus.Gatherer

	ObservationsRecorded prometheus.Counter
	PublishFailures      prometheus.Counter
	Deliveries           *prometheus.CounterVec
	ProjectionUpdates    *prometheus.CounterVec
}

// New 在给定 registry 上注册指标
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ObservationsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "observations_recorded_total",
			Help:      "Observations appended to the write store.",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "publish_failures_total",
			Help:      "Observations stored whose event could not be published.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "event_deliveries_total",
			Help:      "Event handler invocations by outcome.",
		}, []string{"outcome"}),
		ProjectionUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Name:      "projection_updates_total",
			Help:      "Events applied to or ignored by the projection.",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncRecorded() {
	if m != nil {
		m.ObservationsRecorded.Inc()
	}
}

func (m *Metrics) IncPublishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) IncDelivery(outcome string) {
	if m != nil {
		m.Deliveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncProjection(result string) {
	if m != nil {
		m.ProjectionUpdates.WithLabelValues(result).Inc()
	}
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
