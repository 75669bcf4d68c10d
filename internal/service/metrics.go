package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch pipeline's prometheus collectors.
type Metrics struct {
	dispatches    *prometheus.CounterVec
	messages      *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_dispatch_total",
				Help: "Notification dispatches by outcome",
			},
			[]string{"outcome"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_messages_total",
				Help: "Push messages submitted to the gateway by ticket result",
			},
			[]string{"result"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "push_gateway_batch_duration_seconds",
				Help:    "Push gateway batch call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.messages, m.batchDuration)
	}
	return m
}

func (m *Metrics) observeDispatch(outcome DispatchOutcome) {
	m.dispatches.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeTickets(ok, failed int) {
	m.messages.WithLabelValues("ok").Add(float64(ok))
	m.messages.WithLabelValues("error").Add(float64(failed))
}

func (m *Metrics) observeBatch(seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.batchDuration.WithLabelValues(result).Observe(seconds)
}
