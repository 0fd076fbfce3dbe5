package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "exchange"

type Metrics struct {
	reservations  *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	compensations *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Request resolutions by decision and outcome.",
		}, []string{"decision", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating releases and unrecoverable inconsistencies.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.reservations, m.resolutions, m.compensations)
	return m
}

func (m *Metrics) Reservation(outcome string) {
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Resolution(decision, outcome string) {
	m.resolutions.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) Compensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}
