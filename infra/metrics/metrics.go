// Package metrics holds the prometheus collectors of the engine. All
// methods are safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"orderflow/domain/order"
)

const namespace = "orderflow"

type Metrics struct {
	transitions *prometheus.CounterVec
	selections  *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	published   *prometheus.CounterVec
	consumed    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "transitions_total",
			Help:      "Order state transitions by operation, target state and outcome.",
		}, []string{"op", "state", "outcome"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "selections_total",
			Help:      "Selector decisions by selected order type (or none).",
		}, []string{"order_type"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "orders_total",
			Help:      "Orders reconciled against chain events by flow and outcome.",
		}, []string{"flow", "outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "orders_total",
			Help:      "Orders visited by the transaction monitor by pass and action.",
		}, []string{"pass", "action"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by kind and outcome.",
		}, []string{"kind", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Events consumed by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.selections, m.reconciled, m.sweeps, m.published, m.consumed)
	}
	return m
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, order.ErrConditionalCheckFailed):
		return "conflict"
	case errors.Is(err, order.ErrNotFound):
		return "not_found"
	case errors.Is(err, order.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func (m *Metrics) ObserveTransition(op, state string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, state, outcome(err)).Inc()
}

func (m *Metrics) ObserveSelection(t order.Type) {
	if m == nil {
		return
	}
	label := string(t)
	if label == "" {
		label = "none"
	}
	m.selections.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveReconcile(flow string, err error) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(flow, outcome(err)).Inc()
}

func (m *Metrics) ObserveSweep(pass, action string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(pass, action).Inc()
}

func (m *Metrics) ObservePublish(kind string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) ObserveConsume(kind string, err error) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(kind, outcome(err)).Inc()
}
