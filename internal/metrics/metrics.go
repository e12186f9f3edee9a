// Package metrics exposes the operator-visible counters referenced by the
// error-handling design (spec §7): a permanent persistence failure
// increments a counter instead of surfacing synchronously.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters the outbox and engine update. A fresh
// Registry is safe to register against prometheus.NewRegistry() or the
// default registerer.
type Registry struct {
	OutboxQuarantined *prometheus.CounterVec
	OutboxRetried     *prometheus.CounterVec
	OutboxApplied     *prometheus.CounterVec
	EngineFatal       *prometheus.CounterVec
}

// New builds and registers a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		OutboxQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_quarantined_total",
			Help: "Items moved to the dead-letter list after a permanent persistence failure.",
		}, []string{"kind", "reason"}),
		OutboxRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_retried_total",
			Help: "Items pushed back to the main queue after a transient persistence failure.",
		}, []string{"kind"}),
		OutboxApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_applied_total",
			Help: "Items successfully upserted into the relational store.",
		}, []string{"kind"}),
		EngineFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fatal_total",
			Help: "Fatal engine invariant breaches (duplicate id, corrupt book) per symbol.",
		}, []string{"symbol", "reason"}),
	}
	reg.MustRegister(r.OutboxQuarantined, r.OutboxRetried, r.OutboxApplied, r.EngineFatal)
	return r
}
