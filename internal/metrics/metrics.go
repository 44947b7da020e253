// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package metrics exposes Prometheus counters for the engine's security
// relevant events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	SignatureVerifications *prometheus.CounterVec
	ActivationsCreated     prometheus.Counter
	ActivationsCommitted   prometheus.Counter
	ActivationsBlocked     *prometheus.CounterVec
	ActivationsRemoved     prometheus.Counter
	RecoveryActivations    prometheus.Counter
	RecoveryCodesBlocked   prometheus.Counter
}

// New creates the collectors and registers them with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignatureVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "signature_verifications_total",
			Help:      "Signature verification attempts by result.",
		}, []string{"result"}),
		ActivationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "activations_created_total",
			Help:      "Activations initialized.",
		}),
		ActivationsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "activations_committed_total",
			Help:      "Activations committed to ACTIVE.",
		}),
		ActivationsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "activations_blocked_total",
			Help:      "Activations blocked by reason.",
		}, []string{"reason"}),
		ActivationsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "activations_removed_total",
			Help:      "Activations removed.",
		}),
		RecoveryActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "recovery_activations_total",
			Help:      "Activations created through recovery codes.",
		}),
		RecoveryCodesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mfa",
			Name:      "recovery_codes_blocked_total",
			Help:      "Recovery codes blocked after repeated PUK failures.",
		}),
	}
	reg.MustRegister(
		m.SignatureVerifications,
		m.ActivationsCreated,
		m.ActivationsCommitted,
		m.ActivationsBlocked,
		m.ActivationsRemoved,
		m.RecoveryActivations,
		m.RecoveryCodesBlocked,
	)
	return m
}

// Result labels for SignatureVerifications.
const (
	ResultValid        = "valid"
	ResultInvalid      = "invalid"
	ResultInvalidState = "invalid_state"
)
