// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsIssued counts QR sessions created by teachers.
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrollcall_sessions_issued_total",
		Help: "Number of QR attendance sessions issued.",
	})

	// Marks counts scan attempts by outcome (accepted, invalid_payload,
	// payload_expired, session_expired, already_marked, issuer_missing, error).
	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrollcall_marks_total",
		Help: "Number of attendance scan attempts by outcome.",
	}, []string{"outcome"})

	// SessionsDeactivated counts explicit teacher deactivations.
	SessionsDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrollcall_sessions_deactivated_total",
		Help: "Number of sessions explicitly deactivated.",
	})
)
