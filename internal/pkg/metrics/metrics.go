// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socgarden"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// TicketsCreated counts created tickets by incident severity.
	TicketsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "tickets_created_total",
			Help:      "Tickets created, labelled by incident severity",
		},
		[]string{"severity"},
	)

	// TicketTransitions counts successful ticket status transitions.
	TicketTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "ticket_transitions_total",
			Help:      "Successful ticket status transitions",
		},
		[]string{"from", "to"},
	)

	// SLABreaches counts open tickets detected past their deadline.
	SLABreaches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "sla_breaches_total",
			Help:      "Open tickets detected past their SLA deadline",
		},
	)

	// PlaybookExecutionsStarted counts started playbook executions.
	PlaybookExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playbook",
			Name:      "executions_started_total",
			Help:      "Playbook executions started, labelled by playbook name",
		},
		[]string{"playbook"},
	)

	// NotificationsSent counts outbound notification attempts by outcome.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Outbound notification attempts, labelled by outcome",
		},
		[]string{"outcome"},
	)
)
