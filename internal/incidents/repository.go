package incidents

import (
	"context"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
)

// IncidentFilters narrows incident listings.
type IncidentFilters struct {
	Status   *domain.IncidentStatus
	Severity *domain.Severity
	ClientID *string
}

// Repository is the persistence interface for the incident workflow.
//
// Multi-entity methods are atomic: either every write they name happens or
// none does. AssignTicket additionally performs the capacity check and the
// assignment as one unit, so two concurrent assignments can never push an
// analyst past MaxCapacity.
type Repository interface {
	// CreateIncidentWithTicket persists a new incident together with its
	// ticket and an empty metrics row.
	CreateIncidentWithTicket(ctx context.Context, incident *domain.Incident, ticket *domain.Ticket) error

	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	UpdateIncident(ctx context.Context, incident *domain.Incident) error
	ListIncidents(ctx context.Context, filters IncidentFilters) ([]*domain.Incident, error)

	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	GetTicketByIncident(ctx context.Context, incidentID string) (*domain.Ticket, error)
	ListOpenTickets(ctx context.Context) ([]*domain.Ticket, error)

	// AssignTicket atomically checks the analyst's workload against capacity,
	// adds the analyst to the ticket's assignment set, moves the ticket from
	// New to Assigned and mirrors the incident status. Returns
	// ErrAnalystAtCapacity when the check fails and ErrInvalidTransition when
	// the ticket already left New.
	AssignTicket(ctx context.Context, ticketID, analystID string, at time.Time) (*domain.Ticket, error)

	// SaveTicketTransition persists a ticket state change, the incident
	// status that mirrors it and the recomputed metrics in one atomic write.
	// A non-nil analysis is created in the same unit.
	SaveTicketTransition(ctx context.Context, ticket *domain.Ticket, incident *domain.Incident, metrics *domain.TicketMetrics, analysis *domain.Analysis) error

	// SaveTicketSLARemaining persists the value computed by SLARemaining.
	SaveTicketSLARemaining(ctx context.Context, ticketID string, remaining time.Duration) error

	// SetClientNotified records the instant a client notification was sent.
	SetClientNotified(ctx context.Context, ticketID string, at time.Time) error

	GetMetrics(ctx context.Context, ticketID string) (*domain.TicketMetrics, error)

	CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error
	ListAnalyses(ctx context.Context, incidentID string) ([]*domain.Analysis, error)

	GetClient(ctx context.Context, id string) (*domain.Client, error)
}
