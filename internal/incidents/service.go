// Package incidents implements the incident/ticket workflow engine: guarded
// ticket state transitions, SLA deadlines, analyst assignment and the derived
// per-ticket timing metrics.
package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/pkg/metrics"
	"github.com/google/uuid"
)

// AnalystPicker selects an on-shift, under-capacity analyst for automatic
// assignment. ok is false when no candidate is available, which is a
// legitimate unassignable state, not an error.
type AnalystPicker interface {
	PickAnalyst(ctx context.Context, now time.Time) (analyst *domain.Analyst, ok bool, err error)
}

// ClientNotifier delivers a message to the incident's client. Failures are
// isolated by the caller and never abort a workflow transition.
type ClientNotifier interface {
	NotifyClient(ctx context.Context, client *domain.Client, incident *domain.Incident, classification, action string) error
}

// PlaybookStarter looks up and starts the response playbook matching an
// incident classification. started is false when no playbook matches.
type PlaybookStarter interface {
	StartForClassification(ctx context.Context, incidentID, ticketID, analysisID, incidentType string) (started bool, err error)
}

// Service implements the incident workflow operations.
type Service struct {
	repo     Repository
	picker   AnalystPicker
	notifier ClientNotifier
	playbook PlaybookStarter
	now      func() time.Time
}

// NewService creates a new incident workflow service. picker, notifier and
// playbook may be nil; the corresponding side effects are then skipped.
func NewService(repo Repository, picker AnalystPicker, notifier ClientNotifier, playbook PlaybookStarter) *Service {
	return &Service{
		repo:     repo,
		picker:   picker,
		notifier: notifier,
		playbook: playbook,
		now:      time.Now,
	}
}

// CreateIncidentInput holds data for creating an incident.
type CreateIncidentInput struct {
	ClientID    string
	Severity    domain.Severity
	Description string
	// SLAOverride replaces the severity-derived default duration. Overridden
	// durations are never clobbered by later severity changes.
	SLAOverride *time.Duration
}

// CreateIncident creates an incident together with its ticket, derives the
// SLA deadline and attempts automatic assignment.
func (s *Service) CreateIncident(ctx context.Context, input CreateIncidentInput) (*domain.Incident, *domain.Ticket, error) {
	if !input.Severity.IsValid() {
		return nil, nil, fmt.Errorf("invalid severity: %s", input.Severity)
	}

	if _, err := s.repo.GetClient(ctx, input.ClientID); err != nil {
		return nil, nil, fmt.Errorf("get client: %w", err)
	}

	slaDuration := domain.DefaultSLADuration(input.Severity)
	if input.SLAOverride != nil {
		slaDuration = *input.SLAOverride
	}

	now := s.now()
	incident := &domain.Incident{
		ID:          uuid.NewString(),
		ClientID:    input.ClientID,
		Status:      domain.IncidentStatusOpen,
		Severity:    input.Severity,
		SLADuration: slaDuration,
		CreatedAt:   now,
	}

	deadline := domain.Deadline(now, slaDuration)
	ticket := &domain.Ticket{
		ID:           uuid.NewString(),
		IncidentID:   incident.ID,
		Status:       domain.TicketStatusNew,
		Description:  input.Description,
		CreatedAt:    now,
		DeadlineAt:   &deadline,
		SLARemaining: slaDuration,
	}

	if err := s.repo.CreateIncidentWithTicket(ctx, incident, ticket); err != nil {
		return nil, nil, fmt.Errorf("create incident: %w", err)
	}

	metrics.TicketsCreated.WithLabelValues(string(input.Severity)).Inc()

	s.tryAutoAssign(ctx, incident, ticket)

	return incident, ticket, nil
}

// tryAutoAssign asks the scheduler for an on-shift, under-capacity analyst
// and assigns the ticket when one exists. An empty candidate set or a lost
// capacity race leaves the ticket unassigned.
func (s *Service) tryAutoAssign(ctx context.Context, incident *domain.Incident, ticket *domain.Ticket) {
	if s.picker == nil {
		return
	}

	analyst, ok, err := s.picker.PickAnalyst(ctx, s.now())
	if err != nil {
		slog.Error("auto-assignment candidate lookup failed",
			"ticket_id", ticket.ID,
			"error", err,
		)
		return
	}
	if !ok {
		slog.Info("no assignment candidate available", "ticket_id", ticket.ID)
		return
	}

	assigned, err := s.repo.AssignTicket(ctx, ticket.ID, analyst.ID, s.now())
	if err != nil {
		slog.Warn("auto-assignment failed, leaving ticket unassigned",
			"ticket_id", ticket.ID,
			"analyst_id", analyst.ID,
			"error", err,
		)
		return
	}

	*ticket = *assigned
	incident.Status = domain.IncidentStatusAssigned
	metrics.TicketTransitions.WithLabelValues(string(domain.TicketStatusNew), string(domain.TicketStatusAssigned)).Inc()
}

// AssignTicket manually assigns an analyst to a ticket. Manual assignment
// bypasses the shift-membership filter but still enforces the capacity check.
func (s *Service) AssignTicket(ctx context.Context, ticketID, analystID string) (*domain.Ticket, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	if !ticket.Status.CanTransitionTo(domain.TicketStatusAssigned) {
		return nil, fmt.Errorf("%w: assign from %s", ErrInvalidTransition, ticket.Status)
	}

	assigned, err := s.repo.AssignTicket(ctx, ticketID, analystID, s.now())
	if err != nil {
		return nil, err
	}

	metrics.TicketTransitions.WithLabelValues(string(ticket.Status), string(assigned.Status)).Inc()
	return assigned, nil
}

// StartWork moves an assigned ticket into progress and cascades the incident
// status.
func (s *Service) StartWork(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, domain.TicketStatusInProgress, func(t *domain.Ticket, i *domain.Incident, now time.Time) {
		t.StartedAt = &now
		i.Status = domain.IncidentStatusInProgress
	})
}

// PauseWork pauses an in-progress ticket. The incident stays in progress:
// paused is a ticket-level state only.
func (s *Service) PauseWork(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, domain.TicketStatusPaused, nil)
}

// ResumeWork moves a paused ticket back into progress.
func (s *Service) ResumeWork(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return s.transition(ctx, ticketID, domain.TicketStatusInProgress, nil)
}

// transition applies a guarded ticket status change, mirrors the incident,
// recomputes metrics and persists everything as one atomic write.
func (s *Service) transition(ctx context.Context, ticketID string, next domain.TicketStatus, mutate func(*domain.Ticket, *domain.Incident, time.Time)) (*domain.Ticket, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	if !ticket.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, next, ticket.Status)
	}

	incident, err := s.repo.GetIncident(ctx, ticket.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	from := ticket.Status
	now := s.now()
	ticket.Status = next
	if mutate != nil {
		mutate(ticket, incident, now)
	}

	m := &domain.TicketMetrics{TicketID: ticket.ID}
	m.Recompute(ticket)

	if err := s.repo.SaveTicketTransition(ctx, ticket, incident, m, nil); err != nil {
		return nil, fmt.Errorf("save transition: %w", err)
	}

	metrics.TicketTransitions.WithLabelValues(string(from), string(next)).Inc()
	return ticket, nil
}

// CompleteWorkInput holds data for completing a ticket.
type CompleteWorkInput struct {
	TicketID       string
	AnalystID      string
	Classification string
	Notes          string
	// Action is the recommended follow-up communicated to the client.
	Action string
}

// CompleteWork finishes a ticket and classifies its incident. A true-positive
// classification triggers the matching playbook and client notification; any
// other classification closes the incident immediately.
func (s *Service) CompleteWork(ctx context.Context, input CompleteWorkInput) (*domain.Ticket, error) {
	ticket, err := s.repo.GetTicket(ctx, input.TicketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	if !ticket.Status.CanTransitionTo(domain.TicketStatusCompleted) {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, ticket.Status)
	}

	incident, err := s.repo.GetIncident(ctx, ticket.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	from := ticket.Status
	now := s.now()
	ticket.Status = domain.TicketStatusCompleted
	ticket.CompletedAt = &now
	incident.IncidentType = input.Classification

	truePositive := strings.HasPrefix(input.Classification, "true_positive")
	if !truePositive {
		incident.Status = domain.IncidentStatusClosed
		incident.ResolutionConfirmedAt = &now
	}

	var analysis *domain.Analysis
	if input.Notes != "" {
		analysis = &domain.Analysis{
			ID:         uuid.NewString(),
			IncidentID: incident.ID,
			AnalystID:  input.AnalystID,
			TicketID:   ticket.ID,
			Notes:      input.Notes,
			CreatedAt:  now,
		}
	}

	m := &domain.TicketMetrics{TicketID: ticket.ID}
	m.Recompute(ticket)

	if err := s.repo.SaveTicketTransition(ctx, ticket, incident, m, analysis); err != nil {
		return nil, fmt.Errorf("save transition: %w", err)
	}

	metrics.TicketTransitions.WithLabelValues(string(from), string(domain.TicketStatusCompleted)).Inc()

	if truePositive {
		s.notifyClient(ctx, incident, ticket, input.Classification, input.Action)
		s.startPlaybook(ctx, incident, ticket, analysis)
	}

	return ticket, nil
}

// notifyClient sends the completion notification. Delivery failures are
// logged and swallowed so an email outage cannot undo a completed ticket.
func (s *Service) notifyClient(ctx context.Context, incident *domain.Incident, ticket *domain.Ticket, classification, action string) {
	if s.notifier == nil {
		return
	}

	client, err := s.repo.GetClient(ctx, incident.ClientID)
	if err != nil {
		slog.Error("client lookup for notification failed",
			"incident_id", incident.ID,
			"error", err,
		)
		return
	}

	if err := s.notifier.NotifyClient(ctx, client, incident, classification, action); err != nil {
		slog.Error("client notification failed",
			"incident_id", incident.ID,
			"client_id", client.ID,
			"error", err,
		)
		return
	}

	now := s.now()
	ticket.ClientNotifiedAt = &now
	if err := s.repo.SetClientNotified(ctx, ticket.ID, now); err != nil {
		slog.Error("failed to record client notification time",
			"ticket_id", ticket.ID,
			"error", err,
		)
	}
}

// startPlaybook looks up and starts the playbook for the classification.
// Absence of a matching playbook and start conflicts are not completion
// failures.
func (s *Service) startPlaybook(ctx context.Context, incident *domain.Incident, ticket *domain.Ticket, analysis *domain.Analysis) {
	if s.playbook == nil {
		return
	}

	analysisID := ""
	if analysis != nil {
		analysisID = analysis.ID
	}

	started, err := s.playbook.StartForClassification(ctx, incident.ID, ticket.ID, analysisID, incident.IncidentType)
	if err != nil {
		slog.Warn("playbook start failed",
			"incident_id", incident.ID,
			"incident_type", incident.IncidentType,
			"error", err,
		)
		return
	}
	if !started {
		slog.Debug("no playbook for classification",
			"incident_id", incident.ID,
			"incident_type", incident.IncidentType,
		)
	}
}

// RecordClientResponse records the client's response and closes the incident
// when its ticket already completed.
func (s *Service) RecordClientResponse(ctx context.Context, incidentID string) (*domain.Incident, error) {
	incident, err := s.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	ticket, err := s.repo.GetTicketByIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	now := s.now()
	ticket.ClientRespondedAt = &now
	if ticket.Status == domain.TicketStatusCompleted && !incident.IsClosed() {
		incident.Status = domain.IncidentStatusClosed
		incident.ResolutionConfirmedAt = &now
	}

	m := &domain.TicketMetrics{TicketID: ticket.ID}
	m.Recompute(ticket)

	if err := s.repo.SaveTicketTransition(ctx, ticket, incident, m, nil); err != nil {
		return nil, fmt.Errorf("save client response: %w", err)
	}

	return incident, nil
}

// SLARemaining computes the time left until the ticket's deadline and
// persists the computed value.
func (s *Service) SLARemaining(ctx context.Context, ticketID string) (time.Duration, error) {
	ticket, err := s.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return 0, fmt.Errorf("get ticket: %w", err)
	}

	remaining := ticket.RemainingSLA(s.now())
	if err := s.repo.SaveTicketSLARemaining(ctx, ticketID, remaining); err != nil {
		return 0, fmt.Errorf("save sla remaining: %w", err)
	}
	return remaining, nil
}

// ChangeSeverity updates an incident's severity, re-deriving the SLA
// duration only when the current duration still equals the default for the
// previous severity. The ticket deadline is fixed at creation and does not
// move.
func (s *Service) ChangeSeverity(ctx context.Context, incidentID string, severity domain.Severity) (*domain.Incident, error) {
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity: %s", severity)
	}

	incident, err := s.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	if incident.Severity == severity {
		return incident, nil
	}

	incident.SLADuration = domain.RecomputeSLAOnSeverityChange(incident.SLADuration, incident.Severity, severity)
	incident.Severity = severity

	if err := s.repo.UpdateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}
	return incident, nil
}

// Escalate raises the incident's severity one step. High is a ceiling; an
// already-high incident is returned unchanged.
func (s *Service) Escalate(ctx context.Context, incidentID string) (*domain.Incident, error) {
	incident, err := s.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	next := incident.Severity.Escalated()
	if next == incident.Severity {
		return incident, nil
	}
	return s.ChangeSeverity(ctx, incidentID, next)
}

// AddAnalysis appends an investigation note to an incident.
func (s *Service) AddAnalysis(ctx context.Context, incidentID, analystID, notes string) (*domain.Analysis, error) {
	ticket, err := s.repo.GetTicketByIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	analysis := &domain.Analysis{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		AnalystID:  analystID,
		TicketID:   ticket.ID,
		Notes:      notes,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	return analysis, nil
}

// GetIncident retrieves an incident by ID.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return s.repo.GetIncident(ctx, id)
}

// GetTicket retrieves a ticket by ID.
func (s *Service) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return s.repo.GetTicket(ctx, id)
}

// ListIncidents retrieves incidents with optional filters.
func (s *Service) ListIncidents(ctx context.Context, filters IncidentFilters) ([]*domain.Incident, error) {
	return s.repo.ListIncidents(ctx, filters)
}

// ListOpenTickets retrieves tickets that have not completed yet.
func (s *Service) ListOpenTickets(ctx context.Context) ([]*domain.Ticket, error) {
	return s.repo.ListOpenTickets(ctx)
}

// ListAnalyses retrieves the analysis notes of an incident.
func (s *Service) ListAnalyses(ctx context.Context, incidentID string) ([]*domain.Analysis, error) {
	return s.repo.ListAnalyses(ctx, incidentID)
}

// GetMetrics retrieves the derived timings of a ticket.
func (s *Service) GetMetrics(ctx context.Context, ticketID string) (*domain.TicketMetrics, error) {
	return s.repo.GetMetrics(ctx, ticketID)
}
