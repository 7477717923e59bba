package domain

import "time"

// TicketStatus represents the workflow status of a ticket.
type TicketStatus string

// Ticket statuses.
const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusAssigned   TicketStatus = "assigned"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusPaused     TicketStatus = "paused"
	TicketStatusCompleted  TicketStatus = "completed"
)

// IsValid checks if the ticket status is valid.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketStatusNew, TicketStatusAssigned, TicketStatusInProgress,
		TicketStatusPaused, TicketStatusCompleted:
		return true
	}
	return false
}

// IsTerminal returns true for statuses no transition leaves.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketStatusCompleted
}

// IsWorkload returns true if a ticket in this status counts towards
// the workload of its assigned analysts.
func (s TicketStatus) IsWorkload() bool {
	return s == TicketStatusNew || s == TicketStatusAssigned || s == TicketStatusInProgress
}

// CanTransitionTo reports whether the workflow permits moving from s to next.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	switch s {
	case TicketStatusNew:
		return next == TicketStatusAssigned
	case TicketStatusAssigned:
		return next == TicketStatusInProgress
	case TicketStatusInProgress:
		return next == TicketStatusPaused || next == TicketStatusCompleted
	case TicketStatusPaused:
		return next == TicketStatusInProgress || next == TicketStatusCompleted
	}
	return false
}

// Ticket tracks the work item for an incident. All timestamp pointers are
// nil until the corresponding transition happens.
type Ticket struct {
	ID                 string        `json:"id"`
	IncidentID         string        `json:"incident_id"`
	Status             TicketStatus  `json:"status"`
	Description        string        `json:"description,omitempty"`
	AssignedAnalystIDs []string      `json:"assigned_analyst_ids"`
	CreatedAt          time.Time     `json:"created_at"`
	AssignedAt         *time.Time    `json:"assigned_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	DeadlineAt         *time.Time    `json:"deadline_at,omitempty"`
	SLARemaining       time.Duration `json:"sla_remaining"`
	ClientNotifiedAt   *time.Time    `json:"client_notified_at,omitempty"`
	ClientRespondedAt  *time.Time    `json:"client_responded_at,omitempty"`
}

// RemainingSLA computes time left until the deadline as of now.
// Completed tickets and tickets without a deadline have no remaining SLA.
func (t *Ticket) RemainingSLA(now time.Time) time.Duration {
	if t.Status == TicketStatusCompleted || t.DeadlineAt == nil {
		return 0
	}
	remaining := t.DeadlineAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TicketMetrics holds the derived timings for one ticket. Each duration is
// nil until the timestamps it derives from exist.
type TicketMetrics struct {
	TicketID          string         `json:"ticket_id"`
	MeanTimeToDetect  *time.Duration `json:"mean_time_to_detect,omitempty"`
	MeanTimeToAnalyze *time.Duration `json:"mean_time_to_analyze,omitempty"`
	MeanTimeToRespond *time.Duration `json:"mean_time_to_respond,omitempty"`
	SLAMet            bool           `json:"sla_met"`
}

// Recompute derives MTD, MTA, MTR and SLA compliance from the ticket's
// timestamps. Recomputing with the same ticket yields the same result.
func (m *TicketMetrics) Recompute(t *Ticket) {
	if t.StartedAt != nil {
		d := t.StartedAt.Sub(t.CreatedAt)
		m.MeanTimeToDetect = &d
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		d := t.CompletedAt.Sub(*t.StartedAt)
		m.MeanTimeToAnalyze = &d
	}
	if t.ClientRespondedAt != nil {
		d := t.ClientRespondedAt.Sub(t.CreatedAt)
		m.MeanTimeToRespond = &d
	}
	if t.CompletedAt != nil && t.DeadlineAt != nil {
		m.SLAMet = !t.CompletedAt.After(*t.DeadlineAt)
	}
}
