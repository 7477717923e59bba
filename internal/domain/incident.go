package domain

import "time"

// IncidentStatus represents the lifecycle status of an incident.
type IncidentStatus string

// Incident statuses.
const (
	IncidentStatusOpen       IncidentStatus = "open"
	IncidentStatusAssigned   IncidentStatus = "assigned"
	IncidentStatusInProgress IncidentStatus = "in_progress"
	IncidentStatusClosed     IncidentStatus = "closed"
)

// IsValid checks if the incident status is valid.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAssigned,
		IncidentStatusInProgress, IncidentStatusClosed:
		return true
	}
	return false
}

// Severity represents the severity level of an incident.
type Severity string

// Severity levels.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Escalated returns the severity one step above s. High is the ceiling.
func (s Severity) Escalated() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	}
	return s
}

// Incident represents a security incident. Every incident owns exactly one
// ticket, created together with it.
type Incident struct {
	ID                    string         `json:"id"`
	ClientID              string         `json:"client_id"`
	Status                IncidentStatus `json:"status"`
	Severity              Severity       `json:"severity"`
	IncidentType          string         `json:"incident_type"`
	SLADuration           time.Duration  `json:"sla_duration"`
	CreatedAt             time.Time      `json:"created_at"`
	ResolutionConfirmedAt *time.Time     `json:"resolution_confirmed_at,omitempty"`
}

// IsClosed returns true if the incident reached its terminal status.
func (i *Incident) IsClosed() bool {
	return i.Status == IncidentStatusClosed
}

// Client represents the customer an incident belongs to.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ContactEmail string    `json:"contact_email"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Analysis is an append-only investigation note tied to an incident,
// the analyst who wrote it and the ticket it was written against.
type Analysis struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	AnalystID  string    `json:"analyst_id"`
	TicketID   string    `json:"ticket_id"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}
