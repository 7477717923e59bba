package domain

import "time"

// ExecutionStatus represents the status of a playbook execution or one of
// its steps.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionStatusNotStarted ExecutionStatus = "not_started"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusPaused     ExecutionStatus = "paused"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
)

// IsValid checks if the execution status is valid.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusNotStarted, ExecutionStatusInProgress,
		ExecutionStatusPaused, ExecutionStatusCompleted:
		return true
	}
	return false
}

// IsTerminal returns true once the execution can no longer change state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted
}

// Playbook is a predefined ordered response procedure for an incident type.
type Playbook struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	IncidentType string         `json:"incident_type"`
	Steps        []PlaybookStep `json:"steps"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PlaybookStep is one ordered step of a playbook.
type PlaybookStep struct {
	ID               string `json:"id"`
	PlaybookID       string `json:"playbook_id"`
	StepNumber       int    `json:"step_number"`
	Description      string `json:"description"`
	IsAutomated      bool   `json:"is_automated"`
	AutomationScript string `json:"automation_script,omitempty"`
}

// PlaybookExecution binds a playbook run to an incident, ticket and analysis.
type PlaybookExecution struct {
	ID          string          `json:"id"`
	PlaybookID  string          `json:"playbook_id"`
	IncidentID  string          `json:"incident_id"`
	TicketID    string          `json:"ticket_id"`
	AnalysisID  string          `json:"analysis_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	PausedAt    *time.Time      `json:"paused_at,omitempty"`
	TotalPaused time.Duration   `json:"total_paused"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// ActiveExecutionTime returns wall-clock execution time excluding paused
// intervals, floored at zero. For running executions the end bound is now.
func (e *PlaybookExecution) ActiveExecutionTime(now time.Time) time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	end := now
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	active := end.Sub(*e.StartedAt) - e.TotalPaused
	if active < 0 {
		return 0
	}
	return active
}

// PlaybookStepExecution tracks one step of one execution.
type PlaybookStepExecution struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	StepNumber  int             `json:"step_number"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      string          `json:"result,omitempty"`
}
