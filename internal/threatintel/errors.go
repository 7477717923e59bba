package threatintel

import "errors"

// Threat intelligence errors.
var (
	ErrIOCNotFound       = errors.New("ioc not found")
	ErrPlaybookNotFound  = errors.New("playbook not found")
	ErrExecutionNotFound = errors.New("playbook execution not found")
	ErrStepNotFound      = errors.New("playbook step execution not found")

	// ErrExecutionConflict is returned when a non-terminal execution of the
	// same playbook already exists for the incident.
	ErrExecutionConflict = errors.New("playbook execution already in progress for this incident")

	ErrInvalidExecutionState = errors.New("operation not allowed in current execution status")
	ErrTicketMismatch        = errors.New("ticket does not belong to this incident")
	ErrTicketNotCompleted    = errors.New("ticket must be completed and classified before starting a playbook")
)
