package incidents

import "errors"

// Workflow errors.
var (
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrAnalystNotFound   = errors.New("analyst not found")
	ErrInvalidTransition = errors.New("operation not allowed in current ticket status")
	ErrAnalystAtCapacity = errors.New("analyst is at maximum capacity")
)
