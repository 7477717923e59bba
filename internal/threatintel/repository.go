package threatintel

import (
	"context"

	"github.com/bissquit/soc-garden/internal/domain"
)

// Repository is the persistence interface for IOCs, playbooks and their
// executions.
type Repository interface {
	// GetOrCreateIOC returns the IOC with the given (type, value), creating
	// it when absent. The (type, value) pair is unique.
	GetOrCreateIOC(ctx context.Context, ioc *domain.IOC) (*domain.IOC, error)

	// LinkIOC associates an IOC with an incident. Re-linking is a no-op.
	LinkIOC(ctx context.Context, incidentID, iocID string) error

	ListIncidentIOCs(ctx context.Context, incidentID string) ([]*domain.IOC, error)

	// CountOtherIncidents counts incidents other than excludeIncidentID that
	// are linked to the IOC.
	CountOtherIncidents(ctx context.Context, iocID, excludeIncidentID string) (int, error)

	CreatePlaybook(ctx context.Context, playbook *domain.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*domain.Playbook, error)
	FindPlaybookByIncidentType(ctx context.Context, incidentType string) (*domain.Playbook, error)
	ListPlaybooks(ctx context.Context) ([]*domain.Playbook, error)

	// CreateExecution persists a new execution. It fails atomically with
	// ErrExecutionConflict when an InProgress or Paused execution of the same
	// playbook already exists for the incident; two concurrent starts can
	// never both succeed.
	CreateExecution(ctx context.Context, execution *domain.PlaybookExecution) error

	GetExecution(ctx context.Context, id string) (*domain.PlaybookExecution, error)
	UpdateExecution(ctx context.Context, execution *domain.PlaybookExecution) error

	// DeleteExecution removes an execution and its step executions. Deleting
	// an unknown execution is a no-op.
	DeleteExecution(ctx context.Context, id string) error

	CreateStepExecutions(ctx context.Context, steps []*domain.PlaybookStepExecution) error
	UpdateStepExecution(ctx context.Context, step *domain.PlaybookStepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*domain.PlaybookStepExecution, error)
}
