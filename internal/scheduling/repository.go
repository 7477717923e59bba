package scheduling

import (
	"context"

	"github.com/bissquit/soc-garden/internal/domain"
)

// AnalystWithShift pairs an analyst with the shift they are currently
// rostered on, if any.
type AnalystWithShift struct {
	domain.Analyst
	Shift *domain.Shift `json:"shift,omitempty"`
}

// Repository is the persistence interface for analysts and shifts.
// CurrentWorkload on returned analysts is derived from the assignment table,
// counting tickets in workload statuses.
type Repository interface {
	CreateAnalyst(ctx context.Context, analyst *domain.Analyst) error
	GetAnalyst(ctx context.Context, id string) (*domain.Analyst, error)
	UpdateAnalyst(ctx context.Context, analyst *domain.Analyst) error
	ListAnalystsWithShift(ctx context.Context) ([]*AnalystWithShift, error)

	CreateShift(ctx context.Context, shift *domain.Shift) error
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	ListShifts(ctx context.Context) ([]*domain.Shift, error)
}
