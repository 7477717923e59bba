// Package scheduling manages analysts, shift windows and the selection of an
// assignment candidate for new tickets.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/google/uuid"
)

// Service implements analyst and shift management plus candidate selection.
type Service struct {
	repo Repository
}

// NewService creates a new scheduling service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// PickAnalyst selects the assignment candidate for a new ticket: analysts
// whose current shift window covers now, filtered to those under capacity,
// ordered by lowest workload with analyst ID as the deterministic tie-break.
// ok is false when no candidate exists.
func (s *Service) PickAnalyst(ctx context.Context, now time.Time) (*domain.Analyst, bool, error) {
	analysts, err := s.repo.ListAnalystsWithShift(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list analysts: %w", err)
	}

	var best *AnalystWithShift
	for _, a := range analysts {
		if a.Shift == nil || !a.Shift.Covers(now) {
			continue
		}
		if !a.HasCapacity() {
			continue
		}
		if best == nil ||
			a.CurrentWorkload < best.CurrentWorkload ||
			(a.CurrentWorkload == best.CurrentWorkload && a.ID < best.ID) {
			best = a
		}
	}

	if best == nil {
		slog.Debug("no on-shift analyst with spare capacity", "candidates", len(analysts))
		return nil, false, nil
	}

	analyst := best.Analyst
	return &analyst, true, nil
}

// CreateAnalystInput holds data for registering an analyst.
type CreateAnalystInput struct {
	Name        string
	Email       string
	MaxCapacity int
	ShiftID     *string
}

// CreateAnalyst registers a new analyst.
func (s *Service) CreateAnalyst(ctx context.Context, input CreateAnalystInput) (*domain.Analyst, error) {
	if input.ShiftID != nil {
		if _, err := s.repo.GetShift(ctx, *input.ShiftID); err != nil {
			return nil, fmt.Errorf("get shift: %w", err)
		}
	}

	capacity := input.MaxCapacity
	if capacity <= 0 {
		capacity = 5
	}

	analyst := &domain.Analyst{
		ID:             uuid.NewString(),
		Name:           input.Name,
		Email:          input.Email,
		CurrentShiftID: input.ShiftID,
		MaxCapacity:    capacity,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.CreateAnalyst(ctx, analyst); err != nil {
		return nil, fmt.Errorf("create analyst: %w", err)
	}
	return analyst, nil
}

// SetShift moves an analyst onto a shift, or off shift when shiftID is nil.
func (s *Service) SetShift(ctx context.Context, analystID string, shiftID *string) (*domain.Analyst, error) {
	analyst, err := s.repo.GetAnalyst(ctx, analystID)
	if err != nil {
		return nil, fmt.Errorf("get analyst: %w", err)
	}

	if shiftID != nil {
		if _, err := s.repo.GetShift(ctx, *shiftID); err != nil {
			return nil, fmt.Errorf("get shift: %w", err)
		}
	}

	analyst.CurrentShiftID = shiftID
	if err := s.repo.UpdateAnalyst(ctx, analyst); err != nil {
		return nil, fmt.Errorf("update analyst: %w", err)
	}
	return analyst, nil
}

// SetCapacity updates an analyst's maximum ticket capacity.
func (s *Service) SetCapacity(ctx context.Context, analystID string, capacity int) (*domain.Analyst, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	analyst, err := s.repo.GetAnalyst(ctx, analystID)
	if err != nil {
		return nil, fmt.Errorf("get analyst: %w", err)
	}

	analyst.MaxCapacity = capacity
	if err := s.repo.UpdateAnalyst(ctx, analyst); err != nil {
		return nil, fmt.Errorf("update analyst: %w", err)
	}
	return analyst, nil
}

// CreateShiftInput holds data for defining a shift window.
type CreateShiftInput struct {
	Name      string
	Weekday   time.Weekday
	StartTime string
	EndTime   string
}

// CreateShift defines a new shift window.
func (s *Service) CreateShift(ctx context.Context, input CreateShiftInput) (*domain.Shift, error) {
	for _, v := range []string{input.StartTime, input.EndTime} {
		if _, err := time.Parse("15:04", v); err != nil {
			return nil, fmt.Errorf("invalid shift time %q: %w", v, err)
		}
	}

	shift := &domain.Shift{
		ID:        uuid.NewString(),
		Name:      input.Name,
		Weekday:   input.Weekday,
		StartTime: input.StartTime,
		EndTime:   input.EndTime,
	}
	if err := s.repo.CreateShift(ctx, shift); err != nil {
		return nil, fmt.Errorf("create shift: %w", err)
	}
	return shift, nil
}

// ListAnalysts retrieves all analysts with their shift and derived workload.
func (s *Service) ListAnalysts(ctx context.Context) ([]*AnalystWithShift, error) {
	return s.repo.ListAnalystsWithShift(ctx)
}

// GetAnalyst retrieves an analyst by ID.
func (s *Service) GetAnalyst(ctx context.Context, id string) (*domain.Analyst, error) {
	return s.repo.GetAnalyst(ctx, id)
}

// ListShifts retrieves all shift definitions.
func (s *Service) ListShifts(ctx context.Context) ([]*domain.Shift, error) {
	return s.repo.ListShifts(ctx)
}
