// Package postgres provides the PostgreSQL implementation of the scheduling
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/scheduling"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements scheduling.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// workloadCount derives the analyst's live workload from the assignment table.
const workloadCount = `(
	SELECT count(*)
	FROM ticket_analysts ta
	JOIN tickets t ON t.id = ta.ticket_id
	WHERE ta.analyst_id = a.id AND t.status IN ('new', 'assigned', 'in_progress')
)`

// CreateAnalyst persists a new analyst.
func (r *Repository) CreateAnalyst(ctx context.Context, analyst *domain.Analyst) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO analysts (id, name, email, current_shift_id, max_capacity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		analyst.ID,
		analyst.Name,
		analyst.Email,
		analyst.CurrentShiftID,
		analyst.MaxCapacity,
		analyst.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analyst: %w", err)
	}
	return nil
}

// GetAnalyst retrieves an analyst by ID with their derived workload.
func (r *Repository) GetAnalyst(ctx context.Context, id string) (*domain.Analyst, error) {
	var a domain.Analyst
	err := r.db.QueryRow(ctx, `
		SELECT a.id, a.name, a.email, a.current_shift_id, a.max_capacity, a.created_at, `+workloadCount+`
		FROM analysts a
		WHERE a.id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Email, &a.CurrentShiftID, &a.MaxCapacity, &a.CreatedAt, &a.CurrentWorkload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.ErrAnalystNotFound
		}
		return nil, fmt.Errorf("get analyst: %w", err)
	}
	return &a, nil
}

// UpdateAnalyst persists analyst fields the scheduling service mutates.
func (r *Repository) UpdateAnalyst(ctx context.Context, analyst *domain.Analyst) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE analysts
		SET name = $2, email = $3, current_shift_id = $4, max_capacity = $5
		WHERE id = $1
	`,
		analyst.ID,
		analyst.Name,
		analyst.Email,
		analyst.CurrentShiftID,
		analyst.MaxCapacity,
	)
	if err != nil {
		return fmt.Errorf("update analyst: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduling.ErrAnalystNotFound
	}
	return nil
}

// ListAnalystsWithShift retrieves every analyst joined with the shift they are
// rostered on, workload included.
func (r *Repository) ListAnalystsWithShift(ctx context.Context) ([]*scheduling.AnalystWithShift, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.name, a.email, a.current_shift_id, a.max_capacity, a.created_at, `+workloadCount+`,
		       s.id, s.name, s.weekday, s.start_time, s.end_time
		FROM analysts a
		LEFT JOIN shifts s ON s.id = a.current_shift_id
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list analysts: %w", err)
	}
	defer rows.Close()

	var result []*scheduling.AnalystWithShift
	for rows.Next() {
		var (
			aws       scheduling.AnalystWithShift
			shiftID   *string
			shiftName *string
			weekday   *int
			startTime *string
			endTime   *string
		)
		err := rows.Scan(
			&aws.ID, &aws.Name, &aws.Email, &aws.CurrentShiftID, &aws.MaxCapacity,
			&aws.CreatedAt, &aws.CurrentWorkload,
			&shiftID, &shiftName, &weekday, &startTime, &endTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scan analyst: %w", err)
		}
		if shiftID != nil {
			aws.Shift = &domain.Shift{
				ID:        *shiftID,
				Name:      *shiftName,
				Weekday:   time.Weekday(*weekday),
				StartTime: *startTime,
				EndTime:   *endTime,
			}
		}
		result = append(result, &aws)
	}
	return result, rows.Err()
}

// CreateShift persists a new shift.
func (r *Repository) CreateShift(ctx context.Context, shift *domain.Shift) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO shifts (id, name, weekday, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
	`,
		shift.ID,
		shift.Name,
		int(shift.Weekday),
		shift.StartTime,
		shift.EndTime,
	)
	if err != nil {
		return fmt.Errorf("insert shift: %w", err)
	}
	return nil
}

// GetShift retrieves a shift by ID.
func (r *Repository) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	shift, err := scanShift(r.db.QueryRow(ctx, `
		SELECT id, name, weekday, start_time, end_time FROM shifts WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scheduling.ErrShiftNotFound
		}
		return nil, err
	}
	return shift, nil
}

// ListShifts retrieves all shifts ordered by weekday and start time.
func (r *Repository) ListShifts(ctx context.Context) ([]*domain.Shift, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, weekday, start_time, end_time
		FROM shifts
		ORDER BY weekday, start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	defer rows.Close()

	var result []*domain.Shift
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, shift)
	}
	return result, rows.Err()
}

func scanShift(row pgx.Row) (*domain.Shift, error) {
	var (
		s       domain.Shift
		weekday int
	)
	if err := row.Scan(&s.ID, &s.Name, &weekday, &s.StartTime, &s.EndTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan shift: %w", err)
	}
	s.Weekday = time.Weekday(weekday)
	return &s, nil
}
