// Package postgres provides the PostgreSQL implementation of the threatintel
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/threatintel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres unique violation code, raised by the partial unique index on
// non-terminal executions.
const uniqueViolation = "23505"

// Repository implements threatintel.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetOrCreateIOC returns the IOC with the given (type, value), inserting it
// when absent. The unique index on (type, value) makes concurrent calls
// converge on one row.
func (r *Repository) GetOrCreateIOC(ctx context.Context, ioc *domain.IOC) (*domain.IOC, error) {
	existing, err := scanIOC(r.db.QueryRow(ctx, `
		INSERT INTO iocs (id, type, value, description, source, confidence_score, is_blocked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (type, value) DO UPDATE SET updated_at = iocs.updated_at
		RETURNING id, type, value, description, source, confidence_score, is_blocked, created_at, updated_at
	`,
		ioc.ID,
		ioc.Type,
		ioc.Value,
		ioc.Description,
		ioc.Source,
		ioc.ConfidenceScore,
		ioc.IsBlocked,
		ioc.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("get or create ioc: %w", err)
	}
	return existing, nil
}

// LinkIOC associates an IOC with an incident. Linking twice is a no-op.
func (r *Repository) LinkIOC(ctx context.Context, incidentID, iocID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO incident_iocs (incident_id, ioc_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, incidentID, iocID)
	if err != nil {
		return fmt.Errorf("link ioc: %w", err)
	}
	return nil
}

// ListIncidentIOCs retrieves the IOCs linked to an incident.
func (r *Repository) ListIncidentIOCs(ctx context.Context, incidentID string) ([]*domain.IOC, error) {
	rows, err := r.db.Query(ctx, `
		SELECT i.id, i.type, i.value, i.description, i.source, i.confidence_score, i.is_blocked, i.created_at, i.updated_at
		FROM iocs i
		JOIN incident_iocs link ON link.ioc_id = i.id
		WHERE link.incident_id = $1
		ORDER BY i.created_at
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list incident iocs: %w", err)
	}
	defer rows.Close()

	var result []*domain.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ioc)
	}
	return result, rows.Err()
}

// CountOtherIncidents counts incidents other than excludeIncidentID linked to
// the IOC.
func (r *Repository) CountOtherIncidents(ctx context.Context, iocID, excludeIncidentID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM incident_iocs WHERE ioc_id = $1 AND incident_id != $2
	`, iocID, excludeIncidentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ioc incidents: %w", err)
	}
	return count, nil
}

// CreatePlaybook persists a playbook together with its steps.
func (r *Repository) CreatePlaybook(ctx context.Context, playbook *domain.Playbook) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	_, err = tx.Exec(ctx, `
		INSERT INTO playbooks (id, name, description, incident_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		playbook.ID,
		playbook.Name,
		playbook.Description,
		playbook.IncidentType,
		playbook.CreatedAt,
		playbook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert playbook: %w", err)
	}

	for _, step := range playbook.Steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO playbook_steps (id, playbook_id, step_number, description, is_automated, automation_script)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, step.ID, step.PlaybookID, step.StepNumber, step.Description, step.IsAutomated, step.AutomationScript)
		if err != nil {
			return fmt.Errorf("insert playbook step: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetPlaybook retrieves a playbook by ID with its steps in order.
func (r *Repository) GetPlaybook(ctx context.Context, id string) (*domain.Playbook, error) {
	return r.getPlaybook(ctx, `WHERE id = $1`, id)
}

// FindPlaybookByIncidentType retrieves the playbook registered for an
// incident type.
func (r *Repository) FindPlaybookByIncidentType(ctx context.Context, incidentType string) (*domain.Playbook, error) {
	return r.getPlaybook(ctx, `WHERE incident_type = $1`, incidentType)
}

func (r *Repository) getPlaybook(ctx context.Context, where string, arg any) (*domain.Playbook, error) {
	var p domain.Playbook
	err := r.db.QueryRow(ctx, `
		SELECT id, name, description, incident_type, created_at, updated_at
		FROM playbooks
	`+where, arg).Scan(&p.ID, &p.Name, &p.Description, &p.IncidentType, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, threatintel.ErrPlaybookNotFound
		}
		return nil, fmt.Errorf("get playbook: %w", err)
	}

	steps, err := r.listSteps(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return &p, nil
}

// ListPlaybooks retrieves all playbooks with their steps.
func (r *Repository) ListPlaybooks(ctx context.Context) ([]*domain.Playbook, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, description, incident_type, created_at, updated_at
		FROM playbooks
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()

	var result []*domain.Playbook
	for rows.Next() {
		var p domain.Playbook
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IncidentType, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		result = append(result, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range result {
		steps, err := r.listSteps(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Steps = steps
	}
	return result, nil
}

func (r *Repository) listSteps(ctx context.Context, playbookID string) ([]domain.PlaybookStep, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, playbook_id, step_number, description, is_automated, automation_script
		FROM playbook_steps
		WHERE playbook_id = $1
		ORDER BY step_number
	`, playbookID)
	if err != nil {
		return nil, fmt.Errorf("list playbook steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.PlaybookStep
	for rows.Next() {
		var s domain.PlaybookStep
		if err := rows.Scan(&s.ID, &s.PlaybookID, &s.StepNumber, &s.Description, &s.IsAutomated, &s.AutomationScript); err != nil {
			return nil, fmt.Errorf("scan playbook step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CreateExecution persists a new execution. The partial unique index on
// (playbook_id, incident_id) over non-terminal statuses rejects a second
// live execution, which surfaces as ErrExecutionConflict.
func (r *Repository) CreateExecution(ctx context.Context, execution *domain.PlaybookExecution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO playbook_executions
			(id, playbook_id, incident_id, ticket_id, analysis_id, status,
			 started_at, paused_at, total_paused_ms, completed_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		execution.ID,
		execution.PlaybookID,
		execution.IncidentID,
		execution.TicketID,
		nullable(execution.AnalysisID),
		execution.Status,
		execution.StartedAt,
		execution.PausedAt,
		execution.TotalPaused.Milliseconds(),
		execution.CompletedAt,
		execution.Notes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return threatintel.ErrExecutionConflict
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// DeleteExecution removes an execution; step executions go with it via the
// cascade on execution_id.
func (r *Repository) DeleteExecution(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM playbook_executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *Repository) GetExecution(ctx context.Context, id string) (*domain.PlaybookExecution, error) {
	var (
		e             domain.PlaybookExecution
		analysisID    *string
		totalPausedMs int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, playbook_id, incident_id, ticket_id, analysis_id, status,
		       started_at, paused_at, total_paused_ms, completed_at, notes
		FROM playbook_executions
		WHERE id = $1
	`, id).Scan(
		&e.ID, &e.PlaybookID, &e.IncidentID, &e.TicketID, &analysisID, &e.Status,
		&e.StartedAt, &e.PausedAt, &totalPausedMs, &e.CompletedAt, &e.Notes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, threatintel.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if analysisID != nil {
		e.AnalysisID = *analysisID
	}
	e.TotalPaused = time.Duration(totalPausedMs) * time.Millisecond
	return &e, nil
}

// UpdateExecution persists execution fields mutated by the engine.
func (r *Repository) UpdateExecution(ctx context.Context, execution *domain.PlaybookExecution) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE playbook_executions
		SET status = $2, started_at = $3, paused_at = $4, total_paused_ms = $5,
		    completed_at = $6, notes = $7
		WHERE id = $1
	`,
		execution.ID,
		execution.Status,
		execution.StartedAt,
		execution.PausedAt,
		execution.TotalPaused.Milliseconds(),
		execution.CompletedAt,
		execution.Notes,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return threatintel.ErrExecutionNotFound
	}
	return nil
}

// CreateStepExecutions persists step executions in one transaction.
func (r *Repository) CreateStepExecutions(ctx context.Context, steps []*domain.PlaybookStepExecution) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	for _, step := range steps {
		_, err = tx.Exec(ctx, `
			INSERT INTO playbook_step_executions
				(id, execution_id, step_id, step_number, status, started_at, completed_at, result)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			step.ID,
			step.ExecutionID,
			step.StepID,
			step.StepNumber,
			step.Status,
			step.StartedAt,
			step.CompletedAt,
			step.Result,
		)
		if err != nil {
			return fmt.Errorf("insert step execution: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateStepExecution persists one step execution's progress.
func (r *Repository) UpdateStepExecution(ctx context.Context, step *domain.PlaybookStepExecution) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE playbook_step_executions
		SET status = $2, started_at = $3, completed_at = $4, result = $5
		WHERE id = $1
	`,
		step.ID,
		step.Status,
		step.StartedAt,
		step.CompletedAt,
		step.Result,
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return threatintel.ErrStepNotFound
	}
	return nil
}

// ListStepExecutions retrieves the step executions of one execution in order.
func (r *Repository) ListStepExecutions(ctx context.Context, executionID string) ([]*domain.PlaybookStepExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, execution_id, step_id, step_number, status, started_at, completed_at, result
		FROM playbook_step_executions
		WHERE execution_id = $1
		ORDER BY step_number
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	var result []*domain.PlaybookStepExecution
	for rows.Next() {
		var s domain.PlaybookStepExecution
		err := rows.Scan(&s.ID, &s.ExecutionID, &s.StepID, &s.StepNumber, &s.Status, &s.StartedAt, &s.CompletedAt, &s.Result)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}

func scanIOC(row pgx.Row) (*domain.IOC, error) {
	var ioc domain.IOC
	err := row.Scan(
		&ioc.ID,
		&ioc.Type,
		&ioc.Value,
		&ioc.Description,
		&ioc.Source,
		&ioc.ConfidenceScore,
		&ioc.IsBlocked,
		&ioc.CreatedAt,
		&ioc.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan ioc: %w", err)
	}
	return &ioc, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}
