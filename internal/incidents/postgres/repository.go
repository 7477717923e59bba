// Package postgres provides the PostgreSQL implementation of the incidents
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/incidents"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Statuses counted towards analyst workload.
const workloadStatuses = `'new', 'assigned', 'in_progress'`

// CreateIncidentWithTicket persists an incident, its ticket and an empty
// metrics row in one transaction.
func (r *Repository) CreateIncidentWithTicket(ctx context.Context, incident *domain.Incident, ticket *domain.Ticket) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	_, err = tx.Exec(ctx, `
		INSERT INTO incidents (id, client_id, status, severity, incident_type, sla_duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		incident.ID,
		incident.ClientID,
		incident.Status,
		incident.Severity,
		incident.IncidentType,
		incident.SLADuration.Milliseconds(),
		incident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (id, incident_id, status, description, created_at, deadline_at, sla_remaining_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		ticket.ID,
		ticket.IncidentID,
		ticket.Status,
		ticket.Description,
		ticket.CreatedAt,
		ticket.DeadlineAt,
		ticket.SLARemaining.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_metrics (ticket_id, sla_met) VALUES ($1, false)
	`, ticket.ID)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}

	return tx.Commit(ctx)
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return scanIncident(r.db.QueryRow(ctx, `
		SELECT id, client_id, status, severity, incident_type, sla_duration_ms, created_at, resolution_confirmed_at
		FROM incidents
		WHERE id = $1
	`, id))
}

// UpdateIncident persists incident fields mutated by the workflow.
func (r *Repository) UpdateIncident(ctx context.Context, incident *domain.Incident) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE incidents
		SET status = $2, severity = $3, incident_type = $4, sla_duration_ms = $5, resolution_confirmed_at = $6
		WHERE id = $1
	`,
		incident.ID,
		incident.Status,
		incident.Severity,
		incident.IncidentType,
		incident.SLADuration.Milliseconds(),
		incident.ResolutionConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrIncidentNotFound
	}
	return nil
}

// ListIncidents retrieves incidents with optional filters, newest first.
func (r *Repository) ListIncidents(ctx context.Context, filters incidents.IncidentFilters) ([]*domain.Incident, error) {
	query := `
		SELECT id, client_id, status, severity, incident_type, sla_duration_ms, created_at, resolution_confirmed_at
		FROM incidents
		WHERE 1=1
	`
	args := []any{}
	if filters.Status != nil {
		args = append(args, *filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Severity != nil {
		args = append(args, *filters.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if filters.ClientID != nil {
		args = append(args, *filters.ClientID)
		query += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var result []*domain.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, incident)
	}
	return result, rows.Err()
}

// GetTicket retrieves a ticket by ID, including its assignment set.
func (r *Repository) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return r.getTicket(ctx, r.db, `WHERE id = $1`, id)
}

// GetTicketByIncident retrieves the ticket belonging to an incident.
func (r *Repository) GetTicketByIncident(ctx context.Context, incidentID string) (*domain.Ticket, error) {
	return r.getTicket(ctx, r.db, `WHERE incident_id = $1`, incidentID)
}

func (r *Repository) getTicket(ctx context.Context, q querier, where string, arg any) (*domain.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, `
		SELECT id, incident_id, status, description, created_at, assigned_at, started_at,
		       completed_at, deadline_at, sla_remaining_ms, client_notified_at, client_responded_at
		FROM tickets
	`+where, arg))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT analyst_id FROM ticket_analysts WHERE ticket_id = $1 ORDER BY analyst_id
	`, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("get ticket analysts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var analystID string
		if err := rows.Scan(&analystID); err != nil {
			return nil, fmt.Errorf("scan analyst id: %w", err)
		}
		ticket.AssignedAnalystIDs = append(ticket.AssignedAnalystIDs, analystID)
	}
	return ticket, rows.Err()
}

// ListOpenTickets retrieves tickets that have not completed.
func (r *Repository) ListOpenTickets(ctx context.Context) ([]*domain.Ticket, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, incident_id, status, description, created_at, assigned_at, started_at,
		       completed_at, deadline_at, sla_remaining_ms, client_notified_at, client_responded_at
		FROM tickets
		WHERE status != 'completed'
		ORDER BY deadline_at ASC NULLS LAST
	`)
	if err != nil {
		return nil, fmt.Errorf("list open tickets: %w", err)
	}
	defer rows.Close()

	var result []*domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

// AssignTicket performs the capacity check and the assignment as one
// serializable unit. The analyst row is locked first so two concurrent
// assignments against the same analyst serialize on the workload check.
func (r *Repository) AssignTicket(ctx context.Context, ticketID, analystID string, at time.Time) (*domain.Ticket, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	var maxCapacity int
	err = tx.QueryRow(ctx, `
		SELECT max_capacity FROM analysts WHERE id = $1 FOR UPDATE
	`, analystID).Scan(&maxCapacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrAnalystNotFound
		}
		return nil, fmt.Errorf("lock analyst: %w", err)
	}

	var workload int
	err = tx.QueryRow(ctx, `
		SELECT count(*)
		FROM ticket_analysts ta
		JOIN tickets t ON t.id = ta.ticket_id
		WHERE ta.analyst_id = $1 AND t.status IN (`+workloadStatuses+`)
	`, analystID).Scan(&workload)
	if err != nil {
		return nil, fmt.Errorf("count workload: %w", err)
	}

	if workload >= maxCapacity {
		return nil, incidents.ErrAnalystAtCapacity
	}

	tag, err := tx.Exec(ctx, `
		UPDATE tickets SET status = 'assigned', assigned_at = $2 WHERE id = $1 AND status = 'new'
	`, ticketID, at)
	if err != nil {
		return nil, fmt.Errorf("update ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id = $1)`, ticketID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check ticket: %w", err)
		}
		if !exists {
			return nil, incidents.ErrTicketNotFound
		}
		return nil, incidents.ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_analysts (ticket_id, analyst_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, ticketID, analystID)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE incidents SET status = 'assigned'
		WHERE id = (SELECT incident_id FROM tickets WHERE id = $1) AND status = 'open'
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("update incident: %w", err)
	}

	ticket, err := r.getTicket(ctx, tx, `WHERE id = $1`, ticketID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ticket, nil
}

// SaveTicketTransition persists a ticket state change, the mirrored incident
// status, recomputed metrics and an optional analysis in one transaction.
func (r *Repository) SaveTicketTransition(ctx context.Context, ticket *domain.Ticket, incident *domain.Incident, metrics *domain.TicketMetrics, analysis *domain.Analysis) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = $2, assigned_at = $3, started_at = $4, completed_at = $5,
		    client_notified_at = $6, client_responded_at = $7
		WHERE id = $1
	`,
		ticket.ID,
		ticket.Status,
		ticket.AssignedAt,
		ticket.StartedAt,
		ticket.CompletedAt,
		ticket.ClientNotifiedAt,
		ticket.ClientRespondedAt,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrTicketNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE incidents
		SET status = $2, severity = $3, incident_type = $4, sla_duration_ms = $5, resolution_confirmed_at = $6
		WHERE id = $1
	`,
		incident.ID,
		incident.Status,
		incident.Severity,
		incident.IncidentType,
		incident.SLADuration.Milliseconds(),
		incident.ResolutionConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_metrics (ticket_id, mtd_ms, mta_ms, mtr_ms, sla_met)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ticket_id) DO UPDATE
		SET mtd_ms = EXCLUDED.mtd_ms, mta_ms = EXCLUDED.mta_ms,
		    mtr_ms = EXCLUDED.mtr_ms, sla_met = EXCLUDED.sla_met
	`,
		metrics.TicketID,
		durationMs(metrics.MeanTimeToDetect),
		durationMs(metrics.MeanTimeToAnalyze),
		durationMs(metrics.MeanTimeToRespond),
		metrics.SLAMet,
	)
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}

	if analysis != nil {
		if err := insertAnalysis(ctx, tx, analysis); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// SaveTicketSLARemaining persists a freshly computed SLA remaining value.
func (r *Repository) SaveTicketSLARemaining(ctx context.Context, ticketID string, remaining time.Duration) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tickets SET sla_remaining_ms = $2 WHERE id = $1
	`, ticketID, remaining.Milliseconds())
	if err != nil {
		return fmt.Errorf("update sla remaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrTicketNotFound
	}
	return nil
}

// SetClientNotified records the instant a client notification was sent.
func (r *Repository) SetClientNotified(ctx context.Context, ticketID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tickets SET client_notified_at = $2 WHERE id = $1
	`, ticketID, at)
	if err != nil {
		return fmt.Errorf("update client notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incidents.ErrTicketNotFound
	}
	return nil
}

// GetMetrics retrieves the derived timings of a ticket.
func (r *Repository) GetMetrics(ctx context.Context, ticketID string) (*domain.TicketMetrics, error) {
	var (
		m                   domain.TicketMetrics
		mtdMs, mtaMs, mtrMs *int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT ticket_id, mtd_ms, mta_ms, mtr_ms, sla_met
		FROM ticket_metrics
		WHERE ticket_id = $1
	`, ticketID).Scan(&m.TicketID, &mtdMs, &mtaMs, &mtrMs, &m.SLAMet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrTicketNotFound
		}
		return nil, fmt.Errorf("get metrics: %w", err)
	}

	m.MeanTimeToDetect = msDuration(mtdMs)
	m.MeanTimeToAnalyze = msDuration(mtaMs)
	m.MeanTimeToRespond = msDuration(mtrMs)
	return &m, nil
}

// CreateAnalysis persists a new analysis note.
func (r *Repository) CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	return insertAnalysis(ctx, r.db, analysis)
}

// ListAnalyses retrieves the analysis notes of an incident, oldest first.
func (r *Repository) ListAnalyses(ctx context.Context, incidentID string) ([]*domain.Analysis, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, incident_id, analyst_id, ticket_id, notes, created_at
		FROM analyses
		WHERE incident_id = $1
		ORDER BY created_at ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var result []*domain.Analysis
	for rows.Next() {
		var a domain.Analysis
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.AnalystID, &a.TicketID, &a.Notes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// GetClient retrieves a client by ID.
func (r *Repository) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	err := r.db.QueryRow(ctx, `
		SELECT id, name, contact_email, phone_number, is_active, created_at
		FROM clients
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.ContactEmail, &c.PhoneNumber, &c.IsActive, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

func insertAnalysis(ctx context.Context, q querier, analysis *domain.Analysis) error {
	_, err := q.Exec(ctx, `
		INSERT INTO analyses (id, incident_id, analyst_id, ticket_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		analysis.ID,
		analysis.IncidentID,
		analysis.AnalystID,
		analysis.TicketID,
		analysis.Notes,
		analysis.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		incident domain.Incident
		slaMs    int64
	)
	err := row.Scan(
		&incident.ID,
		&incident.ClientID,
		&incident.Status,
		&incident.Severity,
		&incident.IncidentType,
		&slaMs,
		&incident.CreatedAt,
		&incident.ResolutionConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	incident.SLADuration = time.Duration(slaMs) * time.Millisecond
	return &incident, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket      domain.Ticket
		remainingMs int64
	)
	err := row.Scan(
		&ticket.ID,
		&ticket.IncidentID,
		&ticket.Status,
		&ticket.Description,
		&ticket.CreatedAt,
		&ticket.AssignedAt,
		&ticket.StartedAt,
		&ticket.CompletedAt,
		&ticket.DeadlineAt,
		&remainingMs,
		&ticket.ClientNotifiedAt,
		&ticket.ClientRespondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrTicketNotFound
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	ticket.SLARemaining = time.Duration(remainingMs) * time.Millisecond
	return &ticket, nil
}

func durationMs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func msDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}
