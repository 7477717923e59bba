// Package threatintel implements IOC correlation with severity escalation
// and the playbook execution engine.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/pkg/metrics"
	"github.com/google/uuid"
)

// Escalation threshold: an incident whose IOC match score exceeds this
// percentage has its severity raised one step.
const escalationThreshold = 50.0

// WorkflowReader gives this module read access to incidents and tickets
// without a concrete dependency on the incidents package.
type WorkflowReader interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
}

// SeverityEscalator raises an incident's severity one step, re-deriving the
// SLA duration per the override-preserving rule.
type SeverityEscalator interface {
	Escalate(ctx context.Context, incidentID string) (*domain.Incident, error)
}

// AutomationRunner executes an automated playbook step. The returned output
// is recorded verbatim as the step result. Timeout and retry policy belong
// to the runner, not this engine.
type AutomationRunner interface {
	Run(ctx context.Context, step domain.PlaybookStep) (output string, err error)
}

// Service implements IOC correlation and playbook execution.
type Service struct {
	repo       Repository
	workflow   WorkflowReader
	escalator  SeverityEscalator
	automation AutomationRunner
	now        func() time.Time
}

// NewService creates a new threat intelligence service. escalator and
// automation may be nil; escalation and automated steps are then skipped.
func NewService(repo Repository, workflow WorkflowReader, escalator SeverityEscalator, automation AutomationRunner) *Service {
	return &Service{
		repo:       repo,
		workflow:   workflow,
		escalator:  escalator,
		automation: automation,
		now:        time.Now,
	}
}

// AddIOCInput holds data for attaching an IOC to an incident.
type AddIOCInput struct {
	IncidentID string
	Type       domain.IOCType
	Value      string
	Source     domain.IOCSource
}

// AddIOC gets or creates the IOC by (type, value), links it to the incident
// and escalates the incident's severity when the resulting match score
// crosses the threshold. Re-adding an already linked IOC is a no-op for the
// link.
func (s *Service) AddIOC(ctx context.Context, input AddIOCInput) (*domain.IOC, error) {
	if !input.Type.IsValid() {
		return nil, fmt.Errorf("invalid ioc type: %s", input.Type)
	}

	source := input.Source
	if source == "" {
		source = domain.IOCSourceInternal
	}
	if !source.IsValid() {
		return nil, fmt.Errorf("invalid ioc source: %s", source)
	}

	if _, err := s.workflow.GetIncident(ctx, input.IncidentID); err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	now := s.now()
	ioc, err := s.repo.GetOrCreateIOC(ctx, &domain.IOC{
		ID:              uuid.NewString(),
		Type:            input.Type,
		Value:           strings.ToLower(strings.TrimSpace(input.Value)),
		Source:          source,
		ConfidenceScore: 50,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create ioc: %w", err)
	}

	if err := s.repo.LinkIOC(ctx, input.IncidentID, ioc.ID); err != nil {
		return nil, fmt.Errorf("link ioc: %w", err)
	}

	score, err := s.MatchScore(ctx, input.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("compute match score: %w", err)
	}

	if score > escalationThreshold && s.escalator != nil {
		if _, err := s.escalator.Escalate(ctx, input.IncidentID); err != nil {
			slog.Error("severity escalation failed",
				"incident_id", input.IncidentID,
				"match_score", score,
				"error", err,
			)
		} else {
			slog.Info("incident severity escalated",
				"incident_id", input.IncidentID,
				"match_score", score,
			)
		}
	}

	return ioc, nil
}

// MatchScore returns the percentage of the incident's linked IOCs that also
// appear on at least one other incident. An incident without IOCs scores 0.
func (s *Service) MatchScore(ctx context.Context, incidentID string) (float64, error) {
	iocs, err := s.repo.ListIncidentIOCs(ctx, incidentID)
	if err != nil {
		return 0, fmt.Errorf("list incident iocs: %w", err)
	}
	if len(iocs) == 0 {
		return 0, nil
	}

	matched := 0
	for _, ioc := range iocs {
		others, err := s.repo.CountOtherIncidents(ctx, ioc.ID, incidentID)
		if err != nil {
			return 0, fmt.Errorf("count incidents for ioc %s: %w", ioc.ID, err)
		}
		if others > 0 {
			matched++
		}
	}

	return float64(matched) / float64(len(iocs)) * 100, nil
}

// ListIncidentIOCs retrieves the IOCs linked to an incident.
func (s *Service) ListIncidentIOCs(ctx context.Context, incidentID string) ([]*domain.IOC, error) {
	return s.repo.ListIncidentIOCs(ctx, incidentID)
}

// StartPlaybookInput holds data for starting a playbook execution.
type StartPlaybookInput struct {
	IncidentID string
	PlaybookID string
	TicketID   string
	AnalysisID string
}

// StartPlaybook creates and begins a playbook execution for a completed,
// classified ticket. Fails with ErrExecutionConflict while another execution
// of the same playbook on this incident is InProgress or Paused.
func (s *Service) StartPlaybook(ctx context.Context, input StartPlaybookInput) (*domain.PlaybookExecution, error) {
	ticket, err := s.workflow.GetTicket(ctx, input.TicketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if ticket.IncidentID != input.IncidentID {
		return nil, ErrTicketMismatch
	}

	incident, err := s.workflow.GetIncident(ctx, input.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	if ticket.Status != domain.TicketStatusCompleted || incident.IncidentType == "" {
		return nil, ErrTicketNotCompleted
	}

	playbook, err := s.repo.GetPlaybook(ctx, input.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("get playbook: %w", err)
	}

	execution := &domain.PlaybookExecution{
		ID:         uuid.NewString(),
		PlaybookID: playbook.ID,
		IncidentID: input.IncidentID,
		TicketID:   input.TicketID,
		AnalysisID: input.AnalysisID,
		Status:     domain.ExecutionStatusNotStarted,
	}
	if err := s.repo.CreateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if err := s.execute(ctx, execution, playbook); err != nil {
		// An abandoned live row would block every later start of this
		// playbook with ErrExecutionConflict.
		if delErr := s.repo.DeleteExecution(ctx, execution.ID); delErr != nil {
			slog.Error("delete failed execution", "execution_id", execution.ID, "error", delErr)
		}
		return nil, err
	}

	metrics.PlaybookExecutionsStarted.WithLabelValues(playbook.Name).Inc()
	return execution, nil
}

// StartForClassification finds the playbook matching an incident
// classification and starts it. Returns false when no playbook matches.
func (s *Service) StartForClassification(ctx context.Context, incidentID, ticketID, analysisID, incidentType string) (bool, error) {
	playbook, err := s.repo.FindPlaybookByIncidentType(ctx, incidentType)
	if err != nil {
		if errors.Is(err, ErrPlaybookNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find playbook: %w", err)
	}

	_, err = s.StartPlaybook(ctx, StartPlaybookInput{
		IncidentID: incidentID,
		PlaybookID: playbook.ID,
		TicketID:   ticketID,
		AnalysisID: analysisID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// execute begins an execution: records the start time, creates one step
// execution per step and starts them in ascending step-number order.
// Automated steps delegate to the automation runner and record its output
// verbatim; manual steps stay in progress until completed explicitly.
// Beginning an already running execution is a no-op.
func (s *Service) execute(ctx context.Context, execution *domain.PlaybookExecution, playbook *domain.Playbook) error {
	if execution.Status == domain.ExecutionStatusInProgress {
		return nil
	}
	if execution.Status != domain.ExecutionStatusNotStarted {
		return fmt.Errorf("%w: execute from %s", ErrInvalidExecutionState, execution.Status)
	}

	now := s.now()
	execution.StartedAt = &now
	execution.Status = domain.ExecutionStatusInProgress
	if err := s.repo.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	steps := make([]domain.PlaybookStep, len(playbook.Steps))
	copy(steps, playbook.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	stepExecutions := make([]*domain.PlaybookStepExecution, 0, len(steps))
	for _, step := range steps {
		stepExecutions = append(stepExecutions, &domain.PlaybookStepExecution{
			ID:          uuid.NewString(),
			ExecutionID: execution.ID,
			StepID:      step.ID,
			StepNumber:  step.StepNumber,
			Status:      domain.ExecutionStatusNotStarted,
		})
	}
	if err := s.repo.CreateStepExecutions(ctx, stepExecutions); err != nil {
		return fmt.Errorf("create step executions: %w", err)
	}

	for i, step := range steps {
		se := stepExecutions[i]
		startedAt := s.now()
		se.StartedAt = &startedAt
		se.Status = domain.ExecutionStatusInProgress

		if step.IsAutomated && s.automation != nil {
			output, err := s.automation.Run(ctx, step)
			if err != nil {
				// The result records the failure; the execution keeps going.
				output = fmt.Sprintf("automation error: %v", err)
			}
			completedAt := s.now()
			se.Result = output
			se.CompletedAt = &completedAt
			se.Status = domain.ExecutionStatusCompleted
		}

		if err := s.repo.UpdateStepExecution(ctx, se); err != nil {
			return fmt.Errorf("update step execution %d: %w", step.StepNumber, err)
		}
	}

	return nil
}

// PauseExecution pauses a running execution and records the pause instant.
func (s *Service) PauseExecution(ctx context.Context, executionID string) (*domain.PlaybookExecution, error) {
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if execution.Status != domain.ExecutionStatusInProgress {
		return nil, fmt.Errorf("%w: pause from %s", ErrInvalidExecutionState, execution.Status)
	}

	now := s.now()
	execution.PausedAt = &now
	execution.Status = domain.ExecutionStatusPaused
	if err := s.repo.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	return execution, nil
}

// ResumeExecution resumes a paused execution, accumulating the paused
// interval into the execution's total paused duration.
func (s *Service) ResumeExecution(ctx context.Context, executionID string) (*domain.PlaybookExecution, error) {
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if execution.Status != domain.ExecutionStatusPaused || execution.PausedAt == nil {
		return nil, fmt.Errorf("%w: resume from %s", ErrInvalidExecutionState, execution.Status)
	}

	execution.TotalPaused += s.now().Sub(*execution.PausedAt)
	execution.PausedAt = nil
	execution.Status = domain.ExecutionStatusInProgress
	if err := s.repo.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	return execution, nil
}

// CompleteExecution finishes an execution from any non-terminal state.
func (s *Service) CompleteExecution(ctx context.Context, executionID string) (*domain.PlaybookExecution, error) {
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidExecutionState, execution.Status)
	}

	now := s.now()
	// A paused execution carries its open paused interval into the total.
	if execution.Status == domain.ExecutionStatusPaused && execution.PausedAt != nil {
		execution.TotalPaused += now.Sub(*execution.PausedAt)
		execution.PausedAt = nil
	}
	execution.CompletedAt = &now
	execution.Status = domain.ExecutionStatusCompleted
	if err := s.repo.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	return execution, nil
}

// CompleteStep records the result of a step and marks it completed.
func (s *Service) CompleteStep(ctx context.Context, executionID string, stepNumber int, result string) (*domain.PlaybookStepExecution, error) {
	steps, err := s.repo.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}

	for _, se := range steps {
		if se.StepNumber != stepNumber {
			continue
		}
		if se.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: step %d already completed", ErrInvalidExecutionState, stepNumber)
		}
		now := s.now()
		se.Result = result
		se.CompletedAt = &now
		se.Status = domain.ExecutionStatusCompleted
		if err := s.repo.UpdateStepExecution(ctx, se); err != nil {
			return nil, fmt.Errorf("update step execution: %w", err)
		}
		return se, nil
	}
	return nil, ErrStepNotFound
}

// ActiveExecutionTime returns the execution's wall-clock time excluding
// paused intervals.
func (s *Service) ActiveExecutionTime(ctx context.Context, executionID string) (time.Duration, error) {
	execution, err := s.repo.GetExecution(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("get execution: %w", err)
	}
	return execution.ActiveExecutionTime(s.now()), nil
}

// GetExecution retrieves an execution by ID.
func (s *Service) GetExecution(ctx context.Context, id string) (*domain.PlaybookExecution, error) {
	return s.repo.GetExecution(ctx, id)
}

// ListStepExecutions retrieves the step executions of an execution.
func (s *Service) ListStepExecutions(ctx context.Context, executionID string) ([]*domain.PlaybookStepExecution, error) {
	return s.repo.ListStepExecutions(ctx, executionID)
}

// CreatePlaybookInput holds data for defining a playbook.
type CreatePlaybookInput struct {
	Name         string
	Description  string
	IncidentType string
	Steps        []CreatePlaybookStepInput
}

// CreatePlaybookStepInput holds data for one playbook step.
type CreatePlaybookStepInput struct {
	StepNumber       int
	Description      string
	IsAutomated      bool
	AutomationScript string
}

// CreatePlaybook defines a new playbook with its ordered steps.
func (s *Service) CreatePlaybook(ctx context.Context, input CreatePlaybookInput) (*domain.Playbook, error) {
	now := s.now()
	playbook := &domain.Playbook{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Description:  input.Description,
		IncidentType: input.IncidentType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, step := range input.Steps {
		playbook.Steps = append(playbook.Steps, domain.PlaybookStep{
			ID:               uuid.NewString(),
			PlaybookID:       playbook.ID,
			StepNumber:       step.StepNumber,
			Description:      step.Description,
			IsAutomated:      step.IsAutomated,
			AutomationScript: step.AutomationScript,
		})
	}

	if err := s.repo.CreatePlaybook(ctx, playbook); err != nil {
		return nil, fmt.Errorf("create playbook: %w", err)
	}
	return playbook, nil
}

// GetPlaybook retrieves a playbook with its steps.
func (s *Service) GetPlaybook(ctx context.Context, id string) (*domain.Playbook, error) {
	return s.repo.GetPlaybook(ctx, id)
}

// ListPlaybooks retrieves all playbooks.
func (s *Service) ListPlaybooks(ctx context.Context) ([]*domain.Playbook, error) {
	return s.repo.ListPlaybooks(ctx)
}
