package threatintel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/incidents"
	"github.com/bissquit/soc-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for IOC correlation and playbook execution.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new threat intelligence handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterIncidentRoutes registers incident-scoped correlation routes,
// relative to /incidents.
func (h *Handler) RegisterIncidentRoutes(r chi.Router) {
	r.Post("/{id}/iocs", h.AddIOC)
	r.Get("/{id}/iocs", h.ListIncidentIOCs)
	r.Get("/{id}/match-score", h.MatchScore)
}

// RegisterRoutes registers the playbook and execution routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/playbooks", func(r chi.Router) {
		r.Get("/", h.ListPlaybooks)
		r.Post("/", h.CreatePlaybook)
		r.Get("/{id}", h.GetPlaybook)
	})

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", h.StartPlaybook)
		r.Get("/{id}", h.GetExecution)
		r.Post("/{id}/pause", h.PauseExecution)
		r.Post("/{id}/resume", h.ResumeExecution)
		r.Post("/{id}/complete", h.CompleteExecution)
		r.Get("/{id}/active-time", h.ActiveExecutionTime)
		r.Get("/{id}/steps", h.ListStepExecutions)
		r.Post("/{id}/steps/{stepNumber}/complete", h.CompleteStep)
	})
}

// AddIOCRequest represents the request body for attaching an IOC.
type AddIOCRequest struct {
	Type   string `json:"type" validate:"required,oneof=ip email domain url hash subject other"`
	Value  string `json:"value" validate:"required,min=1"`
	Source string `json:"source" validate:"omitempty,oneof=internal external"`
}

// AddIOC handles POST /incidents/{id}/iocs request.
func (h *Handler) AddIOC(w http.ResponseWriter, r *http.Request) {
	var req AddIOCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ioc, err := h.service.AddIOC(r.Context(), AddIOCInput{
		IncidentID: chi.URLParam(r, "id"),
		Type:       domain.IOCType(req.Type),
		Value:      req.Value,
		Source:     domain.IOCSource(req.Source),
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, ioc)
}

// ListIncidentIOCs handles GET /incidents/{id}/iocs request.
func (h *Handler) ListIncidentIOCs(w http.ResponseWriter, r *http.Request) {
	iocs, err := h.service.ListIncidentIOCs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, iocs)
}

// MatchScore handles GET /incidents/{id}/match-score request.
func (h *Handler) MatchScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.service.MatchScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]float64{"match_score": score})
}

// CreatePlaybookRequest represents the request body for defining a playbook.
type CreatePlaybookRequest struct {
	Name         string                      `json:"name" validate:"required,min=1,max=255"`
	Description  string                      `json:"description"`
	IncidentType string                      `json:"incident_type" validate:"required,min=1"`
	Steps        []CreatePlaybookStepRequest `json:"steps" validate:"required,min=1,dive"`
}

// CreatePlaybookStepRequest represents one step in a playbook definition.
type CreatePlaybookStepRequest struct {
	StepNumber       int    `json:"step_number" validate:"required,gt=0"`
	Description      string `json:"description" validate:"required,min=1"`
	IsAutomated      bool   `json:"is_automated"`
	AutomationScript string `json:"automation_script"`
}

// CreatePlaybook handles POST /playbooks request.
func (h *Handler) CreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req CreatePlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	input := CreatePlaybookInput{
		Name:         req.Name,
		Description:  req.Description,
		IncidentType: req.IncidentType,
	}
	for _, step := range req.Steps {
		input.Steps = append(input.Steps, CreatePlaybookStepInput{
			StepNumber:       step.StepNumber,
			Description:      step.Description,
			IsAutomated:      step.IsAutomated,
			AutomationScript: step.AutomationScript,
		})
	}

	playbook, err := h.service.CreatePlaybook(r.Context(), input)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, playbook)
}

// GetPlaybook handles GET /playbooks/{id} request.
func (h *Handler) GetPlaybook(w http.ResponseWriter, r *http.Request) {
	playbook, err := h.service.GetPlaybook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, playbook)
}

// ListPlaybooks handles GET /playbooks request.
func (h *Handler) ListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := h.service.ListPlaybooks(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, playbooks)
}

// StartPlaybookRequest represents the request body for starting an execution.
type StartPlaybookRequest struct {
	IncidentID string `json:"incident_id" validate:"required"`
	PlaybookID string `json:"playbook_id" validate:"required"`
	TicketID   string `json:"ticket_id" validate:"required"`
	AnalysisID string `json:"analysis_id"`
}

// StartPlaybook handles POST /executions request.
func (h *Handler) StartPlaybook(w http.ResponseWriter, r *http.Request) {
	var req StartPlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	execution, err := h.service.StartPlaybook(r.Context(), StartPlaybookInput{
		IncidentID: req.IncidentID,
		PlaybookID: req.PlaybookID,
		TicketID:   req.TicketID,
		AnalysisID: req.AnalysisID,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, execution)
}

// GetExecution handles GET /executions/{id} request.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.service.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, execution)
}

// PauseExecution handles POST /executions/{id}/pause request.
func (h *Handler) PauseExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.service.PauseExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, execution)
}

// ResumeExecution handles POST /executions/{id}/resume request.
func (h *Handler) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.service.ResumeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, execution)
}

// CompleteExecution handles POST /executions/{id}/complete request.
func (h *Handler) CompleteExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.service.CompleteExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, execution)
}

// ActiveExecutionTime handles GET /executions/{id}/active-time request.
func (h *Handler) ActiveExecutionTime(w http.ResponseWriter, r *http.Request) {
	active, err := h.service.ActiveExecutionTime(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]any{
		"active_time":         active.String(),
		"active_time_seconds": int64(active.Seconds()),
	})
}

// ListStepExecutions handles GET /executions/{id}/steps request.
func (h *Handler) ListStepExecutions(w http.ResponseWriter, r *http.Request) {
	steps, err := h.service.ListStepExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, steps)
}

// CompleteStepRequest represents the request body for completing a manual step.
type CompleteStepRequest struct {
	Result string `json:"result"`
}

// CompleteStep handles POST /executions/{id}/steps/{stepNumber}/complete request.
func (h *Handler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	stepNumber, err := strconv.Atoi(chi.URLParam(r, "stepNumber"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid step number")
		return
	}

	var req CompleteStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	step, err := h.service.CompleteStep(r.Context(), chi.URLParam(r, "id"), stepNumber, req.Result)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, step)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: ErrIOCNotFound, Status: http.StatusNotFound},
		{Error: incidents.ErrIncidentNotFound, Status: http.StatusNotFound},
		{Error: incidents.ErrTicketNotFound, Status: http.StatusNotFound},
		{Error: ErrPlaybookNotFound, Status: http.StatusNotFound},
		{Error: ErrExecutionNotFound, Status: http.StatusNotFound},
		{Error: ErrStepNotFound, Status: http.StatusNotFound},
		{Error: ErrExecutionConflict, Status: http.StatusConflict},
		{Error: ErrInvalidExecutionState, Status: http.StatusConflict},
		{Error: ErrTicketMismatch, Status: http.StatusBadRequest},
		{Error: ErrTicketNotCompleted, Status: http.StatusConflict},
	})
}
