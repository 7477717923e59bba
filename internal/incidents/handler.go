package incidents

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/soc-garden/internal/auth"
	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for the incident workflow.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new incidents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterIncidentRoutes registers routes relative to /incidents. The caller
// owns the route prefix so other modules can attach incident-scoped routes to
// the same block.
func (h *Handler) RegisterIncidentRoutes(r chi.Router) {
	r.Post("/", h.CreateIncident)
	r.Get("/", h.ListIncidents)
	r.Get("/{id}", h.GetIncident)
	r.Patch("/{id}/severity", h.ChangeSeverity)
	r.Post("/{id}/escalate", h.Escalate)
	r.Post("/{id}/client-response", h.RecordClientResponse)
	r.Get("/{id}/analyses", h.ListAnalyses)
	r.Post("/{id}/analyses", h.AddAnalysis)
}

// RegisterTicketRoutes registers routes relative to /tickets.
func (h *Handler) RegisterTicketRoutes(r chi.Router) {
	r.Get("/", h.ListOpenTickets)
	r.Get("/{id}", h.GetTicket)
	r.Post("/{id}/assign", h.AssignTicket)
	r.Post("/{id}/start", h.StartWork)
	r.Post("/{id}/pause", h.PauseWork)
	r.Post("/{id}/resume", h.ResumeWork)
	r.Post("/{id}/complete", h.CompleteWork)
	r.Get("/{id}/sla", h.SLARemaining)
	r.Get("/{id}/metrics", h.GetMetrics)
}

// CreateIncidentRequest represents the request body for creating an incident.
type CreateIncidentRequest struct {
	ClientID    string `json:"client_id" validate:"required"`
	Severity    string `json:"severity" validate:"required,oneof=low medium high"`
	Description string `json:"description"`
	// SLAOverrideMinutes replaces the severity-derived SLA duration.
	SLAOverrideMinutes *int `json:"sla_override_minutes" validate:"omitempty,gt=0"`
}

// CreateIncident handles POST /incidents request.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	input := CreateIncidentInput{
		ClientID:    req.ClientID,
		Severity:    domain.Severity(req.Severity),
		Description: req.Description,
	}
	if req.SLAOverrideMinutes != nil {
		d := time.Duration(*req.SLAOverrideMinutes) * time.Minute
		input.SLAOverride = &d
	}

	incident, ticket, err := h.service.CreateIncident(r.Context(), input)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, map[string]any{
		"incident": incident,
		"ticket":   ticket,
	})
}

// GetIncident handles GET /incidents/{id} request.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// ListIncidents handles GET /incidents request.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	var filters IncidentFilters

	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := domain.IncidentStatus(v)
		if !status.IsValid() {
			httputil.Error(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filters.Status = &status
	}
	if v := q.Get("severity"); v != "" {
		severity := domain.Severity(v)
		if !severity.IsValid() {
			httputil.Error(w, http.StatusBadRequest, "invalid severity filter")
			return
		}
		filters.Severity = &severity
	}
	if v := q.Get("client_id"); v != "" {
		filters.ClientID = &v
	}

	incidents, err := h.service.ListIncidents(r.Context(), filters)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incidents)
}

// ChangeSeverityRequest represents the request body for a severity change.
type ChangeSeverityRequest struct {
	Severity string `json:"severity" validate:"required,oneof=low medium high"`
}

// ChangeSeverity handles PATCH /incidents/{id}/severity request.
func (h *Handler) ChangeSeverity(w http.ResponseWriter, r *http.Request) {
	var req ChangeSeverityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	incident, err := h.service.ChangeSeverity(r.Context(), chi.URLParam(r, "id"), domain.Severity(req.Severity))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// Escalate handles POST /incidents/{id}/escalate request.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.Escalate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// RecordClientResponse handles POST /incidents/{id}/client-response request.
func (h *Handler) RecordClientResponse(w http.ResponseWriter, r *http.Request) {
	incident, err := h.service.RecordClientResponse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, incident)
}

// AddAnalysisRequest represents the request body for adding an analysis note.
type AddAnalysisRequest struct {
	Notes string `json:"notes" validate:"required,min=1"`
}

// AddAnalysis handles POST /incidents/{id}/analyses request.
func (h *Handler) AddAnalysis(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req AddAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	analysis, err := h.service.AddAnalysis(r.Context(), chi.URLParam(r, "id"), actor.ID, req.Notes)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, analysis)
}

// ListAnalyses handles GET /incidents/{id}/analyses request.
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.service.ListAnalyses(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, analyses)
}

// GetTicket handles GET /tickets/{id} request.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.service.GetTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, ticket)
}

// ListOpenTickets handles GET /tickets request.
func (h *Handler) ListOpenTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.service.ListOpenTickets(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, tickets)
}

// AssignTicketRequest represents the request body for a manual assignment.
type AssignTicketRequest struct {
	AnalystID string `json:"analyst_id" validate:"required"`
}

// AssignTicket handles POST /tickets/{id}/assign request.
func (h *Handler) AssignTicket(w http.ResponseWriter, r *http.Request) {
	var req AssignTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ticket, err := h.service.AssignTicket(r.Context(), chi.URLParam(r, "id"), req.AnalystID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, ticket)
}

// StartWork handles POST /tickets/{id}/start request.
func (h *Handler) StartWork(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.StartWork)
}

// PauseWork handles POST /tickets/{id}/pause request.
func (h *Handler) PauseWork(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.PauseWork)
}

// ResumeWork handles POST /tickets/{id}/resume request.
func (h *Handler) ResumeWork(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.ResumeWork)
}

func (h *Handler) doTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ticketID string) (*domain.Ticket, error)) {
	ticket, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, ticket)
}

// CompleteWorkRequest represents the request body for completing a ticket.
type CompleteWorkRequest struct {
	Classification string `json:"classification" validate:"required,min=1"`
	Notes          string `json:"notes"`
	Action         string `json:"action"`
}

// CompleteWork handles POST /tickets/{id}/complete request.
func (h *Handler) CompleteWork(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CompleteWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ticket, err := h.service.CompleteWork(r.Context(), CompleteWorkInput{
		TicketID:       chi.URLParam(r, "id"),
		AnalystID:      actor.ID,
		Classification: req.Classification,
		Notes:          req.Notes,
		Action:         req.Action,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, ticket)
}

// SLARemaining handles GET /tickets/{id}/sla request.
func (h *Handler) SLARemaining(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.service.SLARemaining(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]any{
		"sla_remaining":         remaining.String(),
		"sla_remaining_seconds": int64(remaining.Seconds()),
	})
}

// GetMetrics handles GET /tickets/{id}/metrics request.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.GetMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, m)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: ErrIncidentNotFound, Status: http.StatusNotFound},
		{Error: ErrTicketNotFound, Status: http.StatusNotFound},
		{Error: ErrClientNotFound, Status: http.StatusNotFound},
		{Error: ErrAnalystNotFound, Status: http.StatusNotFound},
		{Error: ErrInvalidTransition, Status: http.StatusConflict},
		{Error: ErrAnalystAtCapacity, Status: http.StatusConflict},
	})
}
