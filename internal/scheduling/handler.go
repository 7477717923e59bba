package scheduling

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/soc-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler handles HTTP requests for analysts and shifts.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new scheduling handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the analyst and shift routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/analysts", func(r chi.Router) {
		r.Get("/", h.ListAnalysts)
		r.Post("/", h.CreateAnalyst)
		r.Get("/{id}", h.GetAnalyst)
		r.Put("/{id}/shift", h.SetShift)
		r.Put("/{id}/capacity", h.SetCapacity)
	})

	r.Route("/shifts", func(r chi.Router) {
		r.Get("/", h.ListShifts)
		r.Post("/", h.CreateShift)
	})
}

// CreateAnalystRequest represents the request body for registering an analyst.
type CreateAnalystRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=255"`
	Email       string  `json:"email" validate:"required,email"`
	MaxCapacity int     `json:"max_capacity" validate:"omitempty,gt=0"`
	ShiftID     *string `json:"shift_id"`
}

// CreateAnalyst handles POST /analysts request.
func (h *Handler) CreateAnalyst(w http.ResponseWriter, r *http.Request) {
	var req CreateAnalystRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	analyst, err := h.service.CreateAnalyst(r.Context(), CreateAnalystInput{
		Name:        req.Name,
		Email:       req.Email,
		MaxCapacity: req.MaxCapacity,
		ShiftID:     req.ShiftID,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, analyst)
}

// GetAnalyst handles GET /analysts/{id} request.
func (h *Handler) GetAnalyst(w http.ResponseWriter, r *http.Request) {
	analyst, err := h.service.GetAnalyst(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, analyst)
}

// ListAnalysts handles GET /analysts request.
func (h *Handler) ListAnalysts(w http.ResponseWriter, r *http.Request) {
	analysts, err := h.service.ListAnalysts(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, analysts)
}

// SetShiftRequest represents the request body for moving an analyst between
// shifts. A null shift_id takes the analyst off shift.
type SetShiftRequest struct {
	ShiftID *string `json:"shift_id"`
}

// SetShift handles PUT /analysts/{id}/shift request.
func (h *Handler) SetShift(w http.ResponseWriter, r *http.Request) {
	var req SetShiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	analyst, err := h.service.SetShift(r.Context(), chi.URLParam(r, "id"), req.ShiftID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, analyst)
}

// SetCapacityRequest represents the request body for a capacity update.
type SetCapacityRequest struct {
	MaxCapacity int `json:"max_capacity" validate:"required,gt=0"`
}

// SetCapacity handles PUT /analysts/{id}/capacity request.
func (h *Handler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	var req SetCapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	analyst, err := h.service.SetCapacity(r.Context(), chi.URLParam(r, "id"), req.MaxCapacity)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, analyst)
}

// CreateShiftRequest represents the request body for defining a shift window.
type CreateShiftRequest struct {
	Name      string `json:"name" validate:"required,min=1,max=255"`
	Weekday   int    `json:"weekday" validate:"min=0,max=6"`
	StartTime string `json:"start_time" validate:"required"`
	EndTime   string `json:"end_time" validate:"required"`
}

// CreateShift handles POST /shifts request.
func (h *Handler) CreateShift(w http.ResponseWriter, r *http.Request) {
	var req CreateShiftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	shift, err := h.service.CreateShift(r.Context(), CreateShiftInput{
		Name:      req.Name,
		Weekday:   time.Weekday(req.Weekday),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusCreated, shift)
}

// ListShifts handles GET /shifts request.
func (h *Handler) ListShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := h.service.ListShifts(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, shifts)
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: ErrAnalystNotFound, Status: http.StatusNotFound},
		{Error: ErrShiftNotFound, Status: http.StatusNotFound},
	})
}
