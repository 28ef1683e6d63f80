package preferences

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrPreferenceNotFound, Status: http.StatusNotFound, Message: "preferences not found"},
	{Error: ErrNoActiveSchedule, Status: http.StatusNotFound, Message: "no delivery scheduled"},
}

// Handler handles HTTP requests for the preferences module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new preferences handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers preference routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/me/preferences", func(r chi.Router) {
		r.Get("/", h.GetPreferences)
		r.Post("/", h.SavePreferences)
		r.Patch("/", h.UpdatePreferences)
		r.Get("/schedule", h.GetSchedule)
	})
}

// SavePreferencesRequest represents request body for subscribing.
type SavePreferencesRequest struct {
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
	Frequency  string   `json:"frequency" validate:"required,oneof=daily weekly biweekly"`
	Email      string   `json:"email" validate:"required,email"`
}

// UpdatePreferencesRequest represents request body for pausing or resuming delivery.
type UpdatePreferencesRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// ResultResponse acknowledges a write.
type ResultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ScheduleResponse describes the next or in-flight delivery.
type ScheduleResponse struct {
	RunID      string           `json:"id"`
	Status     domain.RunStatus `json:"status"`
	FireAt     time.Time        `json:"fire_at"`
	Frequency  domain.Frequency `json:"frequency"`
	Categories []string         `json:"categories"`
}

// GetPreferences handles GET /me/preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	pref, err := h.service.Get(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, pref)
}

// SavePreferences handles POST /me/preferences.
func (h *Handler) SavePreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req SavePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	_, err := h.service.Save(r.Context(), userID, SaveInput{
		Categories: req.Categories,
		Frequency:  domain.Frequency(req.Frequency),
		Email:      req.Email,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, ResultResponse{
		Success: true,
		Message: "Preferences saved successfully",
	})
}

// UpdatePreferences handles PATCH /me/preferences.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	var req UpdatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.SetActive(r.Context(), userID, *req.IsActive); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	message := "Newsletter paused"
	if *req.IsActive {
		message = "Newsletter resumed"
	}

	httputil.Success(w, http.StatusOK, ResultResponse{
		Success: true,
		Message: message,
	})
}

// GetSchedule handles GET /me/preferences/schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r.Context())

	run, err := h.service.Schedule(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, ScheduleResponse{
		RunID:      run.ID,
		Status:     run.Status,
		FireAt:     run.FireAt,
		Frequency:  run.Snapshot.Frequency,
		Categories: run.Snapshot.Categories,
	})
}
