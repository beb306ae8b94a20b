package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/advice"
	"github.com/lukasbeck/motiva/internal/consent"
	"github.com/lukasbeck/motiva/internal/db"
	"github.com/lukasbeck/motiva/internal/intervention"
	"github.com/lukasbeck/motiva/internal/metrics"
	"github.com/lukasbeck/motiva/internal/redis"
)

// InterventionService is the slice of the lifecycle engine the HTTP layer
// uses.
type InterventionService interface {
	CreateFromPrediction(ctx context.Context, pred intervention.Prediction, actor *uuid.UUID) (*db.Intervention, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Intervention, error)
	List(ctx context.Context, userID *uuid.UUID, courseID *int64, limit, offset int) ([]*db.Intervention, error)
	Schedule(ctx context.Context, iv *db.Intervention) error
	OnSuccess(ctx context.Context, id uuid.UUID, observer *uuid.UUID) error
}

// ConsentGate is the slice of the consent gate the HTTP layer uses.
type ConsentGate interface {
	IsAuthorized(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error)
	AllowsTeacherInvolvement(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error)
	Submit(ctx context.Context, s consent.Submission) error
}

// PredictionRequest represents the incoming prediction body
type PredictionRequest struct {
	SampleID int64 `json:"sample_id"`
	ModelID  int64 `json:"model_id"`
	CourseID int64 `json:"course_id"`
}

// InterventionResponse is returned after creating an intervention
type InterventionResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ConsentRequest is the body for PUT /v1/consent/{userID}
type ConsentRequest struct {
	CourseID                int64   `json:"course_id"`
	Authorized              bool    `json:"authorized"`
	AllowTeacherInvolvement bool    `json:"allow_teacher_involvement"`
	ModifiedBy              *string `json:"modified_by,omitempty"`
}

// ConsentResponse reports the effective consent for a (user, course) pair.
type ConsentResponse struct {
	UserID                  string `json:"user_id"`
	CourseID                int64  `json:"course_id"`
	Authorized              bool   `json:"authorized"`
	AllowTeacherInvolvement bool   `json:"allow_teacher_involvement"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     InterventionService
	gate        ConsentGate
	activities  advice.ActivityQuerier
	idempotency *redis.IdempotencyService // nil if Redis not configured
	baseURL     string
}

// NewHandler creates a new API handler. idempotency may be nil when Redis is
// not configured; duplicate submission protection is then disabled.
func NewHandler(
	logger *zap.Logger,
	service InterventionService,
	gate ConsentGate,
	activities advice.ActivityQuerier,
	idempotency *redis.IdempotencyService,
	baseURL string,
) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		gate:        gate,
		activities:  activities,
		idempotency: idempotency,
		baseURL:     baseURL,
	}
}

// Routes mounts all handler endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/predictions", h.CreatePrediction)
	r.Get("/v1/interventions", h.ListInterventions)
	r.Get("/v1/interventions/{id}", h.GetIntervention)
	r.Post("/v1/interventions/{id}/success", h.MarkInterventionSuccess)
	r.Get("/v1/consent/{userID}", h.GetConsent)
	r.Put("/v1/consent/{userID}", h.PutConsent)
	r.Get("/v1/users/{userID}/advice", h.GetAdvice)
}

// CreatePrediction handles POST /v1/predictions. A prediction for a
// consenting user becomes a scheduled intervention; without consent the
// prediction is rejected and nothing is stored.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.SampleID <= 0 || req.ModelID <= 0 || req.CourseID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"sample_id, model_id, and course_id are required and must be positive")
		return
	}

	scope := strconv.FormatInt(req.CourseID, 10)
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := InterventionResponse{ID: cachedResult.InterventionID, State: db.StateScheduled.String()}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	pred := intervention.Prediction{
		SampleID: req.SampleID,
		ModelID:  req.ModelID,
		CourseID: req.CourseID,
	}

	iv, err := h.service.CreateFromPrediction(ctx, pred, nil)
	if err != nil {
		h.releaseIdempotency(ctx, scope, idempotencyKey)
		if errors.Is(err, intervention.ErrSubjectNotResolved) || errors.Is(err, intervention.ErrModelNotFound) {
			h.writeError(w, http.StatusUnprocessableEntity, "unresolvable_prediction",
				"Prediction could not be resolved", err.Error())
			return
		}
		if errors.Is(err, intervention.ErrNotAuthorized) {
			h.writeError(w, http.StatusForbidden, "not_authorized",
				"User has not consented to interventions", "")
			return
		}
		h.logger.Error("failed to create intervention",
			zap.Error(err),
			zap.Int64("sample_id", req.SampleID),
			zap.Int64("model_id", req.ModelID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create intervention", "")
		return
	}

	h.logger.Info("intervention created",
		zap.String("id", iv.ID.String()),
		zap.String("target", iv.Target),
		zap.Int64("course_id", iv.CourseID),
	)

	if err := h.service.Schedule(ctx, iv); err != nil {
		h.logger.Error("failed to schedule intervention",
			zap.Error(err),
			zap.String("intervention_id", iv.ID.String()),
		)
		h.releaseIdempotency(ctx, scope, idempotencyKey)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to schedule intervention", "")
		return
	}

	// Only a scheduled intervention is replayable. Storing before the
	// enqueue would turn a failed schedule into a cached 201 that a retry
	// replays without ever scheduling anything.
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			InterventionID: iv.ID.String(),
			StatusCode:     http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := InterventionResponse{
		ID:    iv.ID.String(),
		State: iv.State.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetIntervention handles GET /v1/interventions/{id}
func (h *Handler) GetIntervention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")

	ivID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid intervention ID", "ID must be a valid UUID")
		return
	}

	iv, err := h.service.Get(ctx, ivID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Intervention not found", "")
			return
		}
		h.logger.Error("failed to get intervention",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get intervention", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(iv)
}

// ListInterventions handles GET /v1/interventions?user_id=xxx&course_id=1&limit=20&offset=0
func (h *Handler) ListInterventions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var userID *uuid.UUID
	if userIDStr := r.URL.Query().Get("user_id"); userIDStr != "" {
		id, err := uuid.Parse(userIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
			return
		}
		userID = &id
	}

	var courseID *int64
	if courseIDStr := r.URL.Query().Get("course_id"); courseIDStr != "" {
		id, err := strconv.ParseInt(courseIDStr, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid course_id", "course_id must be an integer")
			return
		}
		courseID = &id
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	interventions, err := h.service.List(ctx, userID, courseID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list interventions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list interventions", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   interventions,
		"limit":  limit,
		"offset": offset,
		"count":  len(interventions),
	})
}

// MarkInterventionSuccess handles POST /v1/interventions/{id}/success.
// Called when the desired event was observed for the intervention's subject.
func (h *Handler) MarkInterventionSuccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	ivID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid intervention ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		ObserverID *string `json:"observer_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	var observer *uuid.UUID
	if req.ObserverID != nil {
		id, err := uuid.Parse(*req.ObserverID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid observer_id", "observer_id must be a valid UUID")
			return
		}
		observer = &id
	}

	if err := h.service.OnSuccess(ctx, ivID, observer); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Intervention not found", "")
			return
		}
		if errors.Is(err, intervention.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, "invalid_transition",
				"Intervention cannot be marked successful", err.Error())
			return
		}
		h.logger.Error("failed to mark intervention successful",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update intervention", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":    idStr,
		"state": db.StateSuccessful.String(),
	})
}

// GetConsent handles GET /v1/consent/{userID}?course_id=1
func (h *Handler) GetConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a valid UUID")
		return
	}

	courseID, err := strconv.ParseInt(r.URL.Query().Get("course_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid course_id", "course_id query parameter is required and must be an integer")
		return
	}

	authorized, err := h.gate.IsAuthorized(ctx, userID, courseID)
	if err != nil {
		h.logger.Error("consent lookup failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve consent", "")
		return
	}

	teacherInvolvement, err := h.gate.AllowsTeacherInvolvement(ctx, userID, courseID)
	if err != nil {
		h.logger.Error("consent lookup failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve consent", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ConsentResponse{
		UserID:                  userID.String(),
		CourseID:                courseID,
		Authorized:              authorized,
		AllowTeacherInvolvement: teacherInvolvement,
	})
}

// PutConsent handles PUT /v1/consent/{userID}
func (h *Handler) PutConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a valid UUID")
		return
	}

	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.CourseID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid course_id", "course_id is required and must be positive")
		return
	}

	var modifiedBy *uuid.UUID
	if req.ModifiedBy != nil {
		id, err := uuid.Parse(*req.ModifiedBy)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid modified_by", "modified_by must be a valid UUID")
			return
		}
		modifiedBy = &id
	}

	sub := consent.Submission{
		UserID:                  userID,
		CourseID:                req.CourseID,
		Authorized:              req.Authorized,
		AllowTeacherInvolvement: req.AllowTeacherInvolvement,
		ModifiedBy:              modifiedBy,
	}

	if err := h.gate.Submit(ctx, sub); err != nil {
		h.logger.Error("failed to save consent",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save consent", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ConsentResponse{
		UserID:                  userID.String(),
		CourseID:                req.CourseID,
		Authorized:              req.Authorized,
		AllowTeacherInvolvement: req.AllowTeacherInvolvement,
	})
}

// GetAdvice handles GET /v1/users/{userID}/advice?course_id=1&format=plain.
// Responds 204 when no qualifying activity exists; empty advice is an
// expected outcome, not an error.
func (h *Handler) GetAdvice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "ID must be a valid UUID")
		return
	}

	var courseID *int64
	if courseIDStr := r.URL.Query().Get("course_id"); courseIDStr != "" {
		id, err := strconv.ParseInt(courseIDStr, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid course_id", "course_id must be an integer")
			return
		}
		courseID = &id
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "plain"
	}
	if format != "plain" && format != "html" && format != "chat" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid format", "format must be plain, html, or chat")
		return
	}

	a, err := advice.RecentActivities(ctx, h.activities, userID, courseID, h.baseURL)
	if err != nil {
		if errors.Is(err, advice.ErrNothingToReport) {
			metrics.RecordAdviceRequest("empty")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		metrics.RecordAdviceRequest("error")
		h.logger.Error("failed to build advice",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build advice", "")
		return
	}

	metrics.RecordAdviceRequest("ok")

	switch format {
	case "plain":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(advice.RenderPlain(a)))
	case "html":
		out, err := advice.RenderHTML(a)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "render_error", "Failed to render advice", "")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out))
	case "chat":
		msg, err := advice.RenderChat(a)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "render_error", "Failed to render advice", "")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(msg)
	}
}

// releaseIdempotency drops the processing reservation after a failed
// request so a retry with the same key is not locked out.
func (h *Handler) releaseIdempotency(ctx context.Context, scope, idempotencyKey string) {
	if idempotencyKey == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, scope, idempotencyKey); err != nil {
		h.logger.Warn("failed to release idempotency reservation",
			zap.Error(err),
			zap.String("idempotency_key", idempotencyKey),
		)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
