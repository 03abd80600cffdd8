package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/enforcement"
	"github.com/attaboy/shareguard/internal/guard"
	"github.com/attaboy/shareguard/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionValidator runs the sharing checks for one login.
type SessionValidator interface {
	ValidateUserSession(ctx context.Context, userID uuid.UUID, data domain.SessionData) (*enforcement.Result, error)
}

// SessionService reports activity on and ends live sessions.
type SessionService interface {
	RecordActivity(ctx context.Context, token string, act domain.SessionActivity) (*domain.UserSession, error)
	Logout(ctx context.Context, token string, reason domain.LogoutReason) error
}

// SessionHandler serves the validation API called by login backends.
type SessionHandler struct {
	engine   SessionValidator
	sessions SessionService
	limiter  *guard.RateLimiter
	logger   *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. limiter is keyed per user and may be nil.
func NewSessionHandler(engine SessionValidator, sessions SessionService, limiter *guard.RateLimiter, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{engine: engine, sessions: sessions, limiter: limiter, logger: logger}
}

type validateRequest struct {
	UserID uuid.UUID `json:"user_id"`
	domain.SessionData
}

// Validate handles POST /v1/sessions/validate.
// The response is 200 for every decision, including blocks and fail-open results.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, err)
		return
	}
	if req.UserID == uuid.Nil {
		RespondError(w, domain.ErrValidation("user_id is required"))
		return
	}

	if h.limiter != nil {
		if res := h.limiter.Check(r.Context(), req.UserID.String()); !res.Allowed {
			metrics.RateLimited.WithLabelValues("user").Inc()
			RespondError(w, domain.ErrRateLimited(res.Reason))
			return
		}
	}

	result, err := h.engine.ValidateUserSession(r.Context(), req.UserID, req.SessionData)
	if err != nil {
		RespondError(w, err)
		return
	}

	if result.Fallback {
		h.logger.Warn("validation fell back to allow",
			"user_id", req.UserID,
			"request_id", GetRequestID(r.Context()),
			"error", result.Error,
		)
	}
	RespondJSON(w, http.StatusOK, result)
}

// RecordActivity handles POST /v1/sessions/{token}/activity.
func (h *SessionHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var act domain.SessionActivity
	if err := DecodeJSON(r, &act); err != nil {
		RespondError(w, err)
		return
	}

	sess, err := h.sessions.RecordActivity(r.Context(), chi.URLParam(r, "token"), act)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, sess)
}

// Logout handles POST /v1/sessions/{token}/logout. The body is optional.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	input := struct {
		Reason domain.LogoutReason `json:"reason"`
	}{Reason: domain.LogoutUser}
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &input); err != nil {
			RespondError(w, err)
			return
		}
	}

	if err := h.sessions.Logout(r.Context(), chi.URLParam(r, "token"), input.Reason); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusNoContent, nil)
}
