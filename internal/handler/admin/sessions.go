package admin

import (
	"context"
	"net/http"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/handler"
	"github.com/google/uuid"
)

// SessionManager lists and force-ends user sessions.
type SessionManager interface {
	ListActive(ctx context.Context, userID uuid.UUID) ([]domain.UserSession, error)
	LogoutAll(ctx context.Context, userID uuid.UUID, reason domain.LogoutReason) ([]uuid.UUID, error)
}

// SessionAdminHandler handles admin session review.
type SessionAdminHandler struct {
	sessions SessionManager
}

// NewSessionAdminHandler creates a new SessionAdminHandler.
func NewSessionAdminHandler(sessions SessionManager) *SessionAdminHandler {
	return &SessionAdminHandler{sessions: sessions}
}

// ListUserSessions handles GET /admin/users/{id}/sessions.
func (h *SessionAdminHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := handler.UUIDParam(r, "id", "user")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	sessions, err := h.sessions.ListActive(r.Context(), userID)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.UserSession{}
	}
	handler.RespondJSON(w, http.StatusOK, sessions)
}

// ForceLogout handles POST /admin/users/{id}/sessions/logout.
func (h *SessionAdminHandler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	userID, err := handler.UUIDParam(r, "id", "user")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	ended, err := h.sessions.LogoutAll(r.Context(), userID, domain.LogoutForced)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, map[string]int{"ended": len(ended)})
}
