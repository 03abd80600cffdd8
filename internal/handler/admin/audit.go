package admin

import (
	"net/http"
	"strconv"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/handler"
	"github.com/attaboy/shareguard/internal/repository"
)

// AuditAdminHandler exposes the audit trail.
type AuditAdminHandler struct {
	db   repository.DBTX
	repo repository.AuditRepository
}

// NewAuditAdminHandler creates a new AuditAdminHandler.
func NewAuditAdminHandler(db repository.DBTX, repo repository.AuditRepository) *AuditAdminHandler {
	return &AuditAdminHandler{db: db, repo: repo}
}

// ListAudit handles GET /admin/audit?event_type=&limit=.
func (h *AuditAdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	if eventType == "" {
		handler.RespondError(w, domain.ErrValidation("event_type is required"))
		return
	}
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}

	entries, err := h.repo.ListByType(r.Context(), h.db, eventType, limit)
	if err != nil {
		handler.RespondError(w, domain.ErrInternal("list audit", err))
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	handler.RespondJSON(w, http.StatusOK, entries)
}
