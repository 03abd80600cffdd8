package admin

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/attaboy/shareguard/internal/auth"
	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/handler"
	"github.com/google/uuid"
)

// BlockManager is the block workflow available to staff.
type BlockManager interface {
	List(ctx context.Context, filter domain.BlockFilter) ([]domain.AccountBlock, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.AccountBlock, error)
	ReviewAppeal(ctx context.Context, id uuid.UUID, reviewer string, decision domain.AppealDecision, notes string) (*domain.AccountBlock, error)
	Unblock(ctx context.Context, id uuid.UUID, admin, notes string) (*domain.AccountBlock, error)
	Extend(ctx context.Context, id uuid.UUID, admin string, by time.Duration, permanent bool, notes string) (*domain.AccountBlock, error)
}

// BlockAdminHandler handles admin block management.
type BlockAdminHandler struct {
	blocks BlockManager
}

// NewBlockAdminHandler creates a new BlockAdminHandler.
func NewBlockAdminHandler(blocks BlockManager) *BlockAdminHandler {
	return &BlockAdminHandler{blocks: blocks}
}

// ListBlocks handles GET /admin/blocks?user_id=&status=&limit=&offset=.
func (h *BlockAdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.BlockFilter{Limit: 50}

	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			handler.RespondError(w, domain.ErrValidation("invalid user_id"))
			return
		}
		filter.UserID = &id
	}
	if v := q.Get("status"); v != "" {
		status := domain.BlockStatus(v)
		if !slices.Contains(allStatuses, status) {
			handler.RespondError(w, domain.ErrValidation("unknown status "+v))
			return
		}
		filter.Status = status
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 200 {
		filter.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		filter.Offset = n
	}

	blocks, err := h.blocks.List(r.Context(), filter)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	if blocks == nil {
		blocks = []domain.AccountBlock{}
	}
	handler.RespondJSON(w, http.StatusOK, blocks)
}

var allStatuses = []domain.BlockStatus{
	domain.BlockActive, domain.BlockExpired, domain.BlockAppealed, domain.BlockUnblocked, domain.BlockEscalated,
}

// GetBlock handles GET /admin/blocks/{id}.
func (h *BlockAdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id, err := handler.UUIDParam(r, "id", "block")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	b, err := h.blocks.Get(r.Context(), id)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, b)
}

type reviewRequest struct {
	Decision domain.AppealDecision `json:"decision" validate:"required,oneof=approve reject escalate"`
	Notes    string                `json:"notes" validate:"max=2000"`
}

// ReviewAppeal handles POST /admin/blocks/{id}/review.
// Escalated appeals can only be decided by a superadmin.
func (h *BlockAdminHandler) ReviewAppeal(w http.ResponseWriter, r *http.Request) {
	id, err := handler.UUIDParam(r, "id", "block")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	var input reviewRequest
	if err := decodeValid(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}

	claims := auth.ClaimsFromContext(r.Context())
	b, err := h.blocks.Get(r.Context(), id)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	if b.Status == domain.BlockEscalated && !slices.Contains(auth.ReviewRoles(), claims.Role) {
		handler.RespondError(w, domain.ErrForbidden("escalated appeals require a superadmin"))
		return
	}

	b, err = h.blocks.ReviewAppeal(r.Context(), id, claims.Actor(), input.Decision, input.Notes)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, b)
}

// Unblock handles POST /admin/blocks/{id}/unblock.
func (h *BlockAdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	id, err := handler.UUIDParam(r, "id", "block")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	var input struct {
		Notes string `json:"notes" validate:"max=2000"`
	}
	if err := decodeValid(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}

	b, err := h.blocks.Unblock(r.Context(), id, auth.ClaimsFromContext(r.Context()).Actor(), input.Notes)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, b)
}

type extendRequest struct {
	Hours     int    `json:"hours" validate:"gte=0,lte=8760"`
	Permanent bool   `json:"permanent"`
	Notes     string `json:"notes" validate:"max=2000"`
}

// Extend handles POST /admin/blocks/{id}/extend.
func (h *BlockAdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := handler.UUIDParam(r, "id", "block")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	var input extendRequest
	if err := decodeValid(r, &input); err != nil {
		handler.RespondError(w, err)
		return
	}
	if input.Hours == 0 && !input.Permanent {
		handler.RespondError(w, domain.ErrValidation("hours or permanent is required"))
		return
	}

	by := time.Duration(input.Hours) * time.Hour
	b, err := h.blocks.Extend(r.Context(), id, auth.ClaimsFromContext(r.Context()).Actor(), by, input.Permanent, input.Notes)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, b)
}

// decodeValid decodes the body and runs its validate tags.
func decodeValid(r *http.Request, dst any) error {
	if err := handler.DecodeJSON(r, dst); err != nil {
		return err
	}
	return domain.ValidateStruct(dst)
}
