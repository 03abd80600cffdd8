package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// BlockService reads a user's block and files appeals against it.
type BlockService interface {
	Current(ctx context.Context, userID uuid.UUID) (*domain.AccountBlock, error)
	SubmitAppeal(ctx context.Context, id, userID uuid.UUID, reason string) (*domain.AccountBlock, error)
}

// BlockHandler serves block status and appeals on behalf of end users.
type BlockHandler struct {
	blocks BlockService
	now    func() time.Time
}

// NewBlockHandler creates a new BlockHandler.
func NewBlockHandler(blocks BlockService) *BlockHandler {
	return &BlockHandler{blocks: blocks, now: time.Now}
}

type blockStatusResponse struct {
	Blocked          bool                 `json:"blocked"`
	Block            *domain.AccountBlock `json:"block,omitempty"`
	RemainingSeconds *int64               `json:"remaining_seconds,omitempty"`
}

// GetStatus handles GET /v1/users/{id}/block.
// A temporary block past its end is reported as lifted even before the reconciler expires it.
func (h *BlockHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := UUIDParam(r, "id", "user")
	if err != nil {
		RespondError(w, err)
		return
	}

	b, err := h.blocks.Current(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	now := h.now()
	if b == nil || b.Expired(now) {
		RespondJSON(w, http.StatusOK, blockStatusResponse{Blocked: false})
		return
	}

	resp := blockStatusResponse{Blocked: true, Block: b}
	if rem := b.Remaining(now); rem >= 0 {
		secs := int64(rem / time.Second)
		resp.RemainingSeconds = &secs
	}
	RespondJSON(w, http.StatusOK, resp)
}

// Appeal handles POST /v1/users/{id}/block/appeal.
func (h *BlockHandler) Appeal(w http.ResponseWriter, r *http.Request) {
	userID, err := UUIDParam(r, "id", "user")
	if err != nil {
		RespondError(w, err)
		return
	}

	var input struct {
		Reason string `json:"reason"`
	}
	if err := DecodeJSON(r, &input); err != nil {
		RespondError(w, err)
		return
	}

	b, err := h.blocks.Current(r.Context(), userID)
	if err != nil {
		RespondError(w, err)
		return
	}
	if b == nil {
		RespondError(w, domain.ErrNotFound("block for user", userID.String()))
		return
	}

	b, err = h.blocks.SubmitAppeal(r.Context(), b.ID, userID, input.Reason)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, b)
}

// UUIDParam parses a chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name, entity string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.ErrValidation("invalid " + entity + " id")
	}
	return id, nil
}
