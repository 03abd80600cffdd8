package admin

import (
	"context"
	"net/http"

	"github.com/attaboy/shareguard/internal/audit"
	"github.com/attaboy/shareguard/internal/auth"
	"github.com/attaboy/shareguard/internal/domain"
	"github.com/attaboy/shareguard/internal/handler"
	"github.com/google/uuid"
)

// DeviceManager lists and verifies device fingerprints.
type DeviceManager interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.DeviceFingerprint, error)
	Verify(ctx context.Context, deviceID uuid.UUID, verified bool) (*domain.DeviceFingerprint, error)
}

// DeviceAdminHandler handles admin device review.
type DeviceAdminHandler struct {
	devices DeviceManager
	audit   audit.Recorder
}

// NewDeviceAdminHandler creates a new DeviceAdminHandler.
func NewDeviceAdminHandler(devices DeviceManager, recorder audit.Recorder) *DeviceAdminHandler {
	return &DeviceAdminHandler{devices: devices, audit: recorder}
}

// ListUserDevices handles GET /admin/users/{id}/devices.
func (h *DeviceAdminHandler) ListUserDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := handler.UUIDParam(r, "id", "user")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	devices, err := h.devices.ListForUser(r.Context(), userID)
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	if devices == nil {
		devices = []domain.DeviceFingerprint{}
	}
	handler.RespondJSON(w, http.StatusOK, devices)
}

// VerifyDevice handles POST /admin/devices/{id}/verify. Body: {"verified": bool}, default true.
func (h *DeviceAdminHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	id, err := handler.UUIDParam(r, "id", "device")
	if err != nil {
		handler.RespondError(w, err)
		return
	}
	input := struct {
		Verified bool `json:"verified"`
	}{Verified: true}
	if r.ContentLength != 0 {
		if err := handler.DecodeJSON(r, &input); err != nil {
			handler.RespondError(w, err)
			return
		}
	}

	device, err := h.devices.Verify(r.Context(), id, input.Verified)
	if err != nil {
		handler.RespondError(w, err)
		return
	}

	h.audit.Record(r.Context(), domain.AuditDeviceVerified, "device verification changed", map[string]any{
		"device_id": device.ID,
		"user_id":   device.UserID,
		"verified":  device.IsVerified,
		"actor":     auth.ClaimsFromContext(r.Context()).Actor(),
	})
	handler.RespondJSON(w, http.StatusOK, device)
}
