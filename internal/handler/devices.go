package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/codecache"
	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/service"
)

// DeviceFinder is satisfied by repository.DeviceRepository.
type DeviceFinder interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
}

type DeviceHandler struct {
	devices  DeviceFinder
	codes    codecache.Cache
	sessions service.SessionReader
}

func NewDeviceHandler(devices DeviceFinder, codes codecache.Cache, sessions service.SessionReader) *DeviceHandler {
	return &DeviceHandler{
		devices:  devices,
		codes:    codes,
		sessions: sessions,
	}
}

// GET /v1/devices/{id}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, ok := h.load(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":               device.ID,
		"deviceName":       device.Label(),
		"status":           device.Status,
		"connectionMethod": device.ConnectionMethod,
		"phoneNumber":      device.PhoneNumber,
		"errorMessage":     device.ErrorMessage,
		"live":             h.sessions.Get(device.ID) != nil,
		"ready":            h.sessions.Ready(device.ID),
		"updatedAt":        formatTime(&device.UpdatedAt),
	})
}

// GET /v1/devices/{id}/codes
// Returns the current QR and pairing codes. The code cache is read first;
// the device row is the fallback when the cache is cold or unreachable.
func (h *DeviceHandler) Codes(w http.ResponseWriter, r *http.Request) {
	device, ok := h.load(w, r)
	if !ok {
		return
	}

	qr := h.cached(r.Context(), device.ID, codecache.KindQR)
	if qr == "" && device.QRCode != nil {
		qr = *device.QRCode
	}
	pairing := h.cached(r.Context(), device.ID, codecache.KindPairing)
	if pairing == "" && device.PairingCode != nil {
		pairing = *device.PairingCode
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":    device.ID,
		"status":      device.Status,
		"qrCode":      optional(qr),
		"pairingCode": optional(pairing),
	})
}

func (h *DeviceHandler) load(w http.ResponseWriter, r *http.Request) (*model.Device, bool) {
	id := chi.URLParam(r, "id")
	device, err := h.devices.FindByID(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("deviceId", id).Msg("failed to load device")
		writeError(w, apperrors.Database(err))
		return nil, false
	}
	if device == nil {
		writeError(w, apperrors.NotFound("Device"))
		return nil, false
	}
	return device, true
}

func (h *DeviceHandler) cached(ctx context.Context, deviceID string, kind codecache.Kind) string {
	code, err := h.codes.Get(ctx, deviceID, kind)
	if err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Str("kind", string(kind)).Msg("code cache read failed")
		return ""
	}
	return code
}
