package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/sse"
)

// Subscriber is satisfied by sse.Broker.
type Subscriber interface {
	Subscribe(deviceID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type EventsHandler struct {
	broker    Subscriber
	devices   DeviceFinder
	keepalive time.Duration
}

// NewEventsHandler streams device events. A nil broker means Redis is not
// configured and every stream request is refused.
func NewEventsHandler(broker Subscriber, devices DeviceFinder) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		devices:   devices,
		keepalive: sse.HeartbeatInterval,
	}
}

// GET /v1/devices/{id}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, apperrors.Unavailable("Device event stream requires Redis"))
		return
	}

	deviceID := chi.URLParam(r, "id")
	device, err := h.devices.FindByID(r.Context(), deviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to load device")
		writeError(w, apperrors.Database(err))
		return
	}
	if device == nil {
		writeError(w, apperrors.NotFound("Device"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(deviceID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("deviceId", deviceID).Msg("sse connection established")

	// Current state first; later events are deltas.
	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"deviceId":    device.ID,
		"status":      device.Status,
		"qrCode":      device.QRCode,
		"pairingCode": device.PairingCode,
	}); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.keepalive)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("deviceId", deviceID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("deviceId", deviceID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("deviceId", deviceID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
