package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceLoggedOut    EventType = "device_logged_out"
	EventDeviceReset        EventType = "device_reset"
	EventPairingCodeIssued  EventType = "pairing_code_issued"
	EventPairingExhausted   EventType = "pairing_exhausted"
	EventBroadcastStarted   EventType = "broadcast_started"
	EventBroadcastCompleted EventType = "broadcast_completed"
	EventBroadcastFailed    EventType = "broadcast_failed"
	EventAuthFailure        EventType = "auth_failure"
)

type Event struct {
	Type        EventType
	DeviceID    string
	BroadcastID string
	IP          string
	UserAgent   string
	Details     map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "gateway").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.DeviceID != "" {
		logger = logger.With().Str("device_id", event.DeviceID).Logger()
	}
	if event.BroadcastID != "" {
		logger = logger.With().Str("broadcast_id", event.BroadcastID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Duration:
		return e.Dur(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
