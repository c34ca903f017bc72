package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/config"
	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/service"
)

// Pinger is satisfied by database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthSampler is satisfied by service.Heartbeat.
type HealthSampler interface {
	Snapshot() model.SystemHealth
}

// BroadcastFinder is satisfied by repository.BroadcastRepository.
type BroadcastFinder interface {
	FindByID(ctx context.Context, id string) (*model.Broadcast, error)
}

// InFlight is satisfied by service.ProcessingGuard.
type InFlight interface {
	Has(id string) bool
	IDs() []string
}

type StatusHandler struct {
	db         Pinger
	health     HealthSampler
	sessions   service.SessionReader
	inflight   InFlight
	broadcasts BroadcastFinder
}

func NewStatusHandler(db Pinger, health HealthSampler, sessions service.SessionReader, inflight InFlight, broadcasts BroadcastFinder) *StatusHandler {
	return &StatusHandler{
		db:         db,
		health:     health,
		sessions:   sessions,
		inflight:   inflight,
		broadcasts: broadcasts,
	}
}

// GET /health
// Unauthenticated liveness probe. Reports 503 when the store is unreachable.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: database ping failed")
		status, code = "degraded", http.StatusServiceUnavailable
	}

	snap := h.health.Snapshot()
	writeJSON(w, code, map[string]any{
		"status":             status,
		"timestamp":          time.Now().UnixMilli(),
		"instance":           snap.ID,
		"uptimeSeconds":      snap.UptimeSeconds,
		"memoryMb":           snap.MemoryMB,
		"activeConnections":  snap.ActiveConnections,
		"inflightBroadcasts": snap.InflightBroadcasts,
	})
}

// GET /v1/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.health.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":           snap.ID,
		"uptimeSeconds":      snap.UptimeSeconds,
		"sessions":           h.sessions.Snapshot(),
		"inflightBroadcasts": h.inflight.IDs(),
	})
}

// GET /v1/broadcasts/{id}
func (h *StatusHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.broadcasts.FindByID(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("broadcastId", id).Msg("failed to load broadcast")
		writeError(w, apperrors.Database(err))
		return
	}
	if b == nil {
		writeError(w, apperrors.NotFound("Broadcast"))
		return
	}

	total := len(b.TargetContacts)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          b.ID,
		"deviceId":    b.DeviceID,
		"status":      b.Status,
		"total":       total,
		"sentCount":   b.SentCount,
		"failedCount": b.FailedCount,
		"remaining":   max(total-b.SentCount-b.FailedCount, 0),
		"inFlight":    h.inflight.Has(b.ID),
		"scheduledAt": formatTime(b.ScheduledAt),
		"updatedAt":   formatTime(&b.UpdatedAt),
	})
}
