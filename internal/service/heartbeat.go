package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/process"

	"github.com/openclaw/device-gateway/internal/config"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/repository"
	redisclient "github.com/openclaw/device-gateway/internal/redis"
)

// KeySetter is the slice of the Redis client the heartbeat needs.
type KeySetter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Heartbeat periodically records that this instance is alive, along with
// how many sessions and broadcasts it is holding.
type Heartbeat struct {
	health   repository.HealthRepository
	keys     KeySetter
	sessions SessionReader
	guard    *ProcessingGuard
	clock    Clock
	interval time.Duration

	instanceID string
	runID      string
	startedAt  time.Time

	// rss returns the resident set size of this process in bytes.
	rss func() (uint64, error)
}

type heartbeatPayload struct {
	model.SystemHealth
	RunID string `json:"runId"`
}

// NewHeartbeat creates a heartbeat for this instance. keys may be nil when
// Redis is not configured.
func NewHeartbeat(health repository.HealthRepository, keys KeySetter, sessions SessionReader, guard *ProcessingGuard, clock Clock, interval time.Duration) *Heartbeat {
	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = "gateway"
	}
	return &Heartbeat{
		health:     health,
		keys:       keys,
		sessions:   sessions,
		guard:      guard,
		clock:      clock,
		interval:   interval,
		instanceID: instanceID,
		runID:      uuid.NewString(),
		startedAt:  clock.Now(),
		rss:        processRSS,
	}
}

func (h *Heartbeat) InstanceID() string {
	return h.instanceID
}

// Snapshot samples the current process state.
func (h *Heartbeat) Snapshot() model.SystemHealth {
	now := h.clock.Now()
	snap := model.SystemHealth{
		ID:                 h.instanceID,
		UptimeSeconds:      int64(now.Sub(h.startedAt) / time.Second),
		ActiveConnections:  h.sessions.Len(),
		InflightBroadcasts: h.guard.Len(),
		UpdatedAt:          now,
	}
	if rss, err := h.rss(); err != nil {
		log.Debug().Err(err).Msg("failed to read process memory")
	} else {
		snap.MemoryMB = int(rss / (1024 * 1024))
	}
	return snap
}

// Beat upserts the health row and refreshes the Redis liveness key. The
// key expires after three missed beats.
func (h *Heartbeat) Beat(ctx context.Context) error {
	snap := h.Snapshot()

	storeCtx, cancel := context.WithTimeout(ctx, config.StoreOpTimeout)
	defer cancel()
	if err := h.health.Upsert(storeCtx, snap); err != nil {
		return fmt.Errorf("upsert system health: %w", err)
	}

	if h.keys != nil {
		payload, err := json.Marshal(heartbeatPayload{SystemHealth: snap, RunID: h.runID})
		if err != nil {
			return fmt.Errorf("encode heartbeat: %w", err)
		}
		if err := h.keys.Set(ctx, redisclient.HeartbeatKey(h.instanceID), payload, 3*h.interval).Err(); err != nil {
			log.Warn().Err(err).Str("instance", h.instanceID).Msg("failed to refresh heartbeat key")
		}
	}

	log.Debug().
		Str("instance", h.instanceID).
		Int("memoryMb", snap.MemoryMB).
		Int("connections", snap.ActiveConnections).
		Int("inflight", snap.InflightBroadcasts).
		Msg("heartbeat")
	return nil
}

func processRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
