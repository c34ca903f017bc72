package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/device-gateway/internal/database"
	"github.com/openclaw/device-gateway/internal/model"
)

type HealthRepository interface {
	Upsert(ctx context.Context, health model.SystemHealth) error
	FindByID(ctx context.Context, id string) (*model.SystemHealth, error)
}

type healthRepo struct {
	db database.DBTX
}

func NewHealthRepository(db *sqlx.DB) HealthRepository {
	return &healthRepo{db: db}
}

func (r *healthRepo) Upsert(ctx context.Context, h model.SystemHealth) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_health (id, memory_mb, uptime_seconds, active_connections, inflight_broadcasts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			memory_mb = EXCLUDED.memory_mb,
			uptime_seconds = EXCLUDED.uptime_seconds,
			active_connections = EXCLUDED.active_connections,
			inflight_broadcasts = EXCLUDED.inflight_broadcasts,
			updated_at = EXCLUDED.updated_at
	`, h.ID, h.MemoryMB, h.UptimeSeconds, h.ActiveConnections, h.InflightBroadcasts, h.UpdatedAt)
	return err
}

func (r *healthRepo) FindByID(ctx context.Context, id string) (*model.SystemHealth, error) {
	var h model.SystemHealth
	err := r.db.GetContext(ctx, &h, `
		SELECT id, memory_mb, uptime_seconds, active_connections, inflight_broadcasts, updated_at
		FROM system_health WHERE id = $1
	`, id)
	return HandleNotFound(&h, err)
}
