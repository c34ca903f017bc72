package model

import "time"

type SystemHealth struct {
	ID                 string    `db:"id" json:"id"`
	MemoryMB           int       `db:"memory_mb" json:"memoryMb"`
	UptimeSeconds      int64     `db:"uptime_seconds" json:"uptimeSeconds"`
	ActiveConnections  int       `db:"active_connections" json:"activeConnections"`
	InflightBroadcasts int       `db:"inflight_broadcasts" json:"inflightBroadcasts"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}
