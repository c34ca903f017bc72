package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Per-operation store timeout used by background work
const StoreOpTimeout = 10 * time.Second

// Device lifecycle
const (
	PairingStuckTimeout = 180 * time.Second
	QRStuckTimeout      = 120 * time.Second
	ReconnectDelay      = 5 * time.Second
	StaleReopenDelay    = 500 * time.Millisecond
	StaleSessionGrace   = 30 * time.Second
	ConnectTimeout      = 30 * time.Second
)

// Pairing code issuance
const (
	PairingCooldown       = 60 * time.Second
	PairingMaxAttempts    = 3
	PairingRequestTimeout = 20 * time.Second
	PairingSuccessHold    = 2 * time.Minute
	PairingFailureHold    = 60 * time.Second
	PairingSessionWindow  = 10 * time.Minute
)

// Ephemeral code cache TTLs
const (
	QRCodeTTL      = 5 * time.Minute
	PairingCodeTTL = 10 * time.Minute
)

// Broadcast dispatch
const (
	ClaimBatchSize      = 5
	DefaultMinDelayMs   = 3000
	DefaultMaxDelayMs   = 8000
	DefaultBatchSize    = 20
	DefaultBatchPauseMs = 30000
	SendFailureBackoff  = 1 * time.Second
	MediaFetchAttempts  = 3
	MediaRetryBackoff   = 1 * time.Second
	PoolReleaseTimeout  = 30 * time.Second
	ContactCacheSize    = 4096
	ContactCacheTTL     = 30 * time.Minute
)

// Fallback in-process code cache when Redis is not configured
const MemoryCodeCacheSize = 1024
