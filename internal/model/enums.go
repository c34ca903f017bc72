package model

type DeviceStatus string

const (
	DeviceStatusDisconnected   DeviceStatus = "disconnected"
	DeviceStatusConnecting     DeviceStatus = "connecting"
	DeviceStatusWaitingPairing DeviceStatus = "waiting_pairing"
	DeviceStatusConnected      DeviceStatus = "connected"
	DeviceStatusError          DeviceStatus = "error"
)

// ActiveDeviceStatuses are the statuses that mean "keep a session open".
var ActiveDeviceStatuses = []DeviceStatus{
	DeviceStatusConnecting,
	DeviceStatusWaitingPairing,
	DeviceStatusConnected,
}

type ConnectionMethod string

const (
	ConnectionMethodQR      ConnectionMethod = "qr"
	ConnectionMethodPairing ConnectionMethod = "pairing"
)

type BroadcastStatus string

const (
	BroadcastStatusScheduled  BroadcastStatus = "scheduled"
	BroadcastStatusPending    BroadcastStatus = "pending"
	BroadcastStatusProcessing BroadcastStatus = "processing"
	BroadcastStatusCompleted  BroadcastStatus = "completed"
	BroadcastStatusFailed     BroadcastStatus = "failed"
)
