package model

import "time"

type Device struct {
	ID               string           `db:"id" json:"id"`
	DeviceName       string           `db:"device_name" json:"deviceName"`
	Status           DeviceStatus     `db:"status" json:"status"`
	ConnectionMethod ConnectionMethod `db:"connection_method" json:"connectionMethod"`
	PhoneForPairing  *string          `db:"phone_for_pairing" json:"phoneForPairing,omitempty"`
	PhoneNumber      *string          `db:"phone_number" json:"phoneNumber,omitempty"`
	QRCode           *string          `db:"qr_code" json:"qrCode,omitempty"`
	PairingCode      *string          `db:"pairing_code" json:"pairingCode,omitempty"`
	SessionData      *string          `db:"session_data" json:"-"`
	ErrorMessage     *string          `db:"error_message" json:"errorMessage,omitempty"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updatedAt"`
}

func (d *Device) UsesPairingCode() bool {
	return d.ConnectionMethod == ConnectionMethodPairing
}

// Connecting reports whether the device is mid-link, including the
// waiting_pairing sub-state.
func (d *Device) Connecting() bool {
	return d.Status == DeviceStatusConnecting || d.Status == DeviceStatusWaitingPairing
}

func (d *Device) HasPairingCode() bool {
	return d.PairingCode != nil && *d.PairingCode != ""
}

func (d *Device) PairingPhone() string {
	if d.PhoneForPairing == nil {
		return ""
	}
	return *d.PhoneForPairing
}

func (d *Device) Label() string {
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return d.ID
}

// DeviceUpdate carries a partial update. Nil fields are left untouched; a
// pointer to "" clears the column.
type DeviceUpdate struct {
	Status       *DeviceStatus
	PhoneNumber  *string
	QRCode       *string
	PairingCode  *string
	SessionData  *string
	ErrorMessage *string
}

func StatusPtr(s DeviceStatus) *DeviceStatus {
	return &s
}

func StringPtr(s string) *string {
	return &s
}

// Cleared is the value used in a DeviceUpdate to null a column.
func Cleared() *string {
	return StringPtr("")
}
