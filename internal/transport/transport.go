// Package transport describes a live messaging-network session for one
// linked device. Implementations deliver lifecycle changes as typed events
// on a channel; callers never register callbacks.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when the network refuses a request because
	// the account or IP is sending too fast.
	ErrRateLimited = errors.New("rate limited by network")
	// ErrNotAuthenticated is returned by Send and RequestPairingCode
	// preconditions that need (or must not have) a linked identity.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrCredentialsUnavailable means recovery was requested but the key
	// material for the account is gone.
	ErrCredentialsUnavailable = errors.New("stored credentials unavailable")
)

type Dialer interface {
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
	// Discard deletes any key material held for the credentials so the
	// device must be linked again.
	Discard(ctx context.Context, creds *Credentials) error
}

type ConnectOptions struct {
	DeviceID string
	// Recover reuses Credentials and never emits QR codes.
	Recover     bool
	Credentials *Credentials
}

type Session interface {
	Events() <-chan Event
	// Done is closed once Close has been called.
	Done() <-chan struct{}
	// Identity is nil until the session is linked and logged in.
	Identity() *Identity
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Send(ctx context.Context, phone string, content Content) error
	LookupName(ctx context.Context, phone string) (string, error)
	Close()
}

type Identity struct {
	Account  string
	Phone    string
	PushName string
}

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventCredentialsChanged
	EventQRUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventCredentialsChanged:
		return "credentials_changed"
	case EventQRUpdated:
		return "qr_updated"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind EventKind

	// EventOpened
	Identity *Identity

	// EventClosed. Terminal means the account was logged out and the
	// credentials are no longer valid.
	Reason   string
	Terminal bool
	Err      error

	// EventCredentialsChanged
	Credentials *Credentials

	// EventQRUpdated
	QRCode string
}

func Opened(id *Identity) Event {
	return Event{Kind: EventOpened, Identity: id}
}

func Closed(reason string, terminal bool, err error) Event {
	return Event{Kind: EventClosed, Reason: reason, Terminal: terminal, Err: err}
}

func CredentialsChanged(creds *Credentials) Event {
	return Event{Kind: EventCredentialsChanged, Credentials: creds}
}

func QRUpdated(code string) Event {
	return Event{Kind: EventQRUpdated, QRCode: code}
}

// Credentials is the envelope persisted in the device row. Data holds
// transport-specific material, if any.
type Credentials struct {
	Registered bool            `json:"registered"`
	Account    string          `json:"account,omitempty"`
	SavedAt    time.Time       `json:"savedAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (c *Credentials) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(b), nil
}

// ParseCredentials decodes a stored envelope. Empty input yields nil.
func ParseCredentials(raw string) (*Credentials, error) {
	if raw == "" {
		return nil, nil
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &c, nil
}

func (c *Credentials) IsRegistered() bool {
	return c != nil && c.Registered && c.Account != ""
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

type Media struct {
	Kind     MediaKind
	Data     []byte
	MimeType string
	FileName string
}

// Content is a text message with optional media. Audio is sent without the
// text caption.
type Content struct {
	Text  string
	Media *Media
}
