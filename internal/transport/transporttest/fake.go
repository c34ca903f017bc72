// Package transporttest provides in-memory Dialer and Session fakes.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclaw/device-gateway/internal/transport"
)

type Dialer struct {
	mu        sync.Mutex
	sessions  []*Session
	dials     []transport.ConnectOptions
	discarded []*transport.Credentials

	// ConnectErr, when set, is returned for matching dials.
	ConnectErr func(opts transport.ConnectOptions) error
	// Prepare customises each new session before it is returned.
	Prepare func(s *Session, opts transport.ConnectOptions)
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Session, error) {
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	connectErr := d.ConnectErr
	prepare := d.Prepare
	d.mu.Unlock()

	if connectErr != nil {
		if err := connectErr(opts); err != nil {
			return nil, err
		}
	}

	s := NewSession(opts.DeviceID)
	if opts.Recover && opts.Credentials != nil {
		s.SetIdentity(&transport.Identity{Account: opts.Credentials.Account, Phone: "628000"})
	}
	if prepare != nil {
		prepare(s, opts)
	}

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Dialer) Discard(ctx context.Context, creds *transport.Credentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discarded = append(d.discarded, creds)
	return nil
}

func (d *Dialer) Dials() []transport.ConnectOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.ConnectOptions(nil), d.dials...)
}

func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recently dialed session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *Dialer) Discarded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.discarded)
}

type Sent struct {
	Phone   string
	Content transport.Content
}

type Session struct {
	DeviceID string

	mu       sync.Mutex
	identity *transport.Identity
	sent     []Sent
	names    map[string]string
	closed   int
	pairings []string

	events chan transport.Event
	done   chan struct{}

	// PairingCode answers RequestPairingCode when set.
	PairingCode func(ctx context.Context, phone string) (string, error)
	// SendErr, when set, is consulted before recording a send.
	SendErr func(phone string, content transport.Content) error
}

var _ transport.Session = (*Session)(nil)

func NewSession(deviceID string) *Session {
	return &Session{
		DeviceID: deviceID,
		names:    make(map[string]string),
		events:   make(chan transport.Event, 64),
		done:     make(chan struct{}),
	}
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Emit delivers an event to the session's consumer.
func (s *Session) Emit(evt transport.Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *Session) Identity() *transport.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) SetIdentity(id *transport.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

func (s *Session) SetName(phone, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[phone] = name
}

func (s *Session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	s.pairings = append(s.pairings, phone)
	fn := s.PairingCode
	s.mu.Unlock()

	if fn == nil {
		return "", fmt.Errorf("pairing not configured")
	}
	return fn(ctx, phone)
}

func (s *Session) PairingRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairings...)
}

func (s *Session) Send(ctx context.Context, phone string, content transport.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.SendErr != nil {
		if err := s.SendErr(phone, content); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{Phone: phone, Content: content})
	return nil
}

func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Session) LookupName(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[phone], nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == 0 {
		close(s.done)
	}
	s.closed++
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}
