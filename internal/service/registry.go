package service

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/device-gateway/internal/transport"
)

// SessionReader is the read-only view of live sessions given to the
// dispatch engine and HTTP handlers.
type SessionReader interface {
	Get(deviceID string) transport.Session
	// Ready reports whether the device has a live, authenticated session.
	Ready(deviceID string) bool
	Len() int
	Snapshot() []LiveSession
}

type LiveSession struct {
	DeviceID      string    `json:"deviceId"`
	OpenedAt      time.Time `json:"openedAt"`
	Authenticated bool      `json:"authenticated"`
	Phone         string    `json:"phone,omitempty"`
}

type registryEntry struct {
	session  transport.Session
	openedAt time.Time
}

// SessionRegistry maps device ids to their live session. Only the
// LifecycleManager writes to it.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

var _ SessionReader = (*SessionRegistry)(nil)

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{entries: make(map[string]registryEntry)}
}

func (r *SessionRegistry) Put(deviceID string, s transport.Session, openedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[deviceID] = registryEntry{session: s, openedAt: openedAt}
}

func (r *SessionRegistry) Get(deviceID string) transport.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[deviceID].session
}

func (r *SessionRegistry) OpenedAt(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[deviceID]
	return e.openedAt, ok
}

// Owns reports whether s is the registered session for deviceID.
func (r *SessionRegistry) Owns(deviceID string, s transport.Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[deviceID]
	return ok && e.session == s
}

// Remove deletes the entry only while it still holds s, so a late teardown
// cannot evict a newer session.
func (r *SessionRegistry) Remove(deviceID string, s transport.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[deviceID]
	if !ok || e.session != s {
		return false
	}
	delete(r.entries, deviceID)
	return true
}

func (r *SessionRegistry) Ready(deviceID string) bool {
	s := r.Get(deviceID)
	return s != nil && s.Identity() != nil
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *SessionRegistry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *SessionRegistry) Snapshot() []LiveSession {
	r.mu.RLock()
	entries := make(map[string]registryEntry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	out := make([]LiveSession, 0, len(entries))
	for id, e := range entries {
		ls := LiveSession{DeviceID: id, OpenedAt: e.openedAt}
		if ident := e.session.Identity(); ident != nil {
			ls.Authenticated = true
			ls.Phone = ident.Phone
		}
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
