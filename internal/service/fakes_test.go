package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/repository"
	"github.com/openclaw/device-gateway/internal/sse"
)

// fakeClock advances virtual time. Sleep returns immediately after moving
// the clock forward and recording the duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 5, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeDeviceRepo is an in-memory DeviceRepository that applies updates the
// way the SQL implementation does.
type fakeDeviceRepo struct {
	mu      sync.Mutex
	clock   Clock
	devices map[string]*model.Device
	updates []deviceWrite
	err     error
}

type deviceWrite struct {
	ID     string
	Update model.DeviceUpdate
}

var _ repository.DeviceRepository = (*fakeDeviceRepo)(nil)

func newFakeDeviceRepo(clock Clock) *fakeDeviceRepo {
	return &fakeDeviceRepo{clock: clock, devices: make(map[string]*model.Device)}
}

func (r *fakeDeviceRepo) Add(d model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = r.clock.Now()
	}
	r.devices[d.ID] = &d
}

func (r *fakeDeviceRepo) Get(id string) model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.devices[id]
}

func (r *fakeDeviceRepo) Writes() []deviceWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deviceWrite(nil), r.updates...)
}

func (r *fakeDeviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) FindByStatuses(ctx context.Context, statuses []model.DeviceStatus) ([]model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []model.Device
	for _, d := range r.devices {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, *d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeDeviceRepo) Update(ctx context.Context, id string, u model.DeviceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.updates = append(r.updates, deviceWrite{ID: id, Update: u})
	d, ok := r.devices[id]
	if !ok {
		return nil
	}
	apply := func(dst **string, v *string) {
		if v == nil {
			return
		}
		if *v == "" {
			*dst = nil
			return
		}
		s := *v
		*dst = &s
	}
	if u.Status != nil {
		d.Status = *u.Status
		d.UpdatedAt = r.clock.Now()
	}
	apply(&d.PhoneNumber, u.PhoneNumber)
	apply(&d.QRCode, u.QRCode)
	apply(&d.PairingCode, u.PairingCode)
	apply(&d.SessionData, u.SessionData)
	apply(&d.ErrorMessage, u.ErrorMessage)
	return nil
}

// fakeBroadcastRepo mirrors the conditional transitions of the SQL
// implementation. Every progress write is checked against the job's target
// count and the previous write.
type fakeBroadcastRepo struct {
	t          *testing.T
	mu         sync.Mutex
	broadcasts map[string]*model.Broadcast
	order      []string
	progress   map[string][]model.Progress
}

var _ repository.BroadcastRepository = (*fakeBroadcastRepo)(nil)

func newFakeBroadcastRepo(t *testing.T) *fakeBroadcastRepo {
	return &fakeBroadcastRepo{
		t:          t,
		broadcasts: make(map[string]*model.Broadcast),
		progress:   make(map[string][]model.Progress),
	}
}

func (r *fakeBroadcastRepo) Add(b model.Broadcast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts[b.ID] = &b
	r.order = append(r.order, b.ID)
}

func (r *fakeBroadcastRepo) Get(id string) model.Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.broadcasts[id]
}

func (r *fakeBroadcastRepo) ProgressWrites(id string) []model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Progress(nil), r.progress[id]...)
}

func (r *fakeBroadcastRepo) FindByID(ctx context.Context, id string) (*model.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *fakeBroadcastRepo) FindDueScheduled(ctx context.Context, now time.Time) ([]model.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Broadcast
	for _, id := range r.order {
		b := r.broadcasts[id]
		if b.Status == model.BroadcastStatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeBroadcastRepo) FindPending(ctx context.Context, limit int) ([]model.Broadcast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Broadcast
	for _, id := range r.order {
		if b := r.broadcasts[id]; b.Status == model.BroadcastStatusPending {
			out = append(out, *b)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeBroadcastRepo) transition(id string, from, to model.BroadcastStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok || b.Status != from {
		return false
	}
	b.Status = to
	return true
}

func (r *fakeBroadcastRepo) MarkPending(ctx context.Context, id string) (bool, error) {
	return r.transition(id, model.BroadcastStatusScheduled, model.BroadcastStatusPending), nil
}

func (r *fakeBroadcastRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return r.transition(id, model.BroadcastStatusPending, model.BroadcastStatusProcessing), nil
}

func (r *fakeBroadcastRepo) setProgress(id string, p model.Progress, status model.BroadcastStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return
	}
	assert.LessOrEqual(r.t, p.Done(), len(b.TargetContacts), "broadcast %s: sent+failed exceeds targets", id)
	if writes := r.progress[id]; len(writes) > 0 {
		last := writes[len(writes)-1]
		assert.GreaterOrEqual(r.t, p.Sent, last.Sent, "broadcast %s: sent count went backwards", id)
		assert.GreaterOrEqual(r.t, p.Failed, last.Failed, "broadcast %s: failed count went backwards", id)
	}
	b.SentCount = p.Sent
	b.FailedCount = p.Failed
	if status != "" {
		b.Status = status
	}
	r.progress[id] = append(r.progress[id], p)
}

func (r *fakeBroadcastRepo) UpdateProgress(ctx context.Context, id string, p model.Progress) error {
	r.setProgress(id, p, "")
	return nil
}

func (r *fakeBroadcastRepo) MarkCompleted(ctx context.Context, id string, p model.Progress) error {
	r.setProgress(id, p, model.BroadcastStatusCompleted)
	return nil
}

func (r *fakeBroadcastRepo) MarkFailed(ctx context.Context, id string, p model.Progress) error {
	r.setProgress(id, p, model.BroadcastStatusFailed)
	return nil
}

type publishedEvent struct {
	DeviceID string
	Event    sse.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, deviceID string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{DeviceID: deviceID, Event: event})
	return nil
}

func (p *fakePublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event.Type
	}
	return out
}
