package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/device-gateway/internal/audit"
	"github.com/openclaw/device-gateway/internal/codecache"
	"github.com/openclaw/device-gateway/internal/config"
	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/repository"
	"github.com/openclaw/device-gateway/internal/sse"
	"github.com/openclaw/device-gateway/internal/transport"
	"github.com/openclaw/device-gateway/internal/util"
)

const (
	msgConnectionTimeout = "Connection timeout - please try again"
	msgLoggedOut         = "Device was logged out"
)

// LifecycleManager converges live transport sessions toward the desired
// device state in the store and reacts to session events. It is the only
// writer of the SessionRegistry.
type LifecycleManager struct {
	devices  repository.DeviceRepository
	dialer   transport.Dialer
	registry *SessionRegistry
	issuer   *PairingIssuer
	codes    codecache.Cache
	events   EventPublisher
	sealer   *util.Sealer
	clock    Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[string]Timer
	opening map[string]struct{}
	wg      sync.WaitGroup
}

func NewLifecycleManager(
	devices repository.DeviceRepository,
	dialer transport.Dialer,
	registry *SessionRegistry,
	issuer *PairingIssuer,
	codes codecache.Cache,
	events EventPublisher,
	sealer *util.Sealer,
	clock Clock,
) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		devices:  devices,
		dialer:   dialer,
		registry: registry,
		issuer:   issuer,
		codes:    codes,
		events:   events,
		sealer:   sealer,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]Timer),
		opening:  make(map[string]struct{}),
	}
}

// Start drops pairing state left from a previous run. Sessions are opened by
// the first Reconcile.
func (l *LifecycleManager) Start() {
	l.issuer.ClearAll()
	log.Info().Msg("device lifecycle manager started")
}

func (l *LifecycleManager) Sessions() SessionReader {
	return l.registry
}

// Reconcile runs one convergence pass over every active device.
func (l *LifecycleManager) Reconcile(ctx context.Context) error {
	devices, err := l.devices.FindByStatuses(ctx, model.ActiveDeviceStatuses)
	if err != nil {
		return fmt.Errorf("load active devices: %w", err)
	}

	now := l.clock.Now()
	active := make(map[string]struct{}, len(devices))
	for i := range devices {
		d := &devices[i]
		active[d.ID] = struct{}{}
		l.reconcileDevice(ctx, d, now)
	}

	for _, id := range l.registry.DeviceIDs() {
		if _, ok := active[id]; !ok {
			l.teardown(ctx, id)
		}
	}
	return nil
}

func (l *LifecycleManager) reconcileDevice(ctx context.Context, d *model.Device, now time.Time) {
	registered := l.credentials(d).IsRegistered()
	if d.Connecting() && now.Sub(d.UpdatedAt) > stuckTimeout(d) {
		if registered {
			l.retryStuckRecovery(ctx, d, now)
			return
		}
		l.resetStuck(ctx, d)
		return
	}

	s := l.registry.Get(d.ID)
	if s == nil {
		l.open(ctx, d, registered)
		return
	}

	ident := s.Identity()
	if d.Status == model.DeviceStatusConnected && ident == nil {
		if openedAt, ok := l.registry.OpenedAt(d.ID); ok && now.Sub(openedAt) < config.StaleSessionGrace {
			return
		}
		l.replaceStale(d, s)
		return
	}

	if d.UsesPairingCode() && d.Connecting() && ident == nil && !d.HasPairingCode() {
		l.requestPairing(d, s)
	}
}

// retryStuckRecovery handles a registered device that has not come back
// within the stuck timeout. Its credentials are kept; a session that has had
// the stale grace to open is closed so the next tick dials again.
func (l *LifecycleManager) retryStuckRecovery(ctx context.Context, d *model.Device, now time.Time) {
	openedAt, ok := l.registry.OpenedAt(d.ID)
	if !ok {
		l.open(ctx, d, true)
		return
	}
	if now.Sub(openedAt) < config.StaleSessionGrace {
		return
	}

	log.Warn().
		Str("deviceId", d.ID).
		Str("device", d.Label()).
		Dur("stuckFor", now.Sub(d.UpdatedAt)).
		Msg("recovery stuck, redialing with stored credentials")
	l.closeSession(d.ID)
}

func stuckTimeout(d *model.Device) time.Duration {
	if d.UsesPairingCode() {
		return config.PairingStuckTimeout
	}
	return config.QRStuckTimeout
}

// resetStuck abandons a link attempt that never completed. A device whose
// pairing attempts ran out is parked in the error state instead.
func (l *LifecycleManager) resetStuck(ctx context.Context, d *model.Device) {
	exhausted := l.issuer.Exhausted(d.ID)
	l.issuer.Clear(d.ID)
	l.cancelTimer(d.ID)
	l.closeSession(d.ID)

	status, message := model.DeviceStatusDisconnected, msgConnectionTimeout
	if exhausted {
		status, message = model.DeviceStatusError, msgMaxAttempts
	}

	log.Warn().
		Str("deviceId", d.ID).
		Str("device", d.Label()).
		Str("method", string(d.ConnectionMethod)).
		Dur("stuckFor", l.clock.Now().Sub(d.UpdatedAt)).
		Str("status", string(status)).
		Msg("device stuck connecting, resetting")

	creds := l.credentials(d)
	err := l.devices.Update(ctx, d.ID, model.DeviceUpdate{
		Status:       model.StatusPtr(status),
		QRCode:       model.Cleared(),
		PairingCode:  model.Cleared(),
		SessionData:  model.Cleared(),
		ErrorMessage: model.StringPtr(message),
	})
	if err != nil {
		log.Error().Err(err).Str("deviceId", d.ID).Msg("failed to reset stuck device")
	}
	l.discard(ctx, d.ID, creds)
	l.dropCodes(ctx, d.ID)
	l.publishStatus(ctx, d.ID, status)

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceReset,
		DeviceID: d.ID,
		Details:  map[string]interface{}{"status": string(status), "method": string(d.ConnectionMethod)},
	})
}

// replaceStale closes a session that never authenticated although the store
// says connected, then reopens it shortly after.
func (l *LifecycleManager) replaceStale(d *model.Device, s transport.Session) {
	log.Warn().Str("deviceId", d.ID).Msg("stale session, reopening")

	l.registry.Remove(d.ID, s)
	s.Close()

	device := *d
	recovering := l.credentials(d).IsRegistered()
	l.setTimer(d.ID, config.StaleReopenDelay, func() {
		if l.ctx.Err() != nil {
			return
		}
		l.open(l.ctx, &device, recovering)
	})
}

// teardown closes the session of a device that should no longer be
// connected and clears its transient fields.
func (l *LifecycleManager) teardown(ctx context.Context, deviceID string) {
	l.issuer.Clear(deviceID)
	l.cancelTimer(deviceID)
	l.closeSession(deviceID)

	log.Info().Str("deviceId", deviceID).Msg("device no longer active, session closed")

	d, err := l.devices.FindByID(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to load device for teardown")
		return
	}
	if d != nil {
		creds := l.credentials(d)
		err := l.devices.Update(ctx, deviceID, model.DeviceUpdate{
			QRCode:      model.Cleared(),
			PairingCode: model.Cleared(),
			SessionData: model.Cleared(),
		})
		if err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to clear device session")
		}
		l.discard(ctx, deviceID, creds)
	}
	l.dropCodes(ctx, deviceID)
}

// open dials a session for d. recovering reuses stored credentials and keeps
// the status; a fresh open persists connecting first.
func (l *LifecycleManager) open(ctx context.Context, d *model.Device, recovering bool) {
	if !l.beginOpen(d.ID) {
		return
	}
	defer l.endOpen(d.ID)

	if l.registry.Get(d.ID) != nil {
		return
	}

	creds := l.credentials(d)
	if recovering && !creds.IsRegistered() {
		recovering = false
	}
	if !recovering {
		if err := l.markConnecting(ctx, d); err != nil {
			log.Error().Err(err).Str("deviceId", d.ID).Msg("failed to mark device connecting")
			return
		}
		creds = nil
	}

	s, err := l.dial(ctx, d.ID, recovering, creds)
	if recovering && errors.Is(err, transport.ErrCredentialsUnavailable) {
		log.Warn().Str("deviceId", d.ID).Msg("stored credentials unavailable, linking again")
		if err := l.devices.Update(ctx, d.ID, model.DeviceUpdate{SessionData: model.Cleared()}); err != nil {
			log.Error().Err(err).Str("deviceId", d.ID).Msg("failed to clear stale credentials")
		}
		if err := l.markConnecting(ctx, d); err != nil {
			log.Error().Err(err).Str("deviceId", d.ID).Msg("failed to mark device connecting")
			return
		}
		recovering = false
		s, err = l.dial(ctx, d.ID, false, nil)
	}
	if err != nil {
		log.Error().Err(err).Str("deviceId", d.ID).Bool("recovering", recovering).Msg("failed to open session")
		l.writeError(ctx, d.ID, err.Error())
		return
	}

	log.Info().
		Str("deviceId", d.ID).
		Str("device", d.Label()).
		Bool("recovering", recovering).
		Msg("session opened")
	l.attach(d, s)
}

func (l *LifecycleManager) dial(ctx context.Context, deviceID string, recovering bool, creds *transport.Credentials) (transport.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	return l.dialer.Connect(dialCtx, transport.ConnectOptions{
		DeviceID:    deviceID,
		Recover:     recovering,
		Credentials: creds,
	})
}

// markConnecting clears codes from a previous link attempt. The status is
// only written when the device is not already mid-link, so the stuck timer
// keeps counting from the first attempt.
func (l *LifecycleManager) markConnecting(ctx context.Context, d *model.Device) error {
	update := model.DeviceUpdate{
		QRCode:      model.Cleared(),
		PairingCode: model.Cleared(),
	}
	if !d.Connecting() {
		update.Status = model.StatusPtr(model.DeviceStatusConnecting)
	}
	if err := l.devices.Update(ctx, d.ID, update); err != nil {
		return err
	}
	if update.Status != nil {
		d.Status = model.DeviceStatusConnecting
		d.UpdatedAt = l.clock.Now()
		l.publishStatus(ctx, d.ID, d.Status)
	}
	d.QRCode = nil
	d.PairingCode = nil
	return nil
}

func (l *LifecycleManager) attach(d *model.Device, s transport.Session) {
	l.registry.Put(d.ID, s, l.clock.Now())
	l.wg.Add(1)
	go l.consume(d.ID, d.ConnectionMethod, s)
}

// consume is the single event loop for one session.
func (l *LifecycleManager) consume(deviceID string, method model.ConnectionMethod, s transport.Session) {
	defer l.wg.Done()
	defer recoverTask("session events")

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-s.Done():
			return
		case evt := <-s.Events():
			if !l.registry.Owns(deviceID, s) {
				log.Debug().
					Str("deviceId", deviceID).
					Stringer("event", evt.Kind).
					Msg("event from replaced session ignored")
				continue
			}
			l.handle(deviceID, method, s, evt)
		}
	}
}

func (l *LifecycleManager) handle(deviceID string, method model.ConnectionMethod, s transport.Session, evt transport.Event) {
	ctx, cancel := context.WithTimeout(l.ctx, config.StoreOpTimeout)
	defer cancel()

	switch evt.Kind {
	case transport.EventOpened:
		l.onOpened(ctx, deviceID, method, evt.Identity)
	case transport.EventClosed:
		if evt.Terminal {
			l.onLoggedOut(ctx, deviceID, s, evt)
		} else {
			l.onClosed(ctx, deviceID, method, s, evt)
		}
	case transport.EventCredentialsChanged:
		l.onCredentials(ctx, deviceID, evt.Credentials)
	case transport.EventQRUpdated:
		l.onQR(ctx, deviceID, method, s, evt.QRCode)
	default:
		log.Debug().Str("deviceId", deviceID).Stringer("event", evt.Kind).Msg("unhandled session event")
	}
}

func (l *LifecycleManager) onOpened(ctx context.Context, deviceID string, method model.ConnectionMethod, ident *transport.Identity) {
	if method == model.ConnectionMethodPairing {
		l.issuer.OnSuccess(deviceID)
	}
	l.cancelTimer(deviceID)

	update := model.DeviceUpdate{
		Status:       model.StatusPtr(model.DeviceStatusConnected),
		QRCode:       model.Cleared(),
		PairingCode:  model.Cleared(),
		ErrorMessage: model.Cleared(),
	}
	phone := ""
	if ident != nil && ident.Phone != "" {
		phone = ident.Phone
		update.PhoneNumber = model.StringPtr(phone)
	}
	if err := l.devices.Update(ctx, deviceID, update); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist connected device")
	}
	l.dropCodes(ctx, deviceID)
	publish(ctx, l.events, deviceID, sse.EventStatus, map[string]string{
		"status":      string(model.DeviceStatusConnected),
		"phoneNumber": phone,
	})

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceConnected,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"method": string(method)},
	})
	log.Info().Str("deviceId", deviceID).Str("phone", phone).Msg("device connected")
}

func (l *LifecycleManager) onLoggedOut(ctx context.Context, deviceID string, s transport.Session, evt transport.Event) {
	l.registry.Remove(deviceID, s)
	s.Close()
	l.issuer.Clear(deviceID)
	l.cancelTimer(deviceID)

	var creds *transport.Credentials
	if d, err := l.devices.FindByID(ctx, deviceID); err == nil && d != nil {
		creds = l.credentials(d)
	}

	err := l.devices.Update(ctx, deviceID, model.DeviceUpdate{
		Status:       model.StatusPtr(model.DeviceStatusDisconnected),
		PhoneNumber:  model.Cleared(),
		QRCode:       model.Cleared(),
		PairingCode:  model.Cleared(),
		SessionData:  model.Cleared(),
		ErrorMessage: model.StringPtr(msgLoggedOut),
	})
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist logged out device")
	}
	l.discard(ctx, deviceID, creds)
	l.dropCodes(ctx, deviceID)
	l.publishStatus(ctx, deviceID, model.DeviceStatusDisconnected)

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceLoggedOut,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"reason": evt.Reason},
	})
	log.Warn().Err(evt.Err).Str("deviceId", deviceID).Msg("device logged out")
}

// onClosed handles a recoverable disconnect. A device that was connected is
// marked disconnected; one still linking keeps its status so the stuck
// timer is not reset. Either way a reconnect follows.
func (l *LifecycleManager) onClosed(ctx context.Context, deviceID string, method model.ConnectionMethod, s transport.Session, evt transport.Event) {
	l.registry.Remove(deviceID, s)
	s.Close()

	if method == model.ConnectionMethodPairing && evt.Err != nil {
		l.issuer.OnFailure(deviceID)
	}

	log.Warn().
		Err(evt.Err).
		Str("deviceId", deviceID).
		Str("reason", evt.Reason).
		Dur("retryIn", config.ReconnectDelay).
		Msg("session closed, reconnecting")

	d, err := l.devices.FindByID(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to load closed device")
	}
	if d == nil {
		return
	}

	update := model.DeviceUpdate{
		QRCode:      model.Cleared(),
		PairingCode: model.Cleared(),
	}
	if !d.Connecting() {
		update.Status = model.StatusPtr(model.DeviceStatusDisconnected)
	}
	if evt.Err != nil {
		update.ErrorMessage = model.StringPtr(evt.Err.Error())
	}
	if err := l.devices.Update(ctx, deviceID, update); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist closed device")
	}
	l.dropCodes(ctx, deviceID)
	if update.Status != nil {
		l.publishStatus(ctx, deviceID, model.DeviceStatusDisconnected)
	}

	l.setTimer(deviceID, config.ReconnectDelay, func() { l.reconnect(deviceID) })
}

func (l *LifecycleManager) reconnect(deviceID string) {
	defer recoverTask("reconnect")

	ctx := l.ctx
	if ctx.Err() != nil || l.registry.Get(deviceID) != nil {
		return
	}

	d, err := l.devices.FindByID(ctx, deviceID)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to load device for reconnect")
		return
	}
	if d == nil || d.Status == model.DeviceStatusError {
		return
	}

	recovering := l.credentials(d).IsRegistered()
	if recovering {
		if err := l.markConnecting(ctx, d); err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to mark device connecting")
			return
		}
	}
	l.open(ctx, d, recovering)
}

func (l *LifecycleManager) onCredentials(ctx context.Context, deviceID string, creds *transport.Credentials) {
	if creds == nil {
		return
	}
	blob, err := creds.Encode()
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to encode credentials")
		return
	}
	sealed, err := l.sealer.Seal(blob)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to encrypt credentials")
		return
	}
	if err := l.devices.Update(ctx, deviceID, model.DeviceUpdate{SessionData: model.StringPtr(sealed)}); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist credentials")
		return
	}
	log.Debug().Str("deviceId", deviceID).Bool("registered", creds.Registered).Msg("credentials saved")
}

func (l *LifecycleManager) onQR(ctx context.Context, deviceID string, method model.ConnectionMethod, s transport.Session, code string) {
	if method == model.ConnectionMethodPairing {
		d, err := l.devices.FindByID(ctx, deviceID)
		if err != nil || d == nil {
			return
		}
		if !d.HasPairingCode() {
			l.requestPairing(d, s)
		}
		return
	}

	if err := l.devices.Update(ctx, deviceID, model.DeviceUpdate{QRCode: model.StringPtr(code)}); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist qr code")
	}
	if err := l.codes.Set(ctx, deviceID, codecache.KindQR, code, config.QRCodeTTL); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to cache qr code")
	}
	publish(ctx, l.events, deviceID, sse.EventQR, map[string]string{"qrCode": code})
	log.Debug().Str("deviceId", deviceID).Msg("qr code updated")
}

// requestPairing asks the issuer for a code in the background. Cooldown
// rejections are expected on repeated ticks.
func (l *LifecycleManager) requestPairing(d *model.Device, s transport.Session) {
	device := *d
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer recoverTask("pairing request")

		err := l.issuer.Issue(l.ctx, s, &device)
		switch {
		case err == nil:
		case apperrors.HasCode(err, apperrors.ErrCodePairingCooldown):
			log.Debug().Str("deviceId", device.ID).Msg("pairing request skipped, cooling down")
		case apperrors.HasCode(err, apperrors.ErrCodePairingMaxAttempts):
			log.Debug().Str("deviceId", device.ID).Msg("pairing request skipped, attempts exhausted")
		default:
			log.Warn().Err(err).Str("deviceId", device.ID).Msg("pairing request failed")
		}
	}()
}

// Shutdown closes every live session without touching store state, so the
// next process recovers them.
func (l *LifecycleManager) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.mu.Unlock()

	var g errgroup.Group
	for _, id := range l.registry.DeviceIDs() {
		s := l.registry.Get(id)
		if s == nil {
			continue
		}
		g.Go(func() error {
			l.registry.Remove(id, s)
			s.Close()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		l.cancel()
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all device sessions closed")
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}

func (l *LifecycleManager) closeSession(deviceID string) {
	if s := l.registry.Get(deviceID); s != nil {
		l.registry.Remove(deviceID, s)
		s.Close()
	}
}

func (l *LifecycleManager) credentials(d *model.Device) *transport.Credentials {
	if d.SessionData == nil || *d.SessionData == "" {
		return nil
	}
	raw, err := l.sealer.Open(*d.SessionData)
	if err != nil {
		log.Warn().Err(err).Str("deviceId", d.ID).Msg("failed to decrypt credentials")
		return nil
	}
	creds, err := transport.ParseCredentials(raw)
	if err != nil {
		log.Warn().Err(err).Str("deviceId", d.ID).Msg("failed to parse credentials")
		return nil
	}
	return creds
}

func (l *LifecycleManager) discard(ctx context.Context, deviceID string, creds *transport.Credentials) {
	if !creds.IsRegistered() {
		return
	}
	if err := l.dialer.Discard(ctx, creds); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to discard credentials")
	}
}

func (l *LifecycleManager) dropCodes(ctx context.Context, deviceID string) {
	if err := l.codes.Delete(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to delete cached codes")
	}
}

func (l *LifecycleManager) writeError(ctx context.Context, deviceID, message string) {
	if err := l.devices.Update(ctx, deviceID, model.DeviceUpdate{ErrorMessage: model.StringPtr(message)}); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist device error")
	}
}

func (l *LifecycleManager) publishStatus(ctx context.Context, deviceID string, status model.DeviceStatus) {
	publish(ctx, l.events, deviceID, sse.EventStatus, map[string]string{"status": string(status)})
}

func (l *LifecycleManager) setTimer(deviceID string, d time.Duration, f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[deviceID]; ok {
		t.Stop()
	}
	var t Timer
	t = l.clock.AfterFunc(d, func() {
		l.mu.Lock()
		if l.timers[deviceID] == t {
			delete(l.timers, deviceID)
		}
		l.mu.Unlock()
		f()
	})
	l.timers[deviceID] = t
}

func (l *LifecycleManager) cancelTimer(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[deviceID]; ok {
		t.Stop()
		delete(l.timers, deviceID)
	}
}

func (l *LifecycleManager) beginOpen(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.opening[deviceID]; ok {
		return false
	}
	l.opening[deviceID] = struct{}{}
	return true
}

func (l *LifecycleManager) endOpen(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.opening, deviceID)
}
