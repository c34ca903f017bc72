package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

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
	msgRateLimited      = "Rate limited. Wait 60 seconds."
	msgInvalidPhone     = "Invalid phone number for pairing"
	msgMaxAttempts      = "Maximum pairing attempts reached"
	msgPairingTimeout   = "pairing code request timed out"
	pairingCodeGroupLen = 4
)

type pairingState struct {
	phone       string
	code        string
	attempts    int
	requestedAt time.Time
	held        bool
	exhausted   bool
	expiresAt   time.Time
	release     Timer
}

// PairingIssuer requests linking codes for pairing-method devices, enforcing
// a cooldown, one request in flight and a per-device attempt cap.
type PairingIssuer struct {
	devices     repository.DeviceRepository
	codes       codecache.Cache
	events      EventPublisher
	clock       Clock
	countryCode string

	mu     sync.Mutex
	states map[string]*pairingState
}

func NewPairingIssuer(
	devices repository.DeviceRepository,
	codes codecache.Cache,
	events EventPublisher,
	clock Clock,
	countryCode string,
) *PairingIssuer {
	return &PairingIssuer{
		devices:     devices,
		codes:       codes,
		events:      events,
		clock:       clock,
		countryCode: countryCode,
		states:      make(map[string]*pairingState),
	}
}

// Issue requests a code for device over s. Rejections return an AppError
// without contacting the transport.
func (p *PairingIssuer) Issue(ctx context.Context, s transport.Session, device *model.Device) error {
	now := p.clock.Now()

	p.mu.Lock()
	st, ok := p.states[device.ID]
	if !ok {
		st = &pairingState{expiresAt: now.Add(config.PairingSessionWindow)}
		p.states[device.ID] = st
	}
	if st.exhausted || st.attempts >= config.PairingMaxAttempts {
		first := !st.exhausted
		st.exhausted = true
		p.mu.Unlock()
		if first {
			p.markExhausted(ctx, device)
		}
		return apperrors.PairingMaxAttempts()
	}
	if st.held || (!st.requestedAt.IsZero() && now.Sub(st.requestedAt) < config.PairingCooldown) {
		p.mu.Unlock()
		return apperrors.PairingCooldown()
	}

	phone, err := util.NormalizePhone(device.PairingPhone(), p.countryCode)
	if err != nil {
		st.requestedAt = now
		p.mu.Unlock()
		p.writeError(ctx, device.ID, msgInvalidPhone)
		return err
	}

	st.attempts++
	st.requestedAt = now
	st.held = true
	st.phone = phone
	attempt := st.attempts
	p.mu.Unlock()

	log.Info().
		Str("deviceId", device.ID).
		Int("attempt", attempt).
		Msg("requesting pairing code")

	code, err := p.request(ctx, s, phone)
	if err != nil {
		return p.onRequestFailed(ctx, device, st, err)
	}
	return p.onIssued(ctx, device, st, formatPairingCode(code), attempt)
}

// request races the transport call against the request timeout.
func (p *PairingIssuer) request(ctx context.Context, s transport.Session, phone string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, config.PairingRequestTimeout)
	defer cancel()

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := s.RequestPairingCode(reqCtx, phone)
		done <- result{code: code, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.code == "" {
			return "", errors.New("no pairing code received")
		}
		return r.code, r.err
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.New(msgPairingTimeout)
	}
}

func (p *PairingIssuer) onIssued(ctx context.Context, device *model.Device, st *pairingState, code string, attempt int) error {
	p.mu.Lock()
	st.code = code
	p.scheduleRelease(device.ID, st, config.PairingSuccessHold)
	p.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.StoreOpTimeout)
	defer cancel()

	err := p.devices.Update(storeCtx, device.ID, model.DeviceUpdate{
		Status:       model.StatusPtr(model.DeviceStatusWaitingPairing),
		PairingCode:  model.StringPtr(code),
		ErrorMessage: model.Cleared(),
	})
	if err != nil {
		return fmt.Errorf("persist pairing code: %w", err)
	}

	if err := p.codes.Set(storeCtx, device.ID, codecache.KindPairing, code, config.PairingCodeTTL); err != nil {
		log.Warn().Err(err).Str("deviceId", device.ID).Msg("failed to cache pairing code")
	}
	publish(storeCtx, p.events, device.ID, sse.EventPairingCode, map[string]string{"pairingCode": code})

	audit.Log(ctx, audit.Event{
		Type:     audit.EventPairingCodeIssued,
		DeviceID: device.ID,
		Details:  map[string]interface{}{"attempt": attempt},
	})
	log.Info().Str("deviceId", device.ID).Str("device", device.Label()).Msg("pairing code issued")
	return nil
}

func (p *PairingIssuer) onRequestFailed(ctx context.Context, device *model.Device, st *pairingState, reqErr error) error {
	p.mu.Lock()
	p.scheduleRelease(device.ID, st, config.PairingFailureHold)
	p.mu.Unlock()

	var result error
	message := reqErr.Error()
	if isRateLimited(reqErr) {
		message = msgRateLimited
		result = apperrors.PairingRateLimited(reqErr)
	} else {
		result = apperrors.External("pairing code request", reqErr)
	}

	log.Warn().Err(reqErr).Str("deviceId", device.ID).Msg("pairing code request failed")
	p.writeError(ctx, device.ID, message)
	return result
}

func isRateLimited(err error) bool {
	if errors.Is(err, transport.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate") || strings.Contains(msg, "too many")
}

// scheduleRelease clears the hold after d. Caller holds p.mu.
func (p *PairingIssuer) scheduleRelease(deviceID string, st *pairingState, d time.Duration) {
	if st.release != nil {
		st.release.Stop()
	}
	st.release = p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.states[deviceID] == st {
			st.held = false
			st.release = nil
		}
	})
}

func (p *PairingIssuer) markExhausted(ctx context.Context, device *model.Device) {
	log.Warn().Str("deviceId", device.ID).Int("maxAttempts", config.PairingMaxAttempts).Msg("pairing attempts exhausted")
	p.writeError(ctx, device.ID, msgMaxAttempts)
	audit.Log(ctx, audit.Event{Type: audit.EventPairingExhausted, DeviceID: device.ID})
}

func (p *PairingIssuer) writeError(ctx context.Context, deviceID, message string) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.StoreOpTimeout)
	defer cancel()
	if err := p.devices.Update(storeCtx, deviceID, model.DeviceUpdate{ErrorMessage: model.StringPtr(message)}); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to persist pairing error")
	}
}

// Exhausted reports whether the device hit the attempt cap in the current
// pairing window.
func (p *PairingIssuer) Exhausted(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[deviceID]
	return ok && st.exhausted
}

// OnSuccess is called when the device's session opens.
func (p *PairingIssuer) OnSuccess(deviceID string) {
	p.Clear(deviceID)
}

// OnFailure releases the hold after a session error; attempts are kept.
func (p *PairingIssuer) OnFailure(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[deviceID]; ok {
		if st.release != nil {
			st.release.Stop()
			st.release = nil
		}
		st.held = false
	}
}

func (p *PairingIssuer) Clear(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(deviceID)
}

func (p *PairingIssuer) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.states {
		p.clearLocked(id)
	}
}

func (p *PairingIssuer) clearLocked(deviceID string) {
	if st, ok := p.states[deviceID]; ok {
		if st.release != nil {
			st.release.Stop()
		}
		delete(p.states, deviceID)
	}
}

// Sweep drops pairing sessions whose window has passed.
func (p *PairingIssuer) Sweep(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, st := range p.states {
		if !now.Before(st.expiresAt) {
			p.clearLocked(id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("count", removed).Msg("expired pairing sessions removed")
	}
}

func (p *PairingIssuer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// formatPairingCode uppercases and strips the raw code; eight characters
// are shown as two hyphenated groups.
func formatPairingCode(raw string) string {
	clean := strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, raw)

	if len(clean) == 2*pairingCodeGroupLen {
		return clean[:pairingCodeGroupLen] + "-" + clean[pairingCodeGroupLen:]
	}
	return clean
}
