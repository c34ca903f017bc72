package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/openclaw/device-gateway/internal/audit"
	"github.com/openclaw/device-gateway/internal/config"
	apperrors "github.com/openclaw/device-gateway/internal/errors"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/repository"
	"github.com/openclaw/device-gateway/internal/transport"
	"github.com/openclaw/device-gateway/internal/util"
)

// MediaSource downloads a broadcast attachment. MediaFetcher implements it.
type MediaSource interface {
	Fetch(ctx context.Context, url string) (*transport.Media, error)
}

type DispatchConfig struct {
	Workers           int
	CountryCode       string
	Greeting          string
	Location          *time.Location
	SendRatePerMinute int
}

// DefaultPacing is applied to any pacing field a job leaves unset.
func DefaultPacing() model.Pacing {
	return model.Pacing{
		MinDelay:   config.DefaultMinDelayMs * time.Millisecond,
		MaxDelay:   config.DefaultMaxDelayMs * time.Millisecond,
		BatchSize:  config.DefaultBatchSize,
		BatchPause: config.DefaultBatchPauseMs * time.Millisecond,
	}
}

// Dispatcher promotes scheduled broadcasts, claims pending ones and paces
// their sends through the owning device's session.
type Dispatcher struct {
	broadcasts repository.BroadcastRepository
	sessions   SessionReader
	guard      *ProcessingGuard
	media      MediaSource
	clock      Clock
	cfg        DispatchConfig
	pool       *ants.Pool
	names      *expirable.LRU[string, string]
	random     func() float64

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(
	broadcasts repository.BroadcastRepository,
	sessions SessionReader,
	guard *ProcessingGuard,
	media MediaSource,
	clock Clock,
	cfg DispatchConfig,
) (*Dispatcher, error) {
	if cfg.Workers < 1 {
		cfg.Workers = config.ClaimBatchSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithLogger(poolLogger{}),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("broadcast worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create broadcast pool: %w", err)
	}

	return &Dispatcher{
		broadcasts: broadcasts,
		sessions:   sessions,
		guard:      guard,
		media:      media,
		clock:      clock,
		cfg:        cfg,
		pool:       pool,
		names:      expirable.NewLRU[string, string](config.ContactCacheSize, nil, config.ContactCacheTTL),
		random:     rand.Float64,
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// PromoteScheduled flips due scheduled jobs to pending, earliest first.
func (d *Dispatcher) PromoteScheduled(ctx context.Context) error {
	due, err := d.broadcasts.FindDueScheduled(ctx, d.clock.Now())
	if err != nil {
		return fmt.Errorf("find due broadcasts: %w", err)
	}

	promoted := 0
	for _, job := range due {
		ok, err := d.broadcasts.MarkPending(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("promote broadcast %s: %w", job.ID, err)
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 {
		log.Info().Int("count", promoted).Msg("scheduled broadcasts promoted")
	}
	return nil
}

// Claim hands pending jobs to the worker pool. Jobs already in flight or
// whose device has no ready session are left for a later sweep.
func (d *Dispatcher) Claim(ctx context.Context) error {
	pending, err := d.broadcasts.FindPending(ctx, config.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("find pending broadcasts: %w", err)
	}

	for _, job := range pending {
		if d.guard.Has(job.ID) {
			continue
		}
		if !d.sessions.Ready(job.DeviceID) {
			log.Debug().
				Str("broadcastId", job.ID).
				Str("deviceId", job.DeviceID).
				Msg("device not ready, broadcast left pending")
			continue
		}
		if !d.guard.TryAcquire(job.ID) {
			continue
		}

		if err := d.pool.Submit(func() { d.Execute(ctx, job) }); err != nil {
			d.guard.Release(job.ID)
			log.Warn().Err(err).Str("broadcastId", job.ID).Msg("broadcast pool rejected job")
		}
	}
	return nil
}

// Execute runs one claimed job to completion. The guard entry is always
// released.
func (d *Dispatcher) Execute(ctx context.Context, job model.Broadcast) {
	defer d.guard.Release(job.ID)

	var progress model.Progress
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("broadcastId", job.ID).Msg("broadcast execution panicked")
			d.finishFailed(ctx, &job, progress, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := d.run(ctx, &job, &progress); err != nil {
		d.finishFailed(ctx, &job, progress, err)
	}
}

func (d *Dispatcher) run(ctx context.Context, job *model.Broadcast, progress *model.Progress) error {
	claimed, err := d.broadcasts.MarkProcessing(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !claimed {
		log.Debug().Str("broadcastId", job.ID).Msg("broadcast already taken")
		return nil
	}

	targets := job.TargetContacts
	pacing := job.Pacing(DefaultPacing())
	base := adaptiveBaseDelay(pacing.MinDelay, len(targets))
	start := d.clock.Now()

	audit.Log(ctx, audit.Event{
		Type:        audit.EventBroadcastStarted,
		DeviceID:    job.DeviceID,
		BroadcastID: job.ID,
		Details:     map[string]interface{}{"targets": len(targets), "base_delay": base},
	})

	media := &jobMedia{}
	for i, contact := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		last := i == len(targets)-1

		if err := d.sendTarget(ctx, job, contact, media); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			progress.Failed++
			log.Warn().
				Err(err).
				Str("broadcastId", job.ID).
				Int("index", i).
				Msg("broadcast target failed")
			if err := d.clock.Sleep(ctx, config.SendFailureBackoff); err != nil {
				return err
			}
			continue
		}
		progress.Sent++

		if last {
			break
		}
		if batchPauseDue(i, pacing.BatchSize, len(targets)) {
			if err := d.broadcasts.UpdateProgress(ctx, job.ID, *progress); err != nil {
				return fmt.Errorf("persist progress: %w", err)
			}
			log.Info().
				Str("broadcastId", job.ID).
				Int("done", i+1).
				Dur("pause", pacing.BatchPause).
				Msg("broadcast batch complete, pausing")
			if err := d.clock.Sleep(ctx, pacing.BatchPause); err != nil {
				return err
			}
			continue
		}
		if err := d.clock.Sleep(ctx, jitterDelay(base, pacing.MaxDelay, d.random())); err != nil {
			return err
		}
	}

	if err := d.broadcasts.MarkCompleted(ctx, job.ID, *progress); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	audit.Log(ctx, audit.Event{
		Type:        audit.EventBroadcastCompleted,
		DeviceID:    job.DeviceID,
		BroadcastID: job.ID,
		Details: map[string]interface{}{
			"sent":     progress.Sent,
			"failed":   progress.Failed,
			"duration": d.clock.Now().Sub(start),
		},
	})
	return nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, job *model.Broadcast, progress model.Progress, cause error) {
	log.Error().Err(cause).Str("broadcastId", job.ID).Msg("broadcast failed")

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.StoreOpTimeout)
	defer cancel()
	if err := d.broadcasts.MarkFailed(storeCtx, job.ID, progress); err != nil {
		log.Error().Err(err).Str("broadcastId", job.ID).Msg("failed to mark broadcast failed")
	}

	audit.Log(ctx, audit.Event{
		Type:        audit.EventBroadcastFailed,
		DeviceID:    job.DeviceID,
		BroadcastID: job.ID,
		Details:     map[string]interface{}{"sent": progress.Sent, "failed": progress.Failed, "error": cause.Error()},
	})
}

// jobMedia keeps a successful download for the rest of the job.
type jobMedia struct {
	media *transport.Media
}

func (d *Dispatcher) sendTarget(ctx context.Context, job *model.Broadcast, contact model.Contact, cache *jobMedia) error {
	phone, err := util.NormalizePhone(contact.Phone, d.cfg.CountryCode)
	if err != nil {
		return err
	}

	session := d.sessions.Get(job.DeviceID)
	if session == nil {
		return apperrors.DeviceNotConnected(job.DeviceID)
	}

	text := job.Message
	if HasPlaceholders(text) {
		text = RenderTemplate(text, TemplateVars{
			Name:  d.resolveName(ctx, session, job.DeviceID, contact, phone),
			Phone: phone,
			Vars:  contact.Vars,
			Now:   d.clock.Now().In(d.cfg.Location),
		})
	}

	content := transport.Content{Text: text}
	if url := job.Media(); url != "" {
		media, err := d.loadMedia(ctx, url, cache)
		switch {
		case err == nil:
			content.Media = media
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn().Err(err).Str("broadcastId", job.ID).Msg("media unavailable, sending text only")
			content.Text = job.Message
		}
	}

	if lim := d.limiter(job.DeviceID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return session.Send(ctx, phone, content)
}

func (d *Dispatcher) loadMedia(ctx context.Context, url string, cache *jobMedia) (*transport.Media, error) {
	if cache.media != nil {
		return cache.media, nil
	}

	var lastErr error
	for attempt := 1; attempt <= config.MediaFetchAttempts; attempt++ {
		media, err := d.media.Fetch(ctx, url)
		if err == nil {
			cache.media = media
			return media, nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("url", url).
			Int("attempt", attempt).
			Int("maxAttempts", config.MediaFetchAttempts).
			Msg("media fetch failed")

		if attempt < config.MediaFetchAttempts {
			if err := d.clock.Sleep(ctx, time.Duration(attempt)*config.MediaRetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, apperrors.MediaFetchFailed(url, lastErr)
}

func (d *Dispatcher) resolveName(ctx context.Context, s transport.Session, deviceID string, contact model.Contact, phone string) string {
	if contact.Name != "" {
		return contact.Name
	}

	key := deviceID + ":" + phone
	if name, ok := d.names.Get(key); ok {
		return name
	}

	name, err := s.LookupName(ctx, phone)
	if err != nil {
		log.Debug().Err(err).Str("deviceId", deviceID).Msg("contact name lookup failed")
	}
	if name == "" {
		return d.cfg.Greeting
	}
	d.names.Add(key, name)
	return name
}

func (d *Dispatcher) limiter(deviceID string) *rate.Limiter {
	if d.cfg.SendRatePerMinute <= 0 {
		return nil
	}

	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[deviceID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.cfg.SendRatePerMinute)), 1)
		d.limiters[deviceID] = lim
	}
	return lim
}

// InFlight lists the broadcast ids currently executing.
func (d *Dispatcher) InFlight() []string {
	return d.guard.IDs()
}

// Release stops accepting work and waits for running jobs up to timeout.
func (d *Dispatcher) Release(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}

// adaptiveBaseDelay raises the per-message floor for large fan-outs.
func adaptiveBaseDelay(minDelay time.Duration, targets int) time.Duration {
	switch {
	case targets > 100:
		return max(minDelay, 5*time.Second)
	case targets > 50:
		return max(minDelay, 4*time.Second)
	default:
		return minDelay
	}
}

// jitterDelay maps r in [0,1) onto [0.8*base, min(1.2*base, maxDelay)].
func jitterDelay(base, maxDelay time.Duration, r float64) time.Duration {
	lo := float64(base) * 0.8
	hi := min(float64(base)*1.2, float64(maxDelay))
	if hi <= lo {
		return time.Duration(lo)
	}
	return time.Duration(lo + r*(hi-lo))
}

func batchPauseDue(index, batchSize, total int) bool {
	return batchSize > 0 && (index+1)%batchSize == 0 && index < total-1
}

type poolLogger struct{}

func (poolLogger) Printf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}
