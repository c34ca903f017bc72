package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/device-gateway/internal/codecache"
	"github.com/openclaw/device-gateway/internal/config"
	"github.com/openclaw/device-gateway/internal/model"
	"github.com/openclaw/device-gateway/internal/transport"
	"github.com/openclaw/device-gateway/internal/transport/transporttest"
	"github.com/openclaw/device-gateway/internal/util"
)

const testEncryptionKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

type lifecycleFixture struct {
	clock     *fakeClock
	devices   *fakeDeviceRepo
	dialer    *transporttest.Dialer
	registry  *SessionRegistry
	issuer    *PairingIssuer
	codes     *codecache.Memory
	events    *fakePublisher
	sealer    *util.Sealer
	lifecycle *LifecycleManager
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	sealer, err := util.NewSealer(testEncryptionKey)
	require.NoError(t, err)

	clock := newFakeClock()
	f := &lifecycleFixture{
		clock:    clock,
		devices:  newFakeDeviceRepo(clock),
		dialer:   transporttest.NewDialer(),
		registry: NewSessionRegistry(),
		codes:    codecache.NewMemory(16, config.PairingCodeTTL),
		events:   &fakePublisher{},
		sealer:   sealer,
	}
	f.issuer = NewPairingIssuer(f.devices, f.codes, f.events, clock, "62")
	f.lifecycle = NewLifecycleManager(f.devices, f.dialer, f.registry, f.issuer, f.codes, f.events, sealer, clock)
	f.lifecycle.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.lifecycle.Shutdown(ctx)
	})
	return f
}

func (f *lifecycleFixture) sealedCredentials(t *testing.T, account string) *string {
	t.Helper()
	creds := &transport.Credentials{Registered: true, Account: account, SavedAt: f.clock.Now()}
	blob, err := creds.Encode()
	require.NoError(t, err)
	sealed, err := f.sealer.Seal(blob)
	require.NoError(t, err)
	return &sealed
}

func (f *lifecycleFixture) status(id string) model.DeviceStatus {
	return f.devices.Get(id).Status
}

func (f *lifecycleFixture) reconcile(t *testing.T) {
	t.Helper()
	require.NoError(t, f.lifecycle.Reconcile(context.Background()))
}

func TestLifecycle_RecoversConnectedDevice(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})

	f.reconcile(t)

	dials := f.dialer.Dials()
	require.Len(t, dials, 1)
	assert.True(t, dials[0].Recover)
	require.NotNil(t, dials[0].Credentials)
	assert.Equal(t, "628111:2@s.whatsapp.net", dials[0].Credentials.Account)
	assert.Empty(t, f.devices.Writes(), "recovery must not rewrite the device before it opens")

	s := f.dialer.Last()
	s.Emit(transport.Opened(&transport.Identity{Account: "628111:2@s.whatsapp.net", Phone: "628111"}))

	assert.Eventually(t, func() bool {
		d := f.devices.Get("dev-1")
		return d.PhoneNumber != nil && *d.PhoneNumber == "628111"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.DeviceStatusConnected, f.status("dev-1"))
	assert.Empty(t, s.PairingRequests())
	assert.True(t, f.registry.Ready("dev-1"))
}

func TestLifecycle_RecoveryFallsBackToFreshLink(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dialer.ConnectErr = func(opts transport.ConnectOptions) error {
		if opts.Recover {
			return transport.ErrCredentialsUnavailable
		}
		return nil
	}
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})

	f.reconcile(t)

	dials := f.dialer.Dials()
	require.Len(t, dials, 2)
	assert.True(t, dials[0].Recover)
	assert.False(t, dials[1].Recover)

	d := f.devices.Get("dev-1")
	assert.Equal(t, model.DeviceStatusConnecting, d.Status)
	assert.Nil(t, d.SessionData)
	assert.NotNil(t, f.registry.Get("dev-1"))
}

func TestLifecycle_StuckPairingDeviceIsReset(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodPairing,
		PhoneForPairing:  model.StringPtr("081234567890"),
		PairingCode:      model.StringPtr("ABCD-1234"),
		UpdatedAt:        f.clock.Now().Add(-200 * time.Second),
	})
	require.NoError(t, f.codes.Set(context.Background(), "dev-1", codecache.KindPairing, "ABCD-1234", time.Minute))

	f.reconcile(t)

	d := f.devices.Get("dev-1")
	assert.Equal(t, model.DeviceStatusDisconnected, d.Status)
	require.NotNil(t, d.ErrorMessage)
	assert.Equal(t, "Connection timeout - please try again", *d.ErrorMessage)
	assert.Nil(t, d.PairingCode)
	assert.Nil(t, d.QRCode)
	assert.Empty(t, f.dialer.Dials(), "no retry on the same tick")
	assert.Equal(t, 0, f.issuer.Len())

	code, err := f.codes.Get(context.Background(), "dev-1", codecache.KindPairing)
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestLifecycle_QRDeviceUsesShorterTimeout(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "qr-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
		UpdatedAt:        f.clock.Now().Add(-130 * time.Second),
	})
	f.devices.Add(model.Device{
		ID:               "pair-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodPairing,
		PhoneForPairing:  model.StringPtr("081234567890"),
		UpdatedAt:        f.clock.Now().Add(-130 * time.Second),
	})

	f.reconcile(t)

	assert.Equal(t, model.DeviceStatusDisconnected, f.status("qr-1"))
	assert.Equal(t, model.DeviceStatusConnecting, f.status("pair-1"))
}

func TestLifecycle_ExhaustedPairingEndsInError(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodPairing,
		PhoneForPairing:  model.StringPtr("081234567890"),
	})
	s := transporttest.NewSession("dev-1")
	s.PairingCode = func(ctx context.Context, phone string) (string, error) {
		return "", errors.New("bad request")
	}
	device := f.devices.Get("dev-1")
	for i := 0; i < config.PairingMaxAttempts; i++ {
		f.issuer.Issue(context.Background(), s, &device)
		f.clock.Advance(config.PairingFailureHold)
	}
	f.issuer.Issue(context.Background(), s, &device)
	require.True(t, f.issuer.Exhausted("dev-1"))

	f.clock.Advance(config.PairingStuckTimeout)
	f.reconcile(t)

	d := f.devices.Get("dev-1")
	assert.Equal(t, model.DeviceStatusError, d.Status)
	require.NotNil(t, d.ErrorMessage)
	assert.Equal(t, "Maximum pairing attempts reached", *d.ErrorMessage)
	assert.False(t, f.issuer.Exhausted("dev-1"))
}

func TestLifecycle_FreshPairingDeviceGetsCode(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dialer.Prepare = func(s *transporttest.Session, opts transport.ConnectOptions) {
		s.PairingCode = func(ctx context.Context, phone string) (string, error) {
			return "WXYZ9876", nil
		}
	}
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodPairing,
		PhoneForPairing:  model.StringPtr("+62 812-3456-7890"),
	})

	f.reconcile(t)
	require.Len(t, f.dialer.Dials(), 1)
	assert.False(t, f.dialer.Dials()[0].Recover)

	// The session is live but unlinked, so the next tick asks for a code.
	f.reconcile(t)

	assert.Eventually(t, func() bool {
		d := f.devices.Get("dev-1")
		return d.PairingCode != nil && *d.PairingCode == "WXYZ-9876"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.DeviceStatusWaitingPairing, f.status("dev-1"))
	assert.Equal(t, []string{"6281234567890"}, f.dialer.Last().PairingRequests())

	// A code is outstanding, so further ticks do not ask again.
	f.reconcile(t)
	assert.Len(t, f.dialer.Last().PairingRequests(), 1)
}

func TestLifecycle_QRUpdates(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
	})
	f.reconcile(t)

	f.dialer.Last().Emit(transport.QRUpdated("2@abc,def"))

	assert.Eventually(t, func() bool {
		d := f.devices.Get("dev-1")
		return d.QRCode != nil && *d.QRCode == "2@abc,def"
	}, time.Second, 5*time.Millisecond)

	code, err := f.codes.Get(context.Background(), "dev-1", codecache.KindQR)
	require.NoError(t, err)
	assert.Equal(t, "2@abc,def", code)
	assert.Contains(t, f.events.Types(), "qr")
}

func TestLifecycle_CredentialsArePersistedEncrypted(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
	})
	f.reconcile(t)

	f.dialer.Last().Emit(transport.CredentialsChanged(&transport.Credentials{
		Registered: true,
		Account:    "628222:5@s.whatsapp.net",
	}))

	assert.Eventually(t, func() bool {
		return f.devices.Get("dev-1").SessionData != nil
	}, time.Second, 5*time.Millisecond)

	stored := *f.devices.Get("dev-1").SessionData
	assert.NotContains(t, stored, "628222")
	raw, err := f.sealer.Open(stored)
	require.NoError(t, err)
	creds, err := transport.ParseCredentials(raw)
	require.NoError(t, err)
	assert.True(t, creds.IsRegistered())
	assert.Equal(t, "628222:5@s.whatsapp.net", creds.Account)
}

func TestLifecycle_LoggedOutDoesNotReconnect(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		PhoneNumber:      model.StringPtr("628111"),
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.reconcile(t)
	s := f.dialer.Last()

	s.Emit(transport.Closed("logged out", true, errors.New("logged out: 401")))

	assert.Eventually(t, func() bool {
		return f.status("dev-1") == model.DeviceStatusDisconnected && f.dialer.Discarded() == 1
	}, time.Second, 5*time.Millisecond)

	d := f.devices.Get("dev-1")
	assert.Nil(t, d.SessionData)
	assert.Nil(t, d.PhoneNumber)
	assert.True(t, s.Closed())
	assert.Nil(t, f.registry.Get("dev-1"))

	f.clock.Advance(config.ReconnectDelay)
	assert.Len(t, f.dialer.Dials(), 1)
}

func TestLifecycle_DropReconnectsAfterBackoff(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.reconcile(t)
	first := f.dialer.Last()

	first.Emit(transport.Closed("connection lost", false, nil))

	assert.Eventually(t, func() bool {
		return f.status("dev-1") == model.DeviceStatusDisconnected && f.clock.PendingTimers() > 0
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, f.registry.Get("dev-1"))
	assert.Len(t, f.dialer.Dials(), 1)

	f.clock.Advance(config.ReconnectDelay)

	dials := f.dialer.Dials()
	require.Len(t, dials, 2)
	assert.True(t, dials[1].Recover)
	assert.Equal(t, model.DeviceStatusConnecting, f.status("dev-1"))
	assert.NotNil(t, f.registry.Get("dev-1"))
	assert.NotSame(t, first, f.dialer.Last())
}

func TestLifecycle_FailedReconnectKeepsRecovering(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.reconcile(t)

	f.dialer.Last().Emit(transport.Closed("connection lost", false, nil))
	assert.Eventually(t, func() bool {
		return f.status("dev-1") == model.DeviceStatusDisconnected && f.clock.PendingTimers() > 0
	}, time.Second, 5*time.Millisecond)

	f.dialer.ConnectErr = func(opts transport.ConnectOptions) error {
		return errors.New("dial tcp: i/o timeout")
	}
	f.clock.Advance(config.ReconnectDelay)
	require.Len(t, f.dialer.Dials(), 2)
	assert.Nil(t, f.registry.Get("dev-1"))
	assert.Equal(t, model.DeviceStatusConnecting, f.status("dev-1"))

	f.dialer.ConnectErr = nil
	f.reconcile(t)

	dials := f.dialer.Dials()
	require.Len(t, dials, 3)
	assert.True(t, dials[2].Recover)
	require.NotNil(t, dials[2].Credentials)
	assert.Equal(t, "628111:2@s.whatsapp.net", dials[2].Credentials.Account)
	assert.NotNil(t, f.devices.Get("dev-1").SessionData)
	assert.Equal(t, 0, f.dialer.Discarded())
}

func TestLifecycle_LongOutageKeepsCredentials(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dialer.ConnectErr = func(opts transport.ConnectOptions) error {
		return errors.New("dial tcp: i/o timeout")
	}
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
		UpdatedAt:        f.clock.Now(),
	})

	f.clock.Advance(config.QRStuckTimeout + time.Second)
	f.reconcile(t)

	d := f.devices.Get("dev-1")
	assert.Equal(t, model.DeviceStatusConnecting, d.Status)
	assert.NotNil(t, d.SessionData)
	assert.Equal(t, 0, f.dialer.Discarded())
	dials := f.dialer.Dials()
	require.Len(t, dials, 1)
	assert.True(t, dials[0].Recover)

	// Once the network is back the stored credentials are used again.
	f.dialer.ConnectErr = nil
	f.reconcile(t)
	require.Len(t, f.dialer.Dials(), 2)
	assert.True(t, f.dialer.Dials()[1].Recover)
	first := f.dialer.Last()
	require.NotNil(t, first)

	// A recovery that never opens is redialed after the grace period.
	first.SetIdentity(nil)
	f.clock.Advance(config.StaleSessionGrace)
	f.reconcile(t)
	assert.True(t, first.Closed())
	assert.Nil(t, f.registry.Get("dev-1"))
	assert.NotNil(t, f.devices.Get("dev-1").SessionData)
	assert.Equal(t, 0, f.dialer.Discarded())
}

func TestLifecycle_LinkingDropKeepsStuckTimer(t *testing.T) {
	f := newLifecycleFixture(t)
	started := f.clock.Now()
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
		UpdatedAt:        started,
	})
	f.reconcile(t)

	f.dialer.Last().Emit(transport.Closed("qr timeout", false, errors.New("QR code expired without being scanned")))
	assert.Eventually(t, func() bool { return f.clock.PendingTimers() > 0 }, time.Second, 5*time.Millisecond)

	f.clock.Advance(config.ReconnectDelay)

	d := f.devices.Get("dev-1")
	assert.Equal(t, model.DeviceStatusConnecting, d.Status)
	assert.Equal(t, started, d.UpdatedAt)
	assert.Len(t, f.dialer.Dials(), 2)
}

func TestLifecycle_StaleSessionIsReplaced(t *testing.T) {
	f := newLifecycleFixture(t)
	f.dialer.Prepare = func(s *transporttest.Session, opts transport.ConnectOptions) {
		s.SetIdentity(nil)
	}
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.reconcile(t)
	first := f.dialer.Last()

	// Inside the grace window the recovering session is left alone.
	f.clock.Advance(10 * time.Second)
	f.reconcile(t)
	assert.False(t, first.Closed())

	f.clock.Advance(config.StaleSessionGrace)
	f.reconcile(t)
	assert.True(t, first.Closed())
	assert.Nil(t, f.registry.Get("dev-1"))

	f.clock.Advance(config.StaleReopenDelay)
	dials := f.dialer.Dials()
	require.Len(t, dials, 2)
	assert.True(t, dials[1].Recover)
	assert.NotNil(t, f.registry.Get("dev-1"))
}

func TestLifecycle_InactiveDeviceIsTornDown(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.reconcile(t)
	s := f.dialer.Last()

	require.NoError(t, f.devices.Update(context.Background(), "dev-1", model.DeviceUpdate{
		Status: model.StatusPtr(model.DeviceStatusDisconnected),
	}))
	f.reconcile(t)

	assert.True(t, s.Closed())
	assert.Nil(t, f.registry.Get("dev-1"))
	assert.Nil(t, f.devices.Get("dev-1").SessionData)
	assert.Equal(t, 1, f.dialer.Discarded())
}

func TestLifecycle_IgnoresEventsFromReplacedSession(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnecting,
		ConnectionMethod: model.ConnectionMethodQR,
	})
	f.reconcile(t)
	old := f.dialer.Last()

	replacement := transporttest.NewSession("dev-1")
	f.registry.Put("dev-1", replacement, f.clock.Now())

	old.Emit(transport.Opened(&transport.Identity{Phone: "628999"}))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, model.DeviceStatusConnecting, f.status("dev-1"))
	assert.Nil(t, f.devices.Get("dev-1").PhoneNumber)
}

func TestLifecycle_ShutdownKeepsStoreState(t *testing.T) {
	f := newLifecycleFixture(t)
	f.devices.Add(model.Device{
		ID:               "dev-1",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628111:2@s.whatsapp.net"),
	})
	f.devices.Add(model.Device{
		ID:               "dev-2",
		Status:           model.DeviceStatusConnected,
		ConnectionMethod: model.ConnectionMethodQR,
		SessionData:      f.sealedCredentials(t, "628222:2@s.whatsapp.net"),
	})
	f.reconcile(t)
	require.Equal(t, 2, f.registry.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.lifecycle.Shutdown(ctx))

	for _, s := range f.dialer.Sessions() {
		assert.True(t, s.Closed())
	}
	assert.Equal(t, 0, f.registry.Len())
	assert.Empty(t, f.devices.Writes())
	assert.Equal(t, model.DeviceStatusConnected, f.status("dev-1"))
}
