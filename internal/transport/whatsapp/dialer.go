// Package whatsapp implements transport.Dialer on top of whatsmeow. Signal
// key material lives in whatsmeow's sqlstore tables in the gateway database;
// the device row only keeps the account JID in its credential envelope.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/openclaw/device-gateway/internal/transport"
)

type Dialer struct {
	container   *sqlstore.Container
	clientType  whatsmeow.PairClientType
	displayName string
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer prepares the whatsmeow store on db and runs its migrations.
func NewDialer(ctx context.Context, db *sql.DB, browser string) (*Dialer, error) {
	container := sqlstore.NewWithDB(db, "postgres", newLogger("store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsmeow store: %w", err)
	}

	return &Dialer{
		container:   container,
		clientType:  pairClientType(browser),
		displayName: fmt.Sprintf("%s (Linux)", browser),
	}, nil
}

func (d *Dialer) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Session, error) {
	var device *store.Device
	if opts.Recover {
		dev, err := d.loadDevice(ctx, opts.Credentials)
		if err != nil {
			return nil, err
		}
		device = dev
	} else {
		device = d.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, newLogger("client").Sub(opts.DeviceID))
	client.EnableAutoReconnect = false

	s := newSession(opts.DeviceID, client, d.clientType, d.displayName)
	client.AddEventHandler(s.handle)

	if !opts.Recover {
		qr, err := client.GetQRChannel(s.ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open qr channel: %w", err)
		}
		go s.pumpQR(qr)
	}

	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	log.Debug().
		Str("deviceId", opts.DeviceID).
		Bool("recover", opts.Recover).
		Msg("whatsapp client connecting")

	return s, nil
}

func (d *Dialer) Discard(ctx context.Context, creds *transport.Credentials) error {
	if !creds.IsRegistered() {
		return nil
	}
	device, err := d.loadDevice(ctx, creds)
	if err != nil {
		if errors.Is(err, transport.ErrCredentialsUnavailable) {
			return nil
		}
		return err
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("delete whatsmeow device: %w", err)
	}
	return nil
}

func (d *Dialer) loadDevice(ctx context.Context, creds *transport.Credentials) (*store.Device, error) {
	if !creds.IsRegistered() {
		return nil, transport.ErrCredentialsUnavailable
	}
	jid, err := types.ParseJID(creds.Account)
	if err != nil {
		return nil, fmt.Errorf("parse stored account %q: %w", creds.Account, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	device, err := d.container.GetDevice(lookupCtx, jid)
	if err != nil {
		return nil, fmt.Errorf("load whatsmeow device: %w", err)
	}
	if device == nil {
		return nil, transport.ErrCredentialsUnavailable
	}
	return device, nil
}

func pairClientType(browser string) whatsmeow.PairClientType {
	switch strings.ToLower(browser) {
	case "firefox":
		return whatsmeow.PairClientFirefox
	case "edge":
		return whatsmeow.PairClientEdge
	case "safari":
		return whatsmeow.PairClientSafari
	case "opera":
		return whatsmeow.PairClientOpera
	default:
		return whatsmeow.PairClientChrome
	}
}
