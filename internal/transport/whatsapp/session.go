package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/openclaw/device-gateway/internal/transport"
)

const eventBuffer = 32

type session struct {
	deviceID    string
	client      *whatsmeow.Client
	clientType  whatsmeow.PairClientType
	displayName string

	events chan transport.Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ transport.Session = (*session)(nil)

func newSession(deviceID string, client *whatsmeow.Client, clientType whatsmeow.PairClientType, displayName string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		deviceID:    deviceID,
		client:      client,
		clientType:  clientType,
		displayName: displayName,
		events:      make(chan transport.Event, eventBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

func (s *session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *session) Identity() *transport.Identity {
	jid := s.client.Store.ID
	if jid == nil || !s.client.IsLoggedIn() {
		return nil
	}
	return &transport.Identity{
		Account:  jid.String(),
		Phone:    jid.User,
		PushName: s.client.Store.PushName,
	}
}

func (s *session) Close() {
	s.once.Do(func() {
		s.cancel()
		s.client.Disconnect()
	})
}

func (s *session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if s.client.Store.ID != nil {
		return "", fmt.Errorf("device already linked: %w", transport.ErrNotAuthenticated)
	}
	code, err := s.client.PairPhone(ctx, phone, true, s.clientType, s.displayName)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
			return "", fmt.Errorf("%w: %v", transport.ErrRateLimited, err)
		}
		return "", err
	}
	return code, nil
}

func (s *session) Send(ctx context.Context, phone string, content transport.Content) error {
	if s.Identity() == nil {
		return transport.ErrNotAuthenticated
	}

	msg, err := s.buildMessage(ctx, content)
	if err != nil {
		return err
	}

	to := types.NewJID(phone, types.DefaultUserServer)
	if _, err := s.client.SendMessage(ctx, to, msg); err != nil {
		if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
			return fmt.Errorf("%w: %v", transport.ErrRateLimited, err)
		}
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *session) LookupName(ctx context.Context, phone string) (string, error) {
	contact, err := s.client.Store.Contacts.GetContact(ctx, types.NewJID(phone, types.DefaultUserServer))
	if err != nil {
		return "", err
	}
	if !contact.Found {
		return "", nil
	}
	for _, name := range []string{contact.FullName, contact.FirstName, contact.PushName, contact.BusinessName} {
		if name = strings.TrimSpace(name); name != "" {
			return name, nil
		}
	}
	return "", nil
}

func (s *session) buildMessage(ctx context.Context, content transport.Content) (*waE2E.Message, error) {
	if content.Media == nil {
		return &waE2E.Message{Conversation: proto.String(content.Text)}, nil
	}

	m := content.Media
	up, err := s.client.Upload(ctx, m.Data, mediaType(m.Kind))
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", m.Kind, err)
	}

	switch m.Kind {
	case transport.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(content.Text),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(content.Text),
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case transport.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(m.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(content.Text),
			Mimetype:      proto.String(m.MimeType),
			FileName:      proto.String(m.FileName),
			Title:         proto.String(m.FileName),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

func mediaType(kind transport.MediaKind) whatsmeow.MediaType {
	switch kind {
	case transport.MediaImage:
		return whatsmeow.MediaImage
	case transport.MediaVideo:
		return whatsmeow.MediaVideo
	case transport.MediaAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func (s *session) handle(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		s.emit(transport.CredentialsChanged(&transport.Credentials{
			Registered: true,
			Account:    e.ID.String(),
			SavedAt:    time.Now().UTC(),
		}))
	case *events.Connected:
		if id := s.Identity(); id != nil {
			s.emit(transport.CredentialsChanged(&transport.Credentials{
				Registered: true,
				Account:    id.Account,
				SavedAt:    time.Now().UTC(),
			}))
			s.emit(transport.Opened(id))
		}
	case *events.LoggedOut:
		s.emit(transport.Closed("logged out", true, fmt.Errorf("logged out: %v", e.Reason)))
	case *events.ConnectFailure:
		s.emit(transport.Closed("connect failure", e.Reason.IsLoggedOut(), fmt.Errorf("connect failure: %v %s", e.Reason, e.Message)))
	case *events.StreamReplaced:
		s.emit(transport.Closed("stream replaced", false, nil))
	case *events.TemporaryBan:
		s.emit(transport.Closed("temporary ban", false, errors.New(e.String())))
	case *events.Disconnected:
		s.emit(transport.Closed("connection lost", false, nil))
	}
}

func (s *session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(transport.QRUpdated(item.Code))
		case "success":
			return
		case "timeout":
			s.emit(transport.Closed("qr timeout", false, errors.New("QR code expired without being scanned")))
			return
		default:
			if item.Error != nil {
				s.emit(transport.Closed("qr error", false, item.Error))
				return
			}
			log.Debug().Str("deviceId", s.deviceID).Str("event", item.Event).Msg("qr channel event")
		}
	}
}

// emit blocks until the dispatcher takes the event or the session is closed.
func (s *session) emit(evt transport.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}
