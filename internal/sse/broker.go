package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/device-gateway/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBuffer      = 16
)

// Event types pushed to dashboard clients watching a device.
const (
	EventQR          = "qr"
	EventPairingCode = "pairing_code"
	EventStatus      = "status"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Client struct {
	DeviceID string
	Events   chan Event
	Done     chan struct{}
}

// Broker fans device events out to SSE clients. Events travel over Redis
// pub/sub so any instance can serve the stream.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // deviceID -> set of clients
	subs    map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(deviceID string) *Client {
	client := &Client{
		DeviceID: deviceID,
		Events:   make(chan Event, clientBuffer),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[deviceID] == nil {
		b.clients[deviceID] = make(map[*Client]bool)
		subCtx, cancel := context.WithCancel(b.ctx)
		b.subs[deviceID] = cancel
		go b.subscribeToRedis(subCtx, deviceID)
	}
	b.clients[deviceID][client] = true
	clientCount := len(b.clients[deviceID])
	b.mu.Unlock()

	log.Info().
		Str("deviceId", deviceID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.DeviceID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.DeviceID)
		if cancel, ok := b.subs[client.DeviceID]; ok {
			cancel()
			delete(b.subs, client.DeviceID)
		}
	}

	log.Info().
		Str("deviceId", client.DeviceID).
		Int("clientCount", len(clients)).
		Msg("sse client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, deviceID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.DeviceChannel(deviceID), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, deviceID string) {
	channel := redisclient.DeviceChannel(deviceID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("deviceId", deviceID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal device event")
				continue
			}

			b.broadcast(deviceID, event)
		}
	}
}

func (b *Broker) broadcast(deviceID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clients := b.clients[deviceID]
	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("deviceId", deviceID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]context.CancelFunc)
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
