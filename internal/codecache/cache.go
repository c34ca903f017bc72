// Package codecache holds the short-lived QR and pairing codes shown to an
// operator while a device is being linked.
package codecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/device-gateway/internal/redis"
)

type Kind string

const (
	KindQR      Kind = "qr"
	KindPairing Kind = "pairing"
)

type Cache interface {
	Set(ctx context.Context, deviceID string, kind Kind, code string, ttl time.Duration) error
	// Get returns "" when no live code exists.
	Get(ctx context.Context, deviceID string, kind Kind) (string, error)
	Delete(ctx context.Context, deviceID string) error
}

func key(deviceID string, kind Kind) string {
	if kind == KindPairing {
		return redisclient.PairingCodeKey(deviceID)
	}
	return redisclient.QRCodeKey(deviceID)
}

type Redis struct {
	client *redisclient.Client
}

func NewRedis(client *redisclient.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Set(ctx context.Context, deviceID string, kind Kind, code string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key(deviceID, kind), code, ttl).Err(); err != nil {
		return fmt.Errorf("cache %s code: %w", kind, err)
	}
	return nil
}

func (c *Redis) Get(ctx context.Context, deviceID string, kind Kind) (string, error) {
	code, err := c.client.Get(ctx, key(deviceID, kind)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s code: %w", kind, err)
	}
	return code, nil
}

func (c *Redis) Delete(ctx context.Context, deviceID string) error {
	return c.client.Del(ctx, key(deviceID, KindQR), key(deviceID, KindPairing)).Err()
}

type entry struct {
	code      string
	expiresAt time.Time
}

// Memory is the single-process fallback. The LRU's own TTL is an upper
// bound; each entry also carries its requested expiry.
type Memory struct {
	mu    sync.Mutex
	items *expirable.LRU[string, entry]
	now   func() time.Time
}

func NewMemory(size int, maxTTL time.Duration) *Memory {
	return &Memory{
		items: expirable.NewLRU[string, entry](size, nil, maxTTL),
		now:   time.Now,
	}
}

func (c *Memory) Set(ctx context.Context, deviceID string, kind Kind, code string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key(deviceID, kind), entry{code: code, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *Memory) Get(ctx context.Context, deviceID string, kind Kind) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(deviceID, kind)
	e, ok := c.items.Get(k)
	if !ok {
		return "", nil
	}
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(k)
		return "", nil
	}
	return e.code, nil
}

func (c *Memory) Delete(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key(deviceID, KindQR))
	c.items.Remove(key(deviceID, KindPairing))
	return nil
}
