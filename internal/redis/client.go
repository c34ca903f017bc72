package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// DeviceChannel is the pub/sub channel carrying QR, pairing code and status
// events for one device.
func DeviceChannel(deviceID string) string {
	return fmt.Sprintf("devices:%s", deviceID)
}

func QRCodeKey(deviceID string) string {
	return fmt.Sprintf("qr:%s", deviceID)
}

func PairingCodeKey(deviceID string) string {
	return fmt.Sprintf("pairing:%s", deviceID)
}

func HeartbeatKey(instanceID string) string {
	return fmt.Sprintf("heartbeat:%s", instanceID)
}
