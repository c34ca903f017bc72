package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/sse"
)

// EventPublisher pushes device events to dashboard clients. sse.Broker
// implements it; a nil publisher disables pushes.
type EventPublisher interface {
	Publish(ctx context.Context, deviceID string, event sse.Event) error
}

func publish(ctx context.Context, pub EventPublisher, deviceID, eventType string, data any) {
	if pub == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("failed to encode device event")
		return
	}
	if err := pub.Publish(ctx, deviceID, event); err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Str("type", eventType).Msg("failed to publish device event")
	}
}

// recoverTask logs a panic from a background task instead of crashing.
func recoverTask(task string) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("task", task).Msg("background task panicked")
	}
}
