package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/redis/go-redis/v9"
)

// Default stream names; both are overridable through worker configuration.
const (
	DefaultEventStream = "transfers:events"
	DefaultDLQStream   = "transfers:dlq"
)

// StreamProducer appends transfer events to Redis streams.
type StreamProducer struct {
	client      redis.UniversalClient
	eventStream string
	dlqStream   string
	maxLen      int64
}

// NewStreamProducer creates a producer writing to the given event and dead-letter streams.
func NewStreamProducer(client redis.UniversalClient, eventStream, dlqStream string) *StreamProducer {
	if eventStream == "" {
		eventStream = DefaultEventStream
	}
	if dlqStream == "" {
		dlqStream = DefaultDLQStream
	}
	return &StreamProducer{
		client:      client,
		eventStream: eventStream,
		dlqStream:   dlqStream,
		maxLen:      100000,
	}
}

// EventStream returns the name of the stream lifecycle events go to.
func (p *StreamProducer) EventStream() string { return p.eventStream }

// DLQStream returns the name of the dead-letter stream.
func (p *StreamProducer) DLQStream() string { return p.dlqStream }

// Publish appends an outbox entry to the event stream and returns the stream message ID.
func (p *StreamProducer) Publish(ctx context.Context, entry *outbox.Entry) (string, error) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.eventStream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":     entry.ID.String(),
			"aggregate_id": entry.AggregateID.String(),
			"event_type":   entry.EventType,
			"payload":      string(payload),
			"timestamp":    entry.CreatedAt.Unix(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish %s event: %w", entry.EventType, err)
	}
	return id, nil
}

// PublishToDLQ parks a transfer that needs an operator on the dead-letter stream.
func (p *StreamProducer) PublishToDLQ(ctx context.Context, attemptID string, reason string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.dlqStream,
		Values: map[string]any{
			"attempt_id": attemptID,
			"reason":     reason,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}
