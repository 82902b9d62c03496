// Package relay moves committed outbox entries onto the transfer event stream.
package relay

import (
	"context"
	"time"

	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher appends an entry to the event stream and returns its stream id.
type Publisher interface {
	Publish(ctx context.Context, entry *outbox.Entry) (string, error)
	EventStream() string
}

// OutboxRelay publishes pending outbox entries. Delivery is at least once:
// an entry published just before its transaction fails is published again.
type OutboxRelay struct {
	repo      outbox.Repository
	txManager TransactionManager
	publisher Publisher
	batchSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewOutboxRelay creates a new OutboxRelay.
func NewOutboxRelay(
	repo outbox.Repository,
	txManager TransactionManager,
	publisher Publisher,
	batchSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &OutboxRelay{
		repo:      repo,
		txManager: txManager,
		publisher: publisher,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// RunOnce publishes one batch and returns how many entries were published.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.repo.GetPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			start := time.Now()
			id, err := r.publisher.Publish(ctx, entry)
			if err != nil {
				r.metrics.ObserveWorkerMessage(r.publisher.EventStream(), "failed", time.Since(start))
				r.logger.Error().Err(err).
					Str("outbox_id", entry.ID.String()).
					Str("event_type", entry.EventType).
					Int("retry_count", entry.RetryCount+1).
					Msg("failed to publish outbox event")
				if err := r.repo.MarkFailed(txCtx, entry.ID); err != nil {
					return err
				}
				continue
			}
			if err := r.repo.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			r.metrics.ObserveWorkerMessage(r.publisher.EventStream(), "success", time.Since(start))
			r.logger.Debug().
				Str("outbox_id", entry.ID.String()).
				Str("event_type", entry.EventType).
				Str("stream_id", id).
				Msg("outbox event published")
			published++
		}
		return nil
	})
	return published, err
}
