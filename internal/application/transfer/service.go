package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubmitResult is the answer to a transfer submission.
type SubmitResult struct {
	Attempt *transfer.Attempt
	Outcome *transfer.Outcome
	// Replayed is set when the outcome was read from the journal instead of
	// running the transfer again.
	Replayed bool
}

// View is an attempt together with its reconciliation item, if any.
type View struct {
	Attempt *transfer.Attempt
	Outcome *transfer.Outcome
	Repair  *reconciliation.Item
}

// Service is the idempotent entry point for transfer submissions.
type Service struct {
	orchestrator *Orchestrator
	attempts     transfer.Repository
	items        reconciliation.Repository
	locker       Locker
	lockTTL      time.Duration
	logger       zerolog.Logger
}

// NewService creates a new Service.
func NewService(
	orchestrator *Orchestrator,
	attempts transfer.Repository,
	items reconciliation.Repository,
	locker Locker,
	lockTTL time.Duration,
	logger zerolog.Logger,
) *Service {
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	return &Service{
		orchestrator: orchestrator,
		attempts:     attempts,
		items:        items,
		locker:       locker,
		lockTTL:      lockTTL,
		logger:       logger,
	}
}

// Submit runs the transfer recorded under key, at most once. A repeated key
// returns the journaled outcome; a key still in flight fails with
// ErrTransferInProgress; a key reused for a different transfer fails with
// ErrDuplicateIdempotencyKey.
func (s *Service) Submit(ctx context.Context, key string, req transfer.Request) (*SubmitResult, error) {
	if key == "" {
		return nil, domainErrors.ErrMissingIdempotencyKey
	}

	var result *SubmitResult
	err := s.locker.WithLock(ctx, "transfer:"+key, s.lockTTL, func(ctx context.Context) error {
		existing, err := s.attempts.GetByRequestKey(ctx, key)
		switch {
		case err == nil:
			result, err = s.replay(existing, req)
			return err
		case !errors.Is(err, domainErrors.ErrTransferNotFound):
			return fmt.Errorf("look up transfer: %w", err)
		}

		a, err := transfer.NewAttempt(key, req)
		if err != nil {
			return err
		}
		if err := s.attempts.Create(ctx, a); err != nil {
			if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
				return domainErrors.ErrTransferInProgress
			}
			return fmt.Errorf("create transfer: %w", err)
		}

		s.logger.Info().
			Str("attempt_id", a.ID.String()).
			Str("request_key", key).
			Str("amount", req.Amount().StringFixed(transfer.AmountPlaces)).
			Msg("transfer submitted")

		out, err := s.orchestrator.Run(ctx, a)
		if err != nil {
			return err
		}
		result = &SubmitResult{Attempt: a, Outcome: out}
		return nil
	})
	if errors.Is(err, domainErrors.ErrLockAcquisitionFailed) {
		return nil, domainErrors.ErrTransferInProgress
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) replay(a *transfer.Attempt, req transfer.Request) (*SubmitResult, error) {
	if !a.Request.Equal(req) {
		return nil, domainErrors.NewDomainError(
			"idempotency_key_reused",
			"idempotency key was already used for a different transfer",
			domainErrors.ErrDuplicateIdempotencyKey,
		)
	}
	if !a.IsTerminal() {
		return nil, domainErrors.ErrTransferInProgress
	}
	s.logger.Debug().Str("attempt_id", a.ID.String()).Msg("replaying recorded transfer outcome")
	return &SubmitResult{Attempt: a, Outcome: a.Result(), Replayed: true}, nil
}

// Get returns the journaled attempt and its reconciliation item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	a, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &View{Attempt: a, Outcome: a.Result()}
	item, err := s.items.GetByAttemptID(ctx, id)
	switch {
	case err == nil:
		view.Repair = item
	case !errors.Is(err, domainErrors.ErrReconciliationNotFound):
		return nil, fmt.Errorf("load reconciliation item: %w", err)
	}
	return view, nil
}
