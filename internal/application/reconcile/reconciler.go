// Package reconcile drives unsettled transfers to a final state: it retries
// credits under their original correlation id and idempotency key, reverses
// debits that cannot be delivered, and picks up attempts abandoned mid-pipeline.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cassiomorais/interbank/internal/bank"
	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/cassiomorais/interbank/internal/infrastructure/observability"
	"github.com/cassiomorais/interbank/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransactionManager defines the interface for transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker serializes work on one key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// BankDirectory returns the client for a bank prefix.
type BankDirectory interface {
	Get(prefix transfer.BankPrefix) (bank.Bank, error)
}

// DeadLetterPublisher parks transfers that need an operator.
type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, attemptID string, reason string, data map[string]any) error
}

// Config tunes the reconciler.
type Config struct {
	BatchSize         int
	MaxReverseRetries int
	MaxCreditRetries  int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	// StaleAfter is how long an attempt may sit in a non-terminal state
	// before the sweep takes it over.
	StaleAfter time.Duration
	LockTTL    time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxCreditRetries <= 0 {
		c.MaxCreditRetries = 5
	}
	if c.MaxReverseRetries <= 0 {
		c.MaxReverseRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
}

// Reconciler works the reconciliation queue.
type Reconciler struct {
	banks     BankDirectory
	attempts  transfer.Repository
	items     reconciliation.Repository
	outbox    outbox.Repository
	txManager TransactionManager
	locker    Locker
	dlq       DeadLetterPublisher
	cfg       Config
	metrics   *observability.Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(
	banks BankDirectory,
	attempts transfer.Repository,
	items reconciliation.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	locker Locker,
	dlq DeadLetterPublisher,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		banks:     banks,
		attempts:  attempts,
		items:     items,
		outbox:    outboxRepo,
		txManager: txManager,
		locker:    locker,
		dlq:       dlq,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		tracer:    observability.Tracer(),
		now:       time.Now,
	}
}

// RunOnce processes the items that are due and returns how many it worked on.
// Items locked by another worker are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	due, err := r.items.GetDue(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due reconciliation items: %w", err)
	}

	processed := 0
	for _, item := range due {
		if ctx.Err() != nil {
			break
		}
		err := r.locker.WithLock(ctx, "reconcile:"+item.ID.String(), r.cfg.LockTTL, func(ctx context.Context) error {
			return r.process(ctx, item.ID)
		})
		switch {
		case errors.Is(err, domainErrors.ErrLockAcquisitionFailed):
			continue
		case err != nil:
			r.logger.Error().Err(err).
				Str("reconciliation_id", item.ID.String()).
				Str("attempt_id", item.AttemptID.String()).
				Msg("reconciliation failed")
		}
		processed++
	}

	if n, err := r.items.CountPending(ctx); err == nil {
		r.metrics.SetReconciliationPending(n)
	}
	return processed, nil
}

func (r *Reconciler) process(ctx context.Context, id uuid.UUID) error {
	item, err := r.items.GetByID(ctx, id)
	if err != nil {
		return err
	}
	// another worker may have finished or rescheduled it since GetDue
	if !item.IsPending() || item.NextAttemptAt.After(r.now()) {
		return nil
	}
	a, err := r.attempts.GetByID(ctx, item.AttemptID)
	if err != nil {
		return fmt.Errorf("load transfer %s: %w", item.AttemptID, err)
	}

	ctx, span := r.tracer.Start(ctx, "reconcile."+string(item.Kind), trace.WithAttributes(
		attribute.String("reconciliation.id", item.ID.String()),
		attribute.String("transfer.attempt_id", a.ID.String()),
		attribute.Int("reconciliation.retry_count", item.RetryCount),
	))
	defer span.End()

	log := r.logger.With().
		Str("reconciliation_id", item.ID.String()).
		Str("attempt_id", a.ID.String()).
		Str("kind", string(item.Kind)).
		Str("correlation_id", string(a.CorrelationID)).
		Logger()

	switch item.Kind {
	case reconciliation.KindRetryCredit:
		err = r.retryCredit(ctx, log, item, a)
	case reconciliation.KindReverseDebit:
		err = r.reverseDebit(ctx, log, item, a)
	default:
		err = fmt.Errorf("unknown reconciliation kind %q", item.Kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Reconciler) retryCredit(ctx context.Context, log zerolog.Logger, item *reconciliation.Item, a *transfer.Attempt) error {
	switch a.State {
	case transfer.StateCredited:
		if err := item.Settle(); err != nil {
			return err
		}
		return r.commit(ctx, nil, item, nil)
	case transfer.StateReversed:
		if !item.CanReverse() {
			return r.escalate(ctx, log, item, a, "debit reversed while a credit may have been applied")
		}
		if err := item.SwitchToReversal(r.cfg.MaxReverseRetries); err != nil {
			return err
		}
		if err := item.MarkReversed(); err != nil {
			return err
		}
		return r.commit(ctx, nil, item, nil)
	}

	creditErr := r.credit(ctx, a, item.CorrelationID)
	if creditErr == nil {
		if err := a.MarkCredited(); err != nil {
			return err
		}
		if err := item.Settle(); err != nil {
			return err
		}
		if err := r.commit(ctx, a, item, outbox.NewAttemptEntry(a, outbox.EventTransferSettled)); err != nil {
			return err
		}
		r.metrics.ObserveReconciliation(string(reconciliation.KindRetryCredit), "settled")
		log.Info().Int("retry_count", item.RetryCount).Msg("credit retried successfully, transfer settled")
		return nil
	}

	uncertain := bank.IsUncertain(creditErr)
	if uncertain {
		item.MarkCreditUncertain()
	}
	if err := item.RecordFailure(creditErr.Error(), r.nextAttempt(item.RetryCount)); err != nil {
		return err
	}
	result := "retry"
	rejected := errors.Is(creditErr, domainErrors.ErrBankRejected) && !uncertain
	if rejected || item.Exhausted() {
		if !item.CanReverse() {
			// an earlier try may have paid the credit account
			return r.escalate(ctx, log, item, a, "credit outcome unknown, not reversing: "+creditErr.Error())
		}
		if err := item.SwitchToReversal(r.cfg.MaxReverseRetries); err != nil {
			return err
		}
		item.NextAttemptAt = r.now()
		result = "switched_to_reversal"
	}
	if err := r.commit(ctx, nil, item, nil); err != nil {
		return err
	}
	r.metrics.ObserveReconciliation(string(reconciliation.KindRetryCredit), result)

	if item.Kind == reconciliation.KindReverseDebit {
		log.Warn().Err(creditErr).Bool("rejected", rejected).Msg("giving up on credit, reversing debit")
		return nil
	}
	log.Warn().Err(creditErr).
		Int("retry_count", item.RetryCount).
		Time("next_attempt_at", item.NextAttemptAt).
		Msg("credit retry failed")
	return nil
}

func (r *Reconciler) reverseDebit(ctx context.Context, log zerolog.Logger, item *reconciliation.Item, a *transfer.Attempt) error {
	switch a.State {
	case transfer.StateReversed:
		if err := item.MarkReversed(); err != nil {
			return err
		}
		return r.commit(ctx, nil, item, nil)
	case transfer.StateCredited:
		// the funds arrived; reversing now would pay the debit account twice
		return r.escalate(ctx, log, item, a, "transfer already credited, reversal not applied")
	}
	if !item.CanReverse() {
		return r.escalate(ctx, log, item, a, "credit outcome unknown, reversal not applied")
	}

	reverseErr := r.reverse(ctx, a)
	if reverseErr == nil {
		if err := a.MarkReversed(); err != nil {
			return err
		}
		if err := item.MarkReversed(); err != nil {
			return err
		}
		if err := r.commit(ctx, a, item, outbox.NewAttemptEntry(a, outbox.EventTransferReversed)); err != nil {
			return err
		}
		r.metrics.ObserveReconciliation(string(reconciliation.KindReverseDebit), "reversed")
		log.Info().Str("reverse_key", a.ReverseKey()).Msg("debit reversed")
		return nil
	}

	if err := item.RecordFailure(reverseErr.Error(), r.nextAttempt(item.RetryCount)); err != nil {
		return err
	}
	if item.Exhausted() {
		return r.escalate(ctx, log, item, a, "reversal failed: "+reverseErr.Error())
	}
	if err := r.commit(ctx, nil, item, nil); err != nil {
		return err
	}
	r.metrics.ObserveReconciliation(string(reconciliation.KindReverseDebit), "retry")
	log.Warn().Err(reverseErr).
		Int("retry_count", item.RetryCount).
		Time("next_attempt_at", item.NextAttemptAt).
		Msg("debit reversal failed")
	return nil
}

// escalate parks the item for an operator and copies it to the dead letter stream.
func (r *Reconciler) escalate(ctx context.Context, log zerolog.Logger, item *reconciliation.Item, a *transfer.Attempt, reason string) error {
	if err := item.EscalateToManualReview(reason); err != nil {
		return err
	}
	event := outbox.NewAttemptEntry(a, outbox.EventTransferManualReview)
	event.Payload["reason"] = reason
	event.Payload["reconciliation_id"] = item.ID.String()
	if err := r.commit(ctx, nil, item, event); err != nil {
		return err
	}
	r.metrics.ObserveReconciliation(string(item.Kind), "manual_review")
	log.Error().Str("reason", reason).
		Str("amount", a.Request.Amount().StringFixed(transfer.AmountPlaces)).
		Str("debit_account", a.Request.DebitAccount().String()).
		Msg("transfer needs manual review")

	if r.dlq != nil {
		if err := r.dlq.PublishToDLQ(context.WithoutCancel(ctx), a.ID.String(), reason, event.Payload); err != nil {
			log.Error().Err(err).Msg("failed to publish transfer to dead letter stream")
		}
	}
	return nil
}

func (r *Reconciler) credit(ctx context.Context, a *transfer.Attempt, corr transfer.CorrelationID) error {
	b, err := r.banks.Get(a.CreditBank)
	if err != nil {
		return err
	}
	return b.CreditAccount(ctx, a.Request, corr, a.CreditKey())
}

func (r *Reconciler) reverse(ctx context.Context, a *transfer.Attempt) error {
	b, err := r.banks.Get(a.DebitBank)
	if err != nil {
		return err
	}
	return b.ReverseDebit(ctx, a.Request, a.CorrelationID, a.DebitKey(), a.ReverseKey())
}

func (r *Reconciler) nextAttempt(failures int) time.Time {
	return r.now().Add(retry.Backoff(failures, r.cfg.BaseDelay, r.cfg.MaxDelay))
}

// commit writes the item, and optionally the attempt and an event, in one
// transaction. It is not interrupted by shutdown once the bank has answered.
func (r *Reconciler) commit(ctx context.Context, a *transfer.Attempt, item *reconciliation.Item, event *outbox.Entry) error {
	return r.txManager.WithTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if a != nil {
			if err := r.attempts.Update(txCtx, a); err != nil {
				return fmt.Errorf("journal %s: %w", a.State, err)
			}
		}
		if err := r.items.Update(txCtx, item); err != nil {
			return fmt.Errorf("update reconciliation item: %w", err)
		}
		if event != nil {
			return r.outbox.Insert(txCtx, event)
		}
		return nil
	})
}
