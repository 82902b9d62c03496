package reconcile

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
)

var sweptStates = []transfer.State{
	transfer.StateStart,
	transfer.StateRouted,
	transfer.StateCreditValidated,
	transfer.StateDebited,
}

// Sweep ends attempts that stopped moving, typically because the process
// running them died. Attempts that may have moved funds are handed to the
// reconciliation queue; the rest are aborted. It returns how many attempts it
// took over.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.attempts.ListStale(ctx, transfer.StaleFilter{
		States:        sweptStates,
		UpdatedBefore: cutoff,
		Limit:         r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale transfers: %w", err)
	}

	swept := 0
	for _, a := range stale {
		if ctx.Err() != nil {
			break
		}
		// same lock as submission, so a live request is never swept
		var took bool
		err := r.locker.WithLock(ctx, "transfer:"+a.RequestKey, r.cfg.LockTTL, func(ctx context.Context) error {
			var err error
			took, err = r.takeOver(ctx, a.ID)
			return err
		})
		switch {
		case errors.Is(err, domainErrors.ErrLockAcquisitionFailed):
			continue
		case err != nil:
			r.logger.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("failed to sweep stale transfer")
			continue
		}
		if took {
			swept++
		}
	}
	return swept, nil
}

func (r *Reconciler) takeOver(ctx context.Context, id uuid.UUID) (bool, error) {
	a, err := r.attempts.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	since := a.UpdatedAt
	if a.IsTerminal() || since.After(r.now().Add(-r.cfg.StaleAfter)) {
		return false, nil
	}

	reason := transfer.AbandonReason("no progress since " + since.UTC().Format("2006-01-02T15:04:05Z"))
	var item *reconciliation.Item
	switch {
	case a.State == transfer.StateDebited:
		if err := a.Abort(transfer.OutcomeCreditFailed, transfer.StepCredit, a.CreditBank, reason); err != nil {
			return false, err
		}
		item, err = reconciliation.NewItem(a.ID, reconciliation.KindRetryCredit, a.CorrelationID, r.cfg.MaxCreditRetries)
		if item != nil {
			// the dead process may have sent the credit
			item.MarkCreditUncertain()
		}
	case a.DebitIssuedAt != nil:
		a.DebitUncertain = true
		if err := a.Abort(transfer.OutcomeDebitFailed, transfer.StepDebit, a.DebitBank, reason); err != nil {
			return false, err
		}
		item, err = reconciliation.NewItem(a.ID, reconciliation.KindReverseDebit, "", r.cfg.MaxReverseRetries)
	default:
		step, bankPrefix := pendingStep(a)
		if err := a.Abort(transfer.OutcomeNetworkFailed, step, bankPrefix, reason); err != nil {
			return false, err
		}
	}
	if err != nil {
		return false, err
	}
	if item != nil {
		item.NextAttemptAt = r.now()
	}

	event := outbox.NewAttemptEntry(a, outbox.OutcomeEvent(a))
	err = r.txManager.WithTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if err := r.attempts.Update(txCtx, a); err != nil {
			return fmt.Errorf("journal %s: %w", a.State, err)
		}
		if item != nil {
			if _, err := r.items.Enqueue(txCtx, item); err != nil {
				return err
			}
		}
		return r.outbox.Insert(txCtx, event)
	})
	if err != nil {
		return false, err
	}

	ev := r.logger.Warn().
		Str("attempt_id", a.ID.String()).
		Str("outcome", string(a.Outcome)).
		Str("step", string(a.FailedStep)).
		Time("last_update", since)
	if item != nil {
		ev = ev.Str("reconciliation_id", item.ID.String()).Str("reconciliation_kind", string(item.Kind))
		r.metrics.ObserveReconciliation(string(item.Kind), "swept")
	}
	ev.Msg("stale transfer taken over")
	return true, nil
}

// pendingStep names the step an attempt was about to run in its current state.
func pendingStep(a *transfer.Attempt) (transfer.Step, transfer.BankPrefix) {
	switch a.State {
	case transfer.StateRouted:
		return transfer.StepValidateCredit, a.CreditBank
	case transfer.StateCreditValidated:
		return transfer.StepDebit, a.DebitBank
	default:
		return transfer.StepRoute, ""
	}
}
