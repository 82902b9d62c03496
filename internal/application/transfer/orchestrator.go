package transfer

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
	"github.com/cassiomorais/interbank/pkg/saga"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrchestratorConfig tunes the transfer pipeline.
type OrchestratorConfig struct {
	// CreditTimeout bounds the credit step, which runs even after the caller
	// went away. Zero leaves it to the bank client's per-request timeout.
	CreditTimeout     time.Duration
	MaxCreditRetries  int
	MaxReverseRetries int
}

// Orchestrator drives one transfer attempt through route, credit validation,
// debit and credit, and records the outcome in the journal.
type Orchestrator struct {
	banks     BankDirectory
	attempts  transfer.Repository
	items     reconciliation.Repository
	outbox    outbox.Repository
	txManager TransactionManager
	cfg       OrchestratorConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	banks BankDirectory,
	attempts transfer.Repository,
	items reconciliation.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	cfg OrchestratorConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.MaxCreditRetries <= 0 {
		cfg.MaxCreditRetries = 5
	}
	if cfg.MaxReverseRetries <= 0 {
		cfg.MaxReverseRetries = 5
	}
	return &Orchestrator{
		banks:     banks,
		attempts:  attempts,
		items:     items,
		outbox:    outboxRepo,
		txManager: txManager,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		tracer:    observability.Tracer(),
	}
}

// attemptRun is the per-attempt working state of the saga.
type attemptRun struct {
	o       *Orchestrator
	attempt *transfer.Attempt
	log     zerolog.Logger

	debitBank  bank.Bank
	creditBank bank.Bank
	creditErr  error
	// repair is the reconciliation item written with the terminal state.
	repair *reconciliation.Item
}

// Run executes the attempt, which must already be journaled in the START state.
// It returns the outcome once the attempt reached a terminal state. An error
// means the journal could not record progress; the attempt is then left for
// the stale sweep.
func (o *Orchestrator) Run(ctx context.Context, a *transfer.Attempt) (*transfer.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "transfer.run", trace.WithAttributes(
		attribute.String("transfer.attempt_id", a.ID.String()),
	))
	defer span.End()

	start := time.Now()
	o.metrics.TransferStarted()
	defer o.metrics.TransferFinished()

	r := &attemptRun{
		o:       o,
		attempt: a,
		log:     o.logger.With().Str("attempt_id", a.ID.String()).Logger(),
	}

	s := saga.New("interbank-transfer").
		AddStep(saga.Step{
			Name:    string(transfer.StepRoute),
			Execute: r.traced(transfer.StepRoute, r.route),
		}).
		AddStep(saga.Step{
			Name:    string(transfer.StepValidateCredit),
			Execute: r.traced(transfer.StepValidateCredit, r.validateCredit),
		}).
		// From here on the caller's cancellation is only honored before the
		// debit is sent.
		AddStep(saga.Step{
			Name: string(transfer.StepDebit),
			Execute: r.traced(transfer.StepDebit, func(stepCtx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return r.debit(stepCtx)
			}),
			Compensate: r.scheduleRepair,
			Detached:   true,
		}).
		AddStep(saga.Step{
			Name:     string(transfer.StepCredit),
			Execute:  r.traced(transfer.StepCredit, r.credit),
			Detached: true,
		})

	_, sagaErr := s.Execute(ctx)

	var stepErr *saga.StepError
	errors.As(sagaErr, &stepErr)

	if !a.IsTerminal() {
		if stepErr == nil || !abandonable(a, stepErr.Err) {
			span.RecordError(sagaErr)
			span.SetStatus(codes.Error, "transfer interrupted")
			r.log.Error().Err(sagaErr).Str("state", string(a.State)).Msg("transfer interrupted before reaching a terminal state")
			return nil, fmt.Errorf("transfer %s interrupted in state %s: %w", a.ID, a.State, sagaErr)
		}
		step := transfer.Step(stepErr.Step)
		if err := a.Abort(transfer.OutcomeNetworkFailed, step, r.bankFor(step), transfer.AbandonReason(stepErr.Err.Error())); err != nil {
			return nil, err
		}
	}

	if err := r.record(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "journal write failed")
		return nil, err
	}

	out := a.Result()
	if stepErr != nil {
		out.Err = stepErr.Err
		if stepErr.CompensationErr != nil {
			out.Err = errors.Join(stepErr.Err, stepErr.CompensationErr)
		}
	}

	span.SetAttributes(attribute.String("transfer.outcome", string(out.Kind)))
	if !out.Succeeded() {
		span.SetStatus(codes.Error, string(out.Kind))
	}
	o.metrics.ObserveTransfer(string(out.Kind), time.Since(start))
	r.logOutcome(out)
	return out, nil
}

// abandonable reports whether the attempt can be dropped because the caller
// cancelled before any funds could have moved.
func abandonable(a *transfer.Attempt, err error) bool {
	if a.DebitIssuedAt != nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *attemptRun) traced(step transfer.Step, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, span := r.o.tracer.Start(ctx, "transfer."+string(step))
		defer span.End()

		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (r *attemptRun) route(ctx context.Context) error {
	a := r.attempt
	req := a.Request

	debitEP, err := r.o.banks.Resolve(req.DebitAccount())
	if err != nil {
		return r.abort(transfer.OutcomeRoutingFailed, transfer.StepRoute, routingPrefix(err), err)
	}
	creditEP, err := r.o.banks.Resolve(req.CreditAccount())
	if err != nil {
		return r.abort(transfer.OutcomeRoutingFailed, transfer.StepRoute, routingPrefix(err), err)
	}
	if r.debitBank, err = r.o.banks.Get(debitEP.Prefix); err != nil {
		return r.abort(transfer.OutcomeRoutingFailed, transfer.StepRoute, debitEP.Prefix, err)
	}
	if r.creditBank, err = r.o.banks.Get(creditEP.Prefix); err != nil {
		return r.abort(transfer.OutcomeRoutingFailed, transfer.StepRoute, creditEP.Prefix, err)
	}

	if err := a.MarkRouted(debitEP.Prefix, debitEP.BaseURL, creditEP.Prefix, creditEP.BaseURL); err != nil {
		return err
	}
	r.log = r.log.With().
		Str("debit_bank", string(debitEP.Prefix)).
		Str("credit_bank", string(creditEP.Prefix)).
		Logger()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("transfer.debit_bank", string(debitEP.Prefix)),
		attribute.String("transfer.credit_bank", string(creditEP.Prefix)),
	)
	return r.save(ctx)
}

func (r *attemptRun) validateCredit(ctx context.Context) error {
	a := r.attempt

	exists, err := r.creditBank.ValidateCreditAccount(ctx, a.Request)
	if err != nil {
		return r.abort(transfer.OutcomeNetworkFailed, transfer.StepValidateCredit, a.CreditBank, err)
	}
	if !exists {
		return r.abort(transfer.OutcomeCreditAccountNotFound, transfer.StepValidateCredit, a.CreditBank,
			fmt.Errorf("account %s: %w", a.Request.CreditAccount(), domainErrors.ErrCreditAccountNotFound))
	}

	if err := a.MarkCreditValidated(); err != nil {
		return err
	}
	return r.save(ctx)
}

func (r *attemptRun) debit(ctx context.Context) error {
	a := r.attempt

	if err := a.BeginDebit(); err != nil {
		return err
	}
	if err := r.save(ctx); err != nil {
		return err
	}

	corr, err := r.debitBank.DebitAccount(ctx, a.Request, a.DebitKey())
	if err != nil {
		a.DebitUncertain = bank.IsUncertain(err)
		if a.DebitUncertain {
			if schedErr := r.schedule(reconciliation.KindReverseDebit); schedErr != nil {
				return errors.Join(err, schedErr)
			}
		}
		return r.abort(transfer.OutcomeDebitFailed, transfer.StepDebit, a.DebitBank, err)
	}

	r.log = r.log.With().Str("correlation_id", string(corr)).Logger()
	r.log.Info().Str("debit_key", a.DebitKey()).Msg("debit accepted, correlation id issued")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("transfer.correlation_id", string(corr)))

	if err := a.MarkDebited(corr); err != nil {
		return err
	}
	return r.save(ctx)
}

func (r *attemptRun) credit(ctx context.Context) error {
	a := r.attempt

	if r.o.cfg.CreditTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.cfg.CreditTimeout)
		defer cancel()
	}

	if err := r.creditBank.CreditAccount(ctx, a.Request, a.CorrelationID, a.CreditKey()); err != nil {
		r.creditErr = err
		return r.abort(transfer.OutcomeCreditFailed, transfer.StepCredit, a.CreditBank, err)
	}
	return a.MarkCredited()
}

// scheduleRepair compensates an accepted debit whose credit failed. The repair
// is durable: it is written with the attempt's terminal state and carried out
// by the reconciler.
func (r *attemptRun) scheduleRepair(context.Context) error {
	if r.attempt.Outcome != transfer.OutcomeCreditFailed {
		return nil
	}
	uncertain := bank.IsUncertain(r.creditErr)
	kind := reconciliation.KindRetryCredit
	if errors.Is(r.creditErr, domainErrors.ErrBankRejected) && !uncertain {
		kind = reconciliation.KindReverseDebit
	}
	if err := r.schedule(kind); err != nil {
		return err
	}
	if uncertain {
		r.repair.MarkCreditUncertain()
	}
	return nil
}

func (r *attemptRun) schedule(kind reconciliation.Kind) error {
	maxRetries := r.o.cfg.MaxCreditRetries
	if kind == reconciliation.KindReverseDebit {
		maxRetries = r.o.cfg.MaxReverseRetries
	}
	item, err := reconciliation.NewItem(r.attempt.ID, kind, r.attempt.CorrelationID, maxRetries)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", kind, err)
	}
	r.repair = item
	return nil
}

// abort ends the attempt in memory and returns cause, so the saga stops.
func (r *attemptRun) abort(kind transfer.OutcomeKind, step transfer.Step, bankPrefix transfer.BankPrefix, cause error) error {
	if err := r.attempt.Abort(kind, step, bankPrefix, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (r *attemptRun) save(ctx context.Context) error {
	if err := r.o.attempts.Update(ctx, r.attempt); err != nil {
		return fmt.Errorf("journal %s: %w", r.attempt.State, err)
	}
	return nil
}

// record writes the terminal state, the repair item and the lifecycle event in
// one transaction. It runs even when the caller went away.
func (r *attemptRun) record(ctx context.Context) error {
	a := r.attempt
	event := outbox.NewAttemptEntry(a, outbox.OutcomeEvent(a))

	err := r.o.txManager.WithTransaction(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if err := r.o.attempts.Update(txCtx, a); err != nil {
			return fmt.Errorf("journal %s: %w", a.State, err)
		}
		if r.repair != nil {
			created, err := r.o.items.Enqueue(txCtx, r.repair)
			if err != nil {
				return err
			}
			if !created {
				r.log.Warn().Str("kind", string(r.repair.Kind)).Msg("reconciliation item already queued for attempt")
			}
		}
		return r.o.outbox.Insert(txCtx, event)
	})
	if err != nil {
		r.log.Error().Err(err).
			Str("state", string(a.State)).
			Str("outcome", string(a.Outcome)).
			Msg("failed to record transfer outcome")
		return fmt.Errorf("record outcome of transfer %s: %w", a.ID, err)
	}
	return nil
}

func (r *attemptRun) bankFor(step transfer.Step) transfer.BankPrefix {
	if step == transfer.StepDebit {
		return r.attempt.DebitBank
	}
	return r.attempt.CreditBank
}

func (r *attemptRun) logOutcome(out *transfer.Outcome) {
	switch {
	case out.Succeeded():
		r.log.Info().Msg("transfer completed")
	case out.Kind == transfer.OutcomeCreditFailed:
		ev := r.log.Error().Err(out.Err).
			Str("step", string(out.Step)).
			Str("amount", r.attempt.Request.Amount().StringFixed(transfer.AmountPlaces)).
			Str("credit_key", r.attempt.CreditKey())
		if r.repair != nil {
			ev = ev.Str("reconciliation_id", r.repair.ID.String()).Str("reconciliation_kind", string(r.repair.Kind))
		}
		ev.Msg("credit failed after debit; transfer unsettled and queued for reconciliation")
	case out.Uncertain:
		r.log.Error().Err(out.Err).Str("debit_key", r.attempt.DebitKey()).
			Msg("debit outcome unknown; reversal queued")
	default:
		r.log.Warn().Err(out.Err).
			Str("outcome", string(out.Kind)).
			Str("step", string(out.Step)).
			Str("bank", string(out.Bank)).
			Msg("transfer aborted, no funds moved")
	}
}

func routingPrefix(err error) transfer.BankPrefix {
	var re *bank.RoutingError
	if errors.As(err, &re) {
		return re.Prefix
	}
	return ""
}
