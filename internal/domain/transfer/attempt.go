package transfer

import (
	"strings"
	"time"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/google/uuid"
)

// State is the position of an attempt in the transfer state machine.
type State string

const (
	StateStart           State = "start"
	StateRouted          State = "routed"
	StateCreditValidated State = "credit_validated"
	StateDebited         State = "debited"
	StateCredited        State = "credited"
	StateAborted         State = "aborted"
	StateReversed        State = "reversed"
)

// Attempt is the journal record of one transfer attempt.
type Attempt struct {
	ID         uuid.UUID
	RequestKey string
	Request    Request

	DebitBank     BankPrefix
	DebitBankURL  string
	CreditBank    BankPrefix
	CreditBankURL string

	State          State
	Outcome        OutcomeKind
	FailedStep     Step
	FailedBank     BankPrefix
	CorrelationID  CorrelationID
	DebitUncertain bool
	LastError      *string

	DebitIssuedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewAttempt creates an attempt in the START state.
func NewAttempt(requestKey string, req Request) (*Attempt, error) {
	if requestKey == "" {
		return nil, errors.ErrMissingIdempotencyKey
	}
	if req.IsZero() {
		return nil, errors.ErrInvalidInput
	}

	now := time.Now()
	return &Attempt{
		ID:         uuid.New(),
		RequestKey: requestKey,
		Request:    req,
		State:      StateStart,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// DebitKey is the idempotency key sent with every debit call of this attempt.
func (a *Attempt) DebitKey() string { return a.ID.String() + ":debit" }

// CreditKey is the idempotency key sent with every credit call of this attempt.
func (a *Attempt) CreditKey() string { return a.ID.String() + ":credit" }

// ReverseKey is the idempotency key sent with every debit reversal of this attempt.
func (a *Attempt) ReverseKey() string { return a.ID.String() + ":reverse" }

// CanTransitionTo checks if the attempt can move to the given state
func (a *Attempt) CanTransitionTo(next State) bool {
	transitions := map[State][]State{
		StateStart:           {StateRouted, StateAborted},
		StateRouted:          {StateCreditValidated, StateAborted},
		StateCreditValidated: {StateDebited, StateAborted},
		StateDebited:         {StateCredited, StateAborted},
		StateCredited:        {},
		StateReversed:        {},
	}

	if a.State == StateAborted {
		switch next {
		case StateCredited:
			return a.Outcome == OutcomeCreditFailed
		case StateReversed:
			return a.Outcome == OutcomeCreditFailed ||
				(a.Outcome == OutcomeDebitFailed && a.DebitUncertain)
		default:
			return false
		}
	}

	for _, allowed := range transitions[a.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (a *Attempt) transitionTo(next State) error {
	if !a.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition transfer from "+string(a.State)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now()
	a.State = next
	a.UpdatedAt = now
	if a.IsTerminal() {
		a.CompletedAt = &now
	}
	return nil
}

// MarkRouted records the banks owning both accounts.
func (a *Attempt) MarkRouted(debitBank BankPrefix, debitURL string, creditBank BankPrefix, creditURL string) error {
	if err := a.transitionTo(StateRouted); err != nil {
		return err
	}
	a.DebitBank, a.DebitBankURL = debitBank, debitURL
	a.CreditBank, a.CreditBankURL = creditBank, creditURL
	return nil
}

// MarkCreditValidated records that the credit bank confirmed the account exists.
func (a *Attempt) MarkCreditValidated() error {
	return a.transitionTo(StateCreditValidated)
}

// BeginDebit records that the debit instruction is about to be sent.
// A debit is issued at most once per attempt; retries reuse DebitKey.
func (a *Attempt) BeginDebit() error {
	if a.State != StateCreditValidated || a.DebitIssuedAt != nil {
		return errors.NewDomainError(
			"debit_already_issued",
			"debit already issued for transfer "+a.ID.String(),
			errors.ErrInvalidStateTransition,
		)
	}
	now := time.Now()
	a.DebitIssuedAt = &now
	a.UpdatedAt = now
	return nil
}

// MarkDebited records the CorrelationID returned by the debit bank.
func (a *Attempt) MarkDebited(corr CorrelationID) error {
	if corr == "" {
		return errors.NewValidationError(FieldUniqueID, "debit bank returned an empty correlation id")
	}
	if err := a.transitionTo(StateDebited); err != nil {
		return err
	}
	a.CorrelationID = corr
	return nil
}

// MarkCredited completes the attempt.
func (a *Attempt) MarkCredited() error {
	if err := a.transitionTo(StateCredited); err != nil {
		return err
	}
	a.Outcome = OutcomeCompleted
	a.FailedStep = ""
	a.FailedBank = ""
	a.LastError = nil
	return nil
}

// Abort ends the attempt with the given failure at step, involving bank.
func (a *Attempt) Abort(kind OutcomeKind, step Step, bank BankPrefix, reason string) error {
	if err := a.transitionTo(StateAborted); err != nil {
		return err
	}
	a.Outcome = kind
	a.FailedStep = step
	a.FailedBank = bank
	if reason != "" {
		a.LastError = &reason
	}
	return nil
}

// MarkReversed records that the debit bank returned the funds.
func (a *Attempt) MarkReversed() error {
	return a.transitionTo(StateReversed)
}

// IsTerminal reports whether the attempt has left the pipeline.
func (a *Attempt) IsTerminal() bool {
	return a.State == StateCredited || a.State == StateAborted || a.State == StateReversed
}

// Result rebuilds the caller-facing outcome from the journal record.
func (a *Attempt) Result() *Outcome {
	o := &Outcome{
		Kind:          a.Outcome,
		AttemptID:     a.ID,
		Step:          a.FailedStep,
		Bank:          a.FailedBank,
		CorrelationID: a.CorrelationID,
		Uncertain:     a.DebitUncertain,
	}
	if a.Outcome == OutcomeCompleted {
		o.Step = StepCredit
		o.Bank = a.CreditBank
	}
	o.Reconciling = a.State == StateAborted && o.FundsMoved()
	if a.LastError != nil {
		o.Abandoned = strings.HasPrefix(*a.LastError, abandonedPrefix)
		o.Err = errors.NewDomainError(string(a.Outcome), *a.LastError, nil)
	}
	return o
}
