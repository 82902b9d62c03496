package reconciliation

import (
	"time"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
)

// Kind is the repair action an item asks the reconciler to perform.
type Kind string

const (
	KindRetryCredit  Kind = "retry_credit"
	KindReverseDebit Kind = "reverse_debit"
)

// Status tracks an item through reconciliation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSettled      Status = "settled"
	StatusReversed     Status = "reversed"
	StatusManualReview Status = "manual_review"
)

// Item is a queued repair for a transfer whose funds left the debit account
// without a confirmed credit.
type Item struct {
	ID            uuid.UUID
	AttemptID     uuid.UUID
	Kind          Kind
	Status        Status
	CorrelationID transfer.CorrelationID
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     *string
	// CreditUncertain is set once a credit may have reached the credit bank
	// without a readable answer. Such an item is never reversed automatically.
	CreditUncertain bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

// NewItem creates a pending item due immediately.
func NewItem(attemptID uuid.UUID, kind Kind, corr transfer.CorrelationID, maxRetries int) (*Item, error) {
	if attemptID == uuid.Nil {
		return nil, errors.NewValidationError("attempt_id", "is required")
	}
	if kind != KindRetryCredit && kind != KindReverseDebit {
		return nil, errors.NewValidationError("kind", "unknown reconciliation kind "+string(kind))
	}
	if kind == KindRetryCredit && corr == "" {
		return nil, errors.NewValidationError("correlation_id", "is required to retry a credit")
	}
	if maxRetries <= 0 {
		return nil, errors.NewValidationError("max_retries", "must be greater than 0")
	}

	now := time.Now()
	return &Item{
		ID:            uuid.New(),
		AttemptID:     attemptID,
		Kind:          kind,
		Status:        StatusPending,
		CorrelationID: corr,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsPending reports whether the item still needs work.
func (i *Item) IsPending() bool {
	return i.Status == StatusPending
}

// Exhausted reports whether the item used up its retries for the current kind.
func (i *Item) Exhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// RecordFailure counts a failed try and schedules the next one.
func (i *Item) RecordFailure(reason string, next time.Time) error {
	if !i.IsPending() {
		return i.notPending()
	}
	i.RetryCount++
	i.LastError = &reason
	i.NextAttemptAt = next
	i.UpdatedAt = time.Now()
	return nil
}

// MarkCreditUncertain records that a credit try may have been applied.
func (i *Item) MarkCreditUncertain() {
	i.CreditUncertain = true
	i.UpdatedAt = time.Now()
}

// CanReverse reports whether the debit may be refunded without risking a
// payout on both sides.
func (i *Item) CanReverse() bool {
	return !i.CreditUncertain
}

// SwitchToReversal turns a credit retry that gave up into a debit reversal.
func (i *Item) SwitchToReversal(maxRetries int) error {
	if !i.IsPending() || i.Kind != KindRetryCredit {
		return i.notPending()
	}
	if !i.CanReverse() {
		return errors.NewDomainError(
			"credit_uncertain",
			"reconciliation item "+i.ID.String()+" may already be credited",
			errors.ErrInvalidStateTransition,
		)
	}
	now := time.Now()
	i.Kind = KindReverseDebit
	i.RetryCount = 0
	i.MaxRetries = maxRetries
	i.NextAttemptAt = now
	i.UpdatedAt = now
	return nil
}

// Settle marks a retried credit as delivered.
func (i *Item) Settle() error {
	if !i.IsPending() || i.Kind != KindRetryCredit {
		return i.notPending()
	}
	i.resolve(StatusSettled)
	return nil
}

// MarkReversed marks the debit as returned to the debit account.
func (i *Item) MarkReversed() error {
	if !i.IsPending() || i.Kind != KindReverseDebit {
		return i.notPending()
	}
	i.resolve(StatusReversed)
	return nil
}

// EscalateToManualReview parks the item for an operator.
func (i *Item) EscalateToManualReview(reason string) error {
	if !i.IsPending() {
		return i.notPending()
	}
	i.LastError = &reason
	i.resolve(StatusManualReview)
	return nil
}

func (i *Item) resolve(status Status) {
	now := time.Now()
	i.Status = status
	i.UpdatedAt = now
	i.ResolvedAt = &now
}

func (i *Item) notPending() error {
	return errors.NewDomainError(
		"invalid_transition",
		"reconciliation item "+i.ID.String()+" is "+string(i.Status)+"/"+string(i.Kind),
		errors.ErrInvalidStateTransition,
	)
}
