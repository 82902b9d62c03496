package transfer

import (
	"fmt"

	"github.com/google/uuid"
)

// OutcomeKind tags the final result of one transfer attempt.
type OutcomeKind string

const (
	OutcomeCompleted             OutcomeKind = "completed"
	OutcomeCreditAccountNotFound OutcomeKind = "credit_account_not_found"
	OutcomeDebitFailed           OutcomeKind = "debit_failed"
	OutcomeCreditFailed          OutcomeKind = "credit_failed"
	OutcomeRoutingFailed         OutcomeKind = "routing_failed"
	OutcomeNetworkFailed         OutcomeKind = "network_failed"
)

// Step names one remote (or routing) step of the transfer pipeline.
type Step string

const (
	StepRoute          Step = "route"
	StepValidateCredit Step = "validate_credit_account"
	StepDebit          Step = "debit"
	StepCredit         Step = "credit"
)

// Outcome is what the caller receives for a transfer attempt. It carries enough
// detail to drive reconciliation: the step and bank involved, and the
// CorrelationID once the debit bank issued one.
type Outcome struct {
	Kind          OutcomeKind
	AttemptID     uuid.UUID
	Step          Step
	Bank          BankPrefix
	CorrelationID CorrelationID
	// Uncertain is set when the debit bank may have applied a debit we never
	// got an answer for.
	Uncertain bool
	// Reconciling is set when the attempt was handed to the reconciliation queue.
	Reconciling bool
	// Abandoned is set when the attempt was given up without a bank answering,
	// because the caller went away or the process running it stopped.
	Abandoned bool
	Err       error
}

const abandonedPrefix = "abandoned: "

// AbandonReason formats the journal reason of an attempt that was given up.
func AbandonReason(detail string) string {
	return abandonedPrefix + detail
}

// Succeeded reports whether funds reached the credit account.
func (o *Outcome) Succeeded() bool {
	return o.Kind == OutcomeCompleted
}

// FundsMoved reports whether money may have left the debit account without
// arriving at the credit account.
func (o *Outcome) FundsMoved() bool {
	return o.Kind == OutcomeCreditFailed || (o.Kind == OutcomeDebitFailed && o.Uncertain)
}

// Message is the user-facing description of the outcome.
func (o *Outcome) Message() string {
	switch o.Kind {
	case OutcomeCompleted:
		return "transfer completed"
	case OutcomeCreditAccountNotFound:
		return "credit account does not exist at the receiving bank; no funds were moved"
	case OutcomeRoutingFailed:
		if o.Bank == "" {
			return "account number is too short to identify its bank; no funds were moved"
		}
		return fmt.Sprintf("no bank is registered for account prefix %q; no funds were moved", o.Bank)
	case OutcomeNetworkFailed:
		switch {
		case o.Abandoned, o.Step != StepValidateCredit:
			return "the transfer was abandoned before any funds moved"
		default:
			return "the receiving bank could not be reached; no funds were moved"
		}
	case OutcomeDebitFailed:
		if o.Uncertain {
			return "the debit bank did not confirm the debit; funds may be held and a reversal has been scheduled"
		}
		return "the debit was rejected by the sending bank; no funds were moved"
	case OutcomeCreditFailed:
		return fmt.Sprintf(
			"funds were debited but not yet credited; the transfer is unsettled and queued for reconciliation (correlation id %s)",
			o.CorrelationID,
		)
	default:
		return "unknown transfer outcome"
	}
}
