package outbox

import "github.com/cassiomorais/interbank/internal/domain/transfer"

// OutcomeEvent returns the lifecycle event for an attempt that just reached a
// terminal state in the pipeline.
func OutcomeEvent(a *transfer.Attempt) string {
	switch a.Outcome {
	case transfer.OutcomeCompleted:
		return EventTransferCompleted
	case transfer.OutcomeCreditFailed:
		return EventTransferCreditFailed
	default:
		return EventTransferAborted
	}
}

// NewAttemptEntry builds an event of the given type carrying the attempt's
// journal view.
func NewAttemptEntry(a *transfer.Attempt, eventType string) *Entry {
	payload := map[string]any{
		"outcome":        string(a.Outcome),
		"state":          string(a.State),
		"debit_account":  a.Request.DebitAccount().String(),
		"credit_account": a.Request.CreditAccount().String(),
		"amount":         a.Request.Amount().StringFixed(transfer.AmountPlaces),
		"debit_bank":     string(a.DebitBank),
		"credit_bank":    string(a.CreditBank),
	}
	if a.CorrelationID != "" {
		payload["correlation_id"] = string(a.CorrelationID)
	}
	if a.FailedStep != "" {
		payload["failed_step"] = string(a.FailedStep)
		payload["failed_bank"] = string(a.FailedBank)
	}
	if a.DebitUncertain {
		payload["debit_uncertain"] = true
	}
	return NewTransferEntry(a.ID, eventType, payload)
}
