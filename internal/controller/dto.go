package controller

import (
	"time"

	apptransfer "github.com/cassiomorais/interbank/internal/application/transfer"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/shopspring/decimal"
)

// --- Request DTOs ---
// The same field names are accepted as JSON or as an HTML form post.

// TransferRequest holds the input for submitting an interbank transfer.
type TransferRequest struct {
	DebitAccount  string            `json:"debit_account" validate:"required,max=34"`
	CreditAccount string            `json:"credit_account" validate:"required,max=34"`
	Amount        decimal.Decimal   `json:"amount"`
	DebitText     string            `json:"debit_text,omitempty" validate:"max=140"`
	CreditText    string            `json:"credit_text,omitempty" validate:"max=140"`
	Metadata      map[string]string `json:"metadata,omitempty" validate:"max=20"`
}

// toDomain builds the validated domain request. Memo texts travel as metadata.
func (r *TransferRequest) toDomain() (transfer.Request, error) {
	meta := make(map[string]string, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	if r.DebitText != "" {
		meta[transfer.FieldDebitText] = r.DebitText
	}
	if r.CreditText != "" {
		meta[transfer.FieldCreditText] = r.CreditText
	}
	return transfer.NewRequest(
		transfer.AccountNumber(r.DebitAccount),
		transfer.AccountNumber(r.CreditAccount),
		r.Amount,
		meta,
	)
}

// --- Response DTOs ---

// TransferResponse represents a transfer attempt in API responses.
type TransferResponse struct {
	ID             string                  `json:"id"`
	IdempotencyKey string                  `json:"idempotency_key"`
	State          string                  `json:"state"`
	Outcome        string                  `json:"outcome,omitempty"`
	Message        string                  `json:"message,omitempty"`
	DebitAccount   string                  `json:"debit_account"`
	CreditAccount  string                  `json:"credit_account"`
	Amount         string                  `json:"amount"`
	DebitBank      string                  `json:"debit_bank,omitempty"`
	CreditBank     string                  `json:"credit_bank,omitempty"`
	CorrelationID  string                  `json:"correlation_id,omitempty"`
	FailedStep     string                  `json:"failed_step,omitempty"`
	FailedBank     string                  `json:"failed_bank,omitempty"`
	DebitUncertain bool                    `json:"debit_uncertain,omitempty"`
	Reconciling    bool                    `json:"reconciling"`
	Replayed       bool                    `json:"replayed,omitempty"`
	LastError      *string                 `json:"last_error,omitempty"`
	Reconciliation *ReconciliationResponse `json:"reconciliation,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

// ReconciliationResponse represents the repair queued for a transfer.
type ReconciliationResponse struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
	LastError       *string    `json:"last_error,omitempty"`
	CreditUncertain bool       `json:"credit_uncertain,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromAttempt converts a journaled attempt and its outcome to an API response.
func FromAttempt(a *transfer.Attempt, out *transfer.Outcome) *TransferResponse {
	resp := &TransferResponse{
		ID:             a.ID.String(),
		IdempotencyKey: a.RequestKey,
		State:          string(a.State),
		Outcome:        string(a.Outcome),
		DebitAccount:   a.Request.DebitAccount().String(),
		CreditAccount:  a.Request.CreditAccount().String(),
		Amount:         a.Request.Amount().StringFixed(transfer.AmountPlaces),
		DebitBank:      string(a.DebitBank),
		CreditBank:     string(a.CreditBank),
		CorrelationID:  string(a.CorrelationID),
		FailedStep:     string(a.FailedStep),
		FailedBank:     string(a.FailedBank),
		DebitUncertain: a.DebitUncertain,
		LastError:      a.LastError,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		CompletedAt:    a.CompletedAt,
	}
	if out != nil && out.Kind != "" {
		resp.Message = out.Message()
		resp.Reconciling = out.Reconciling
	}
	return resp
}

// FromSubmitResult converts the answer of a submission.
func FromSubmitResult(res *apptransfer.SubmitResult) *TransferResponse {
	resp := FromAttempt(res.Attempt, res.Outcome)
	resp.Replayed = res.Replayed
	return resp
}

// FromView converts a journal lookup.
func FromView(v *apptransfer.View) *TransferResponse {
	resp := FromAttempt(v.Attempt, v.Outcome)
	if v.Repair != nil {
		resp.Reconciliation = FromItem(v.Repair)
	}
	return resp
}

// FromItem converts a reconciliation item.
func FromItem(i *reconciliation.Item) *ReconciliationResponse {
	return &ReconciliationResponse{
		ID:              i.ID.String(),
		Kind:            string(i.Kind),
		Status:          string(i.Status),
		RetryCount:      i.RetryCount,
		MaxRetries:      i.MaxRetries,
		NextAttemptAt:   i.NextAttemptAt,
		LastError:       i.LastError,
		CreditUncertain: i.CreditUncertain,
		ResolvedAt:      i.ResolvedAt,
	}
}
