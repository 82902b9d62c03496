package transfer

import (
	"maps"
	"strings"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/shopspring/decimal"
)

// Form field names shared with the bank services.
const (
	FieldAmount         = "amount"
	FieldDebitAccount   = "debit_account"
	FieldDebitText      = "debit_text"
	FieldCreditAccount  = "credit_account"
	FieldCreditText     = "credit_text"
	FieldUniqueID       = "unique_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldReversesKey    = "reverses_key"
)

// Amount limits mirror the banks' ledger column (10 digits, 2 decimal places).
const (
	AmountPlaces    = 2
	AmountMaxDigits = 10
)

var reservedFields = map[string]struct{}{
	FieldAmount:         {},
	FieldDebitAccount:   {},
	FieldCreditAccount:  {},
	FieldUniqueID:       {},
	FieldIdempotencyKey: {},
	FieldReversesKey:    {},
}

var maxAmount = decimal.New(1, AmountMaxDigits-AmountPlaces)

// Request is a validated transfer instruction. It is immutable once built:
// accessors return copies, and call payloads are derived from it.
type Request struct {
	debitAccount  AccountNumber
	creditAccount AccountNumber
	amount        decimal.Decimal
	metadata      map[string]string
}

// NewRequest validates the input and builds a Request.
// Account numbers are only checked for presence here; routing decides whether
// their prefix is known.
func NewRequest(debit, credit AccountNumber, amount decimal.Decimal, metadata map[string]string) (Request, error) {
	debit = AccountNumber(strings.TrimSpace(string(debit)))
	credit = AccountNumber(strings.TrimSpace(string(credit)))

	if debit == "" {
		return Request{}, errors.NewValidationError(FieldDebitAccount, "is required")
	}
	if credit == "" {
		return Request{}, errors.NewValidationError(FieldCreditAccount, "is required")
	}
	if debit == credit {
		return Request{}, errors.NewValidationError(FieldCreditAccount, "must differ from debit account")
	}
	if err := validateAmount(amount); err != nil {
		return Request{}, err
	}
	for k := range metadata {
		if _, reserved := reservedFields[k]; reserved {
			return Request{}, errors.NewValidationError(k, "is reserved and cannot be passed as metadata")
		}
	}

	return Request{
		debitAccount:  debit,
		creditAccount: credit,
		amount:        amount,
		metadata:      copyMetadata(metadata),
	}, nil
}

// RestoreRequest rebuilds a Request from persisted values without re-validating them.
func RestoreRequest(debit, credit AccountNumber, amount decimal.Decimal, metadata map[string]string) Request {
	return Request{
		debitAccount:  debit,
		creditAccount: credit,
		amount:        amount,
		metadata:      copyMetadata(metadata),
	}
}

func (r Request) DebitAccount() AccountNumber  { return r.debitAccount }
func (r Request) CreditAccount() AccountNumber { return r.creditAccount }
func (r Request) Amount() decimal.Decimal      { return r.amount }

// Metadata returns a copy of the additional form fields (memo texts and the like).
func (r Request) Metadata() map[string]string {
	return copyMetadata(r.metadata)
}

// Equal reports whether both requests describe the same transfer.
func (r Request) Equal(other Request) bool {
	return r.debitAccount == other.debitAccount &&
		r.creditAccount == other.creditAccount &&
		r.amount.Equal(other.amount) &&
		maps.Equal(r.metadata, other.metadata)
}

// IsZero reports whether r was never built.
func (r Request) IsZero() bool {
	return r.debitAccount == "" && r.creditAccount == ""
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.NewValidationError(FieldAmount, "must be greater than 0")
	}
	if !amount.Equal(amount.Round(AmountPlaces)) {
		return errors.NewValidationError(FieldAmount, "must have at most 2 decimal places")
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return errors.NewValidationError(FieldAmount, "exceeds the maximum transferable amount")
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
