package testutil

import (
	"testing"
	"time"

	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Account numbers owned by the two banks of the default routing table.
const (
	DeltaPrefix  transfer.BankPrefix = "8075"
	DanskePrefix transfer.BankPrefix = "2040"

	DeltaAccount  transfer.AccountNumber = "8075000001"
	DanskeAccount transfer.AccountNumber = "2040000002"
)

func NewTestRequest(t *testing.T, debit, credit transfer.AccountNumber, amount string) transfer.Request {
	t.Helper()
	req, err := transfer.NewRequest(debit, credit, decimal.RequireFromString(amount), map[string]string{
		transfer.FieldDebitText:  "test debit",
		transfer.FieldCreditText: "test credit",
	})
	require.NoError(t, err)
	return req
}

func NewTestAttempt(t *testing.T, req transfer.Request) *transfer.Attempt {
	t.Helper()
	a, err := transfer.NewAttempt(uuid.New().String(), req)
	require.NoError(t, err)
	return a
}

// NewDebitedAttempt returns an attempt that got a correlation id from the debit
// bank and was last touched at updatedAt.
func NewDebitedAttempt(t *testing.T, req transfer.Request, corr transfer.CorrelationID, updatedAt time.Time) *transfer.Attempt {
	t.Helper()
	a := NewTestAttempt(t, req)
	require.NoError(t, a.MarkRouted(DeltaPrefix, "http://delta", DanskePrefix, "http://danske"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())
	require.NoError(t, a.MarkDebited(corr))
	a.UpdatedAt = updatedAt
	return a
}
