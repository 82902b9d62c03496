package transfer_test

import (
	"testing"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestNewRequest_Valid(t *testing.T) {
	meta := map[string]string{transfer.FieldDebitText: "rent", transfer.FieldCreditText: "from bob"}
	req, err := transfer.NewRequest(" 1111000001 ", "2222000002", mustAmount(t, "125.50"), meta)
	require.NoError(t, err)

	assert.Equal(t, transfer.AccountNumber("1111000001"), req.DebitAccount())
	assert.Equal(t, transfer.AccountNumber("2222000002"), req.CreditAccount())
	assert.Equal(t, "125.5", req.Amount().String())
	assert.Equal(t, "rent", req.Metadata()[transfer.FieldDebitText])
	assert.False(t, req.IsZero())
}

func TestNewRequest_MetadataIsCopied(t *testing.T) {
	meta := map[string]string{transfer.FieldDebitText: "rent"}
	req, err := transfer.NewRequest("1111000001", "2222000002", mustAmount(t, "10"), meta)
	require.NoError(t, err)

	meta[transfer.FieldDebitText] = "changed"
	assert.Equal(t, "rent", req.Metadata()[transfer.FieldDebitText])

	out := req.Metadata()
	out[transfer.FieldDebitText] = "changed again"
	assert.Equal(t, "rent", req.Metadata()[transfer.FieldDebitText])
}

func TestNewRequest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		debit  transfer.AccountNumber
		credit transfer.AccountNumber
		amount string
		meta   map[string]string
		field  string
	}{
		{"missing debit", "  ", "2222000002", "10", nil, transfer.FieldDebitAccount},
		{"missing credit", "1111000001", "", "10", nil, transfer.FieldCreditAccount},
		{"same account", "1111000001", "1111000001", "10", nil, transfer.FieldCreditAccount},
		{"zero amount", "1111000001", "2222000002", "0", nil, transfer.FieldAmount},
		{"negative amount", "1111000001", "2222000002", "-5", nil, transfer.FieldAmount},
		{"too many places", "1111000001", "2222000002", "1.005", nil, transfer.FieldAmount},
		{"too large", "1111000001", "2222000002", "100000000", nil, transfer.FieldAmount},
		{"reserved metadata", "1111000001", "2222000002", "10", map[string]string{transfer.FieldUniqueID: "x"}, transfer.FieldUniqueID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transfer.NewRequest(tt.debit, tt.credit, mustAmount(t, tt.amount), tt.meta)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidationFailed)

			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewRequest_MaxAmountBoundary(t *testing.T) {
	_, err := transfer.NewRequest("1111000001", "2222000002", mustAmount(t, "99999999.99"), nil)
	assert.NoError(t, err)
}

func TestRequest_ZeroValue(t *testing.T) {
	var req transfer.Request
	assert.True(t, req.IsZero())
	assert.Empty(t, req.Metadata())
}

func TestAccountNumber_Prefix(t *testing.T) {
	p, ok := transfer.AccountNumber("1234567890").Prefix(transfer.DefaultPrefixWidth)
	assert.True(t, ok)
	assert.Equal(t, transfer.BankPrefix("1234"), p)

	_, ok = transfer.AccountNumber("123").Prefix(transfer.DefaultPrefixWidth)
	assert.False(t, ok)

	_, ok = transfer.AccountNumber("1234").Prefix(0)
	assert.False(t, ok)

	p, ok = transfer.AccountNumber("ÄÖÜß99").Prefix(4)
	assert.True(t, ok)
	assert.Equal(t, transfer.BankPrefix("ÄÖÜß"), p)
}

func TestRequest_Equal(t *testing.T) {
	a, err := transfer.NewRequest("1111000001", "2222000002", mustAmount(t, "10.00"), map[string]string{transfer.FieldDebitText: "rent"})
	require.NoError(t, err)
	b, err := transfer.NewRequest("1111000001", "2222000002", mustAmount(t, "10"), map[string]string{transfer.FieldDebitText: "rent"})
	require.NoError(t, err)
	c, err := transfer.NewRequest("1111000001", "2222000002", mustAmount(t, "10.01"), map[string]string{transfer.FieldDebitText: "rent"})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
