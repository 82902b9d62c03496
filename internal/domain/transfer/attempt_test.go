package transfer_test

import (
	"testing"

	"github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttempt(t *testing.T) *transfer.Attempt {
	t.Helper()
	req, err := transfer.NewRequest("1111000001", "2222000002", decimal.NewFromInt(100), nil)
	require.NoError(t, err)
	a, err := transfer.NewAttempt("req-1", req)
	require.NoError(t, err)
	return a
}

func debitedAttempt(t *testing.T) *transfer.Attempt {
	t.Helper()
	a := newTestAttempt(t)
	require.NoError(t, a.MarkRouted("1111", "http://a", "2222", "http://b"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())
	require.NoError(t, a.MarkDebited("corr-1"))
	return a
}

func TestNewAttempt(t *testing.T) {
	a := newTestAttempt(t)
	assert.Equal(t, transfer.StateStart, a.State)
	assert.Equal(t, "req-1", a.RequestKey)
	assert.NotEqual(t, a.DebitKey(), a.CreditKey())
	assert.Contains(t, a.DebitKey(), a.ID.String())
	assert.Contains(t, a.ReverseKey(), a.ID.String())
}

func TestNewAttempt_Invalid(t *testing.T) {
	req, err := transfer.NewRequest("1111000001", "2222000002", decimal.NewFromInt(1), nil)
	require.NoError(t, err)

	_, err = transfer.NewAttempt("", req)
	assert.ErrorIs(t, err, errors.ErrMissingIdempotencyKey)

	_, err = transfer.NewAttempt("key", transfer.Request{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestAttempt_HappyPath(t *testing.T) {
	a := debitedAttempt(t)
	assert.Equal(t, transfer.StateDebited, a.State)
	assert.Equal(t, transfer.CorrelationID("corr-1"), a.CorrelationID)
	assert.Equal(t, transfer.BankPrefix("2222"), a.CreditBank)

	require.NoError(t, a.MarkCredited())
	assert.Equal(t, transfer.StateCredited, a.State)
	assert.Equal(t, transfer.OutcomeCompleted, a.Outcome)
	assert.True(t, a.IsTerminal())
	assert.NotNil(t, a.CompletedAt)

	res := a.Result()
	assert.True(t, res.Succeeded())
	assert.Equal(t, transfer.BankPrefix("2222"), res.Bank)
	assert.Equal(t, transfer.CorrelationID("corr-1"), res.CorrelationID)
}

func TestAttempt_SkippingStepsFails(t *testing.T) {
	a := newTestAttempt(t)
	err := a.MarkCreditValidated()
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)

	err = a.MarkDebited("corr")
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
	assert.Empty(t, a.CorrelationID)
}

func TestAttempt_BeginDebitOnlyOnce(t *testing.T) {
	a := newTestAttempt(t)
	require.NoError(t, a.MarkRouted("1111", "http://a", "2222", "http://b"))

	err := a.BeginDebit()
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition, "debit before validation")

	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())
	assert.NotNil(t, a.DebitIssuedAt)

	err = a.BeginDebit()
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestAttempt_MarkDebitedRequiresCorrelationID(t *testing.T) {
	a := newTestAttempt(t)
	require.NoError(t, a.MarkRouted("1111", "http://a", "2222", "http://b"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())

	err := a.MarkDebited("")
	assert.ErrorIs(t, err, errors.ErrValidationFailed)
	assert.Equal(t, transfer.StateCreditValidated, a.State)
}

func TestAttempt_AbortCreditFailedCanSettleOrReverse(t *testing.T) {
	a := debitedAttempt(t)
	require.NoError(t, a.Abort(transfer.OutcomeCreditFailed, transfer.StepCredit, "2222", "bank down"))
	assert.Equal(t, transfer.StateAborted, a.State)
	assert.True(t, a.CanTransitionTo(transfer.StateCredited))
	assert.True(t, a.CanTransitionTo(transfer.StateReversed))
	assert.False(t, a.CanTransitionTo(transfer.StateDebited))

	res := a.Result()
	assert.Equal(t, transfer.OutcomeCreditFailed, res.Kind)
	assert.Equal(t, transfer.StepCredit, res.Step)
	assert.Equal(t, transfer.BankPrefix("2222"), res.Bank)
	assert.True(t, res.Reconciling)
	assert.Error(t, res.Err)

	require.NoError(t, a.MarkCredited())
	assert.Equal(t, transfer.OutcomeCompleted, a.Outcome)
	assert.Nil(t, a.LastError)
	assert.False(t, a.Result().Reconciling)
}

func TestAttempt_AbortCreditFailedReversed(t *testing.T) {
	a := debitedAttempt(t)
	require.NoError(t, a.Abort(transfer.OutcomeCreditFailed, transfer.StepCredit, "2222", "bank down"))
	require.NoError(t, a.MarkReversed())
	assert.Equal(t, transfer.StateReversed, a.State)
	assert.True(t, a.IsTerminal())
	assert.False(t, a.Result().Reconciling)

	assert.ErrorIs(t, a.MarkCredited(), errors.ErrInvalidStateTransition)
}

func TestAttempt_DefiniteDebitFailureIsFinal(t *testing.T) {
	a := newTestAttempt(t)
	require.NoError(t, a.MarkRouted("1111", "http://a", "2222", "http://b"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())
	require.NoError(t, a.Abort(transfer.OutcomeDebitFailed, transfer.StepDebit, "1111", "insufficient funds"))

	assert.False(t, a.CanTransitionTo(transfer.StateReversed))
	assert.False(t, a.CanTransitionTo(transfer.StateCredited))
	assert.False(t, a.Result().Reconciling)
}

func TestAttempt_UncertainDebitCanBeReversed(t *testing.T) {
	a := newTestAttempt(t)
	require.NoError(t, a.MarkRouted("1111", "http://a", "2222", "http://b"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())
	a.DebitUncertain = true
	require.NoError(t, a.Abort(transfer.OutcomeDebitFailed, transfer.StepDebit, "1111", "timeout"))

	assert.True(t, a.CanTransitionTo(transfer.StateReversed))
	assert.False(t, a.CanTransitionTo(transfer.StateCredited))
	res := a.Result()
	assert.True(t, res.Uncertain)
	assert.True(t, res.Reconciling)
}

func TestAttempt_RoutingFailure(t *testing.T) {
	a := newTestAttempt(t)
	require.NoError(t, a.Abort(transfer.OutcomeRoutingFailed, transfer.StepRoute, "9999", "no route"))

	res := a.Result()
	assert.Equal(t, transfer.OutcomeRoutingFailed, res.Kind)
	assert.Equal(t, transfer.BankPrefix("9999"), res.Bank)
	assert.Empty(t, res.CorrelationID)
	assert.False(t, res.FundsMoved())
}
