package transfer_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apptransfer "github.com/cassiomorais/interbank/internal/application/transfer"
	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/bank/banktest"
	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/cassiomorais/interbank/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	delta    *banktest.Bank
	danske   *banktest.Bank
	registry *bank.Registry
	attempts *testutil.MockTransferRepository
	items    *testutil.MockReconciliationRepository
	outbox   *testutil.MockOutboxRepository
	tx       *testutil.MockTransactionManager
	orch     *apptransfer.Orchestrator
}

func newHarness(t *testing.T, deltaOpts ...banktest.Option) *harness {
	t.Helper()

	delta := banktest.New(append([]banktest.Option{
		banktest.WithAccount(string(testutil.DeltaAccount), "1000"),
	}, deltaOpts...)...)
	danske := banktest.New(banktest.WithAccount(string(testutil.DanskeAccount), "0"))

	deltaSrv := httptest.NewServer(delta.Handler())
	t.Cleanup(deltaSrv.Close)
	danskeSrv := httptest.NewServer(danske.Handler())
	t.Cleanup(danskeSrv.Close)

	router, err := bank.NewRouter(transfer.DefaultPrefixWidth, map[string]string{
		string(testutil.DeltaPrefix):  deltaSrv.URL,
		string(testutil.DanskePrefix): danskeSrv.URL,
	})
	require.NoError(t, err)

	registry := bank.NewRegistry(router,
		bank.WithTimeout(time.Second),
		bank.WithRetryPolicy(bank.RetryPolicy{
			ValidateAttempts: 3,
			DebitAttempts:    2,
			CreditAttempts:   3,
			ReverseAttempts:  3,
			Delay:            time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
		}),
	)

	h := &harness{
		delta:    delta,
		danske:   danske,
		registry: registry,
		attempts: testutil.NewMockTransferRepository(),
		items:    testutil.NewMockReconciliationRepository(),
		outbox:   testutil.NewMockOutboxRepository(),
		tx:       testutil.NewMockTransactionManager(),
	}
	h.orch = apptransfer.NewOrchestrator(h.registry, h.attempts, h.items, h.outbox, h.tx,
		apptransfer.OrchestratorConfig{CreditTimeout: time.Second, MaxCreditRetries: 4, MaxReverseRetries: 6},
		nil, zerolog.Nop())
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, req transfer.Request) (*transfer.Attempt, *transfer.Outcome) {
	t.Helper()
	a := testutil.NewTestAttempt(t, req)
	require.NoError(t, h.attempts.Create(ctx, a))
	out, err := h.orch.Run(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, out)
	return a, out
}

// hookBank runs a callback before delegating a debit.
type hookBank struct {
	bank.Bank
	beforeDebit func(ctx context.Context)
}

func (b hookBank) DebitAccount(ctx context.Context, req transfer.Request, key string) (transfer.CorrelationID, error) {
	if b.beforeDebit != nil {
		b.beforeDebit(ctx)
	}
	return b.Bank.DebitAccount(ctx, req, key)
}

func (h *harness) hookDebit(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	inner, err := h.registry.Get(testutil.DeltaPrefix)
	require.NoError(t, err)
	h.registry.Register(testutil.DeltaPrefix, hookBank{Bank: inner, beforeDebit: fn})
}

func TestOrchestrator_CompletesAcrossBanks(t *testing.T) {
	h := newHarness(t, banktest.WithUniqueIDs("42"))
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCompleted, out.Kind)
	assert.True(t, out.Succeeded())
	assert.NoError(t, out.Err)
	assert.Equal(t, transfer.CorrelationID("42"), out.CorrelationID)
	assert.False(t, out.Reconciling)

	stored := h.attempts.Stored(a.ID)
	require.NotNil(t, stored)
	assert.Equal(t, transfer.StateCredited, stored.State)
	assert.Equal(t, transfer.CorrelationID("42"), stored.CorrelationID)
	assert.Equal(t, []transfer.State{
		transfer.StateStart,
		transfer.StateRouted,
		transfer.StateCreditValidated,
		transfer.StateCreditValidated, // debit issued
		transfer.StateDebited,
		transfer.StateCredited,
	}, h.attempts.States(a.ID))

	assert.True(t, decimal.NewFromInt(900).Equal(h.delta.Balance(string(testutil.DeltaAccount))))
	assert.True(t, decimal.NewFromInt(100).Equal(h.danske.Balance(string(testutil.DanskeAccount))))

	credits := h.danske.Credits()
	require.Len(t, credits, 1)
	assert.Equal(t, "42", credits[0].UniqueID)
	assert.Equal(t, a.CreditKey(), credits[0].Key)

	assert.Empty(t, h.items.Items())
	assert.Equal(t, []string{outbox.EventTransferCompleted}, h.outbox.EventTypes())
	assert.Equal(t, "42", h.outbox.Entries()[0].Payload["correlation_id"])
}

func TestOrchestrator_UnknownCreditAccountMovesNothing(t *testing.T) {
	h := newHarness(t)
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, "2040999999", "100")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCreditAccountNotFound, out.Kind)
	assert.Equal(t, transfer.StepValidateCredit, out.Step)
	assert.Equal(t, testutil.DanskePrefix, out.Bank)
	assert.ErrorIs(t, out.Err, domainErrors.ErrCreditAccountNotFound)
	assert.False(t, out.FundsMoved())

	assert.Equal(t, 0, h.delta.Calls(bank.PathDebit))
	assert.Equal(t, 0, h.danske.Calls(bank.PathCredit))
	assert.Equal(t, 0, h.delta.Calls(bank.PathCredit))
	assert.Nil(t, h.attempts.Stored(a.ID).DebitIssuedAt)
	assert.Empty(t, h.items.Items())
	assert.Equal(t, []string{outbox.EventTransferAborted}, h.outbox.EventTypes())
}

func TestOrchestrator_CreditFailureIsQueuedOnce(t *testing.T) {
	h := newHarness(t, banktest.WithUniqueIDs("99"))
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusInternalServerError, Times: banktest.Always})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCreditFailed, out.Kind)
	assert.Equal(t, transfer.StepCredit, out.Step)
	assert.Equal(t, testutil.DanskePrefix, out.Bank)
	assert.Equal(t, transfer.CorrelationID("99"), out.CorrelationID)
	assert.True(t, out.Reconciling)
	assert.ErrorIs(t, out.Err, domainErrors.ErrBankUnavailable)
	assert.Contains(t, out.Message(), "unsettled")

	debits := h.delta.Debits()
	require.Len(t, debits, 1)
	assert.Equal(t, string(out.CorrelationID), debits[0].UniqueID)
	assert.Equal(t, a.DebitKey(), debits[0].Key)
	assert.Empty(t, h.danske.Credits())

	assert.Equal(t, 1, h.items.EnqueueCalls())
	items := h.items.Items()
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].AttemptID)
	assert.Equal(t, reconciliation.KindRetryCredit, items[0].Kind)
	assert.Equal(t, transfer.CorrelationID("99"), items[0].CorrelationID)
	assert.Equal(t, 4, items[0].MaxRetries)
	assert.False(t, items[0].CreditUncertain, "a 5xx answer means the credit was not applied")

	stored := h.attempts.Stored(a.ID)
	assert.Equal(t, transfer.StateAborted, stored.State)
	assert.Equal(t, transfer.OutcomeCreditFailed, stored.Outcome)
	assert.Equal(t, transfer.CorrelationID("99"), stored.CorrelationID)
	assert.Equal(t, []string{outbox.EventTransferCreditFailed}, h.outbox.EventTypes())
}

func TestOrchestrator_UnansweredCreditIsQueuedAsUncertain(t *testing.T) {
	h := newHarness(t, banktest.WithUniqueIDs("99"))
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Drop: true, Apply: true, Times: banktest.Always})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCreditFailed, out.Kind)
	assert.True(t, out.Reconciling)
	assert.Len(t, h.danske.Credits(), 1, "retries reuse the credit key")

	items := h.items.Items()
	require.Len(t, items, 1)
	assert.Equal(t, a.ID, items[0].AttemptID)
	assert.Equal(t, reconciliation.KindRetryCredit, items[0].Kind)
	assert.True(t, items[0].CreditUncertain)
	assert.False(t, items[0].CanReverse())
}

func TestOrchestrator_CreditRejectedSchedulesReversal(t *testing.T) {
	h := newHarness(t)
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusBadRequest, Times: banktest.Always})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "10")

	_, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCreditFailed, out.Kind)
	assert.NotEmpty(t, out.CorrelationID)
	assert.Equal(t, 1, h.danske.Calls(bank.PathCredit), "rejections are not retried inline")

	items := h.items.Items()
	require.Len(t, items, 1)
	assert.Equal(t, reconciliation.KindReverseDebit, items[0].Kind)
	assert.Equal(t, 6, items[0].MaxRetries)
}

func TestOrchestrator_ShortAccountFailsRouting(t *testing.T) {
	h := newHarness(t)
	req := testutil.NewTestRequest(t, "12", testutil.DanskeAccount, "100")

	_, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeRoutingFailed, out.Kind)
	assert.Equal(t, transfer.StepRoute, out.Step)
	assert.ErrorIs(t, out.Err, domainErrors.ErrRoutingFailed)
	assert.Equal(t, 0, h.delta.TotalCalls())
	assert.Equal(t, 0, h.danske.TotalCalls())
}

func TestOrchestrator_UnregisteredPrefixFailsRouting(t *testing.T) {
	h := newHarness(t)
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, "9999000001", "100")

	_, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeRoutingFailed, out.Kind)
	assert.Equal(t, transfer.BankPrefix("9999"), out.Bank)
	assert.Contains(t, out.Message(), "9999")
	assert.Equal(t, 0, h.delta.TotalCalls())
	assert.Equal(t, 0, h.danske.TotalCalls())
}

func TestOrchestrator_DebitRejectedNeverCredits(t *testing.T) {
	h := newHarness(t)
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "5000")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeDebitFailed, out.Kind)
	assert.Equal(t, testutil.DeltaPrefix, out.Bank)
	assert.False(t, out.Uncertain)
	assert.False(t, out.Reconciling)
	assert.ErrorIs(t, out.Err, domainErrors.ErrBankRejected)
	assert.Empty(t, out.CorrelationID)

	assert.Equal(t, 0, h.danske.Calls(bank.PathCredit))
	assert.Empty(t, h.items.Items())
	assert.NotNil(t, h.attempts.Stored(a.ID).DebitIssuedAt)
	assert.True(t, decimal.NewFromInt(1000).Equal(h.delta.Balance(string(testutil.DeltaAccount))))
}

func TestOrchestrator_UncertainDebitSchedulesReversal(t *testing.T) {
	h := newHarness(t)
	h.delta.InjectFault(bank.PathDebit, banktest.Fault{Drop: true, Apply: true, Times: banktest.Always})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	a, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeDebitFailed, out.Kind)
	assert.True(t, out.Uncertain)
	assert.True(t, out.Reconciling)
	assert.Equal(t, 0, h.danske.Calls(bank.PathCredit))

	require.Len(t, h.delta.Debits(), 1, "retries reuse the debit key")

	items := h.items.Items()
	require.Len(t, items, 1)
	assert.Equal(t, reconciliation.KindReverseDebit, items[0].Kind)
	assert.Equal(t, a.ID, items[0].AttemptID)

	stored := h.attempts.Stored(a.ID)
	assert.True(t, stored.DebitUncertain)
	assert.True(t, stored.CanTransitionTo(transfer.StateReversed))
}

func TestOrchestrator_ValidationUnavailableIsNetworkFailure(t *testing.T) {
	h := newHarness(t)
	h.danske.InjectFault(bank.PathValidateCredit, banktest.Fault{Status: http.StatusServiceUnavailable, Times: banktest.Always})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	_, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeNetworkFailed, out.Kind)
	assert.Contains(t, out.Message(), "receiving bank could not be reached")
	assert.Equal(t, 3, h.danske.Calls(bank.PathValidateCredit))
	assert.Equal(t, 0, h.delta.Calls(bank.PathDebit))
}

func TestOrchestrator_ValidationRecoversFromTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.danske.InjectFault(bank.PathValidateCredit, banktest.Fault{Status: http.StatusBadGateway, Times: 1})
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	_, out := h.run(t, context.Background(), req)

	assert.Equal(t, transfer.OutcomeCompleted, out.Kind)
	assert.Equal(t, 2, h.danske.Calls(bank.PathValidateCredit))
}

func TestOrchestrator_CancelledBeforeDebitMovesNothing(t *testing.T) {
	h := newHarness(t)
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, out := h.run(t, ctx, req)

	assert.Equal(t, transfer.OutcomeNetworkFailed, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.False(t, out.FundsMoved())
	assert.Equal(t, "the transfer was abandoned before any funds moved", out.Message())
	assert.True(t, h.attempts.Stored(a.ID).Result().Abandoned)
	assert.Equal(t, 0, h.delta.TotalCalls())
	assert.Equal(t, 0, h.danske.TotalCalls())
	assert.Equal(t, transfer.StateAborted, h.attempts.Stored(a.ID).State)
}

func TestOrchestrator_CancelAfterDebitStillCredits(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.hookDebit(t, func(context.Context) { cancel() })
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")

	a, out := h.run(t, ctx, req)

	assert.Equal(t, transfer.OutcomeCompleted, out.Kind)
	require.Len(t, h.danske.Credits(), 1)
	assert.Equal(t, transfer.StateCredited, h.attempts.Stored(a.ID).State)
}

func TestOrchestrator_DebitIsJournaledBeforeItIsSent(t *testing.T) {
	h := newHarness(t)
	var journaled *transfer.Attempt

	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")
	a := testutil.NewTestAttempt(t, req)
	require.NoError(t, h.attempts.Create(context.Background(), a))
	h.hookDebit(t, func(context.Context) { journaled = h.attempts.Stored(a.ID) })

	out, err := h.orch.Run(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())

	require.NotNil(t, journaled)
	assert.Equal(t, transfer.StateCreditValidated, journaled.State)
	assert.NotNil(t, journaled.DebitIssuedAt)
}

func TestOrchestrator_JournalFailureBeforeDebitSendsNothing(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("database unavailable")
	h.attempts.UpdateFunc = func(ctx context.Context, a *transfer.Attempt) error {
		if a.DebitIssuedAt != nil {
			return boom
		}
		return nil
	}
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")
	a := testutil.NewTestAttempt(t, req)
	require.NoError(t, h.attempts.Create(context.Background(), a))

	out, err := h.orch.Run(context.Background(), a)

	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.delta.Calls(bank.PathDebit))
	assert.Empty(t, h.outbox.Entries())
}

func TestOrchestrator_RecordFailureIsReported(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("outbox insert failed")
	h.outbox.InsertFunc = func(context.Context, *outbox.Entry) error { return boom }
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")
	a := testutil.NewTestAttempt(t, req)
	require.NoError(t, h.attempts.Create(context.Background(), a))

	out, err := h.orch.Run(context.Background(), a)

	assert.Nil(t, out)
	assert.ErrorIs(t, err, boom)
}
