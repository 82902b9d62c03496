package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/bank/banktest"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/cassiomorais/interbank/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dlqMessage struct {
	attemptID string
	reason    string
}

type fakeDLQ struct {
	mu       sync.Mutex
	messages []dlqMessage
}

func (f *fakeDLQ) PublishToDLQ(_ context.Context, attemptID, reason string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, dlqMessage{attemptID: attemptID, reason: reason})
	return nil
}

type harness struct {
	delta    *banktest.Bank
	danske   *banktest.Bank
	registry *bank.Registry
	attempts *testutil.MockTransferRepository
	items    *testutil.MockReconciliationRepository
	outbox   *testutil.MockOutboxRepository
	locker   *testutil.MockLocker
	dlq      *fakeDLQ
	rec      *Reconciler
	clock    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	delta := banktest.New(banktest.WithAccount(string(testutil.DeltaAccount), "1000"), banktest.WithUniqueIDs("99"))
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

	h := &harness{
		delta:  delta,
		danske: danske,
		registry: bank.NewRegistry(router,
			bank.WithTimeout(time.Second),
			bank.WithRetryPolicy(bank.RetryPolicy{
				ValidateAttempts: 1,
				DebitAttempts:    1,
				CreditAttempts:   1,
				ReverseAttempts:  1,
				Delay:            time.Millisecond,
				MaxDelay:         time.Millisecond,
			}),
		),
		attempts: testutil.NewMockTransferRepository(),
		items:    testutil.NewMockReconciliationRepository(),
		outbox:   testutil.NewMockOutboxRepository(),
		locker:   testutil.NewMockLocker(),
		dlq:      &fakeDLQ{},
		clock:    time.Now(),
	}
	h.rec = NewReconciler(h.registry, h.attempts, h.items, h.outbox, testutil.NewMockTransactionManager(),
		h.locker, h.dlq, cfg, nil, zerolog.Nop())
	h.rec.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// unsettled debits the delta account for real, aborts the attempt with
// CreditFailed and queues a repair of the given kind.
func (h *harness) unsettled(t *testing.T, kind reconciliation.Kind, maxRetries int) (*transfer.Attempt, *reconciliation.Item) {
	t.Helper()
	req := testutil.NewTestRequest(t, testutil.DeltaAccount, testutil.DanskeAccount, "100")
	a := testutil.NewTestAttempt(t, req)
	require.NoError(t, a.MarkRouted(testutil.DeltaPrefix, "http://delta", testutil.DanskePrefix, "http://danske"))
	require.NoError(t, a.MarkCreditValidated())
	require.NoError(t, a.BeginDebit())

	debitBank, err := h.registry.Get(testutil.DeltaPrefix)
	require.NoError(t, err)
	corr, err := debitBank.DebitAccount(context.Background(), req, a.DebitKey())
	require.NoError(t, err)

	require.NoError(t, a.MarkDebited(corr))
	require.NoError(t, a.Abort(transfer.OutcomeCreditFailed, transfer.StepCredit, testutil.DanskePrefix, "credit failed"))
	h.attempts.Put(a)

	item, err := reconciliation.NewItem(a.ID, kind, corr, maxRetries)
	require.NoError(t, err)
	item.NextAttemptAt = h.clock
	_, err = h.items.Enqueue(context.Background(), item)
	require.NoError(t, err)
	return a, item
}

func (h *harness) item(t *testing.T, a *transfer.Attempt) *reconciliation.Item {
	t.Helper()
	item, err := h.items.GetByAttemptID(context.Background(), a.ID)
	require.NoError(t, err)
	return item
}

func balance(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconciler_RetryCreditSettles(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 3)

	n, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := h.attempts.Stored(a.ID)
	assert.Equal(t, transfer.StateCredited, stored.State)
	assert.Equal(t, transfer.OutcomeCompleted, stored.Outcome)
	assert.Equal(t, reconciliation.StatusSettled, h.item(t, a).Status)
	assert.Equal(t, []string{outbox.EventTransferSettled}, h.outbox.EventTypes())

	credits := h.danske.Credits()
	require.Len(t, credits, 1)
	assert.Equal(t, a.CreditKey(), credits[0].Key)
	assert.Equal(t, "99", credits[0].UniqueID, "credit carries the original correlation id")
	assert.True(t, h.danske.Balance(string(testutil.DanskeAccount)).Equal(balance("100")))
	assert.True(t, h.delta.Balance(string(testutil.DeltaAccount)).Equal(balance("900")))
}

func TestReconciler_RetryCreditFailureBacksOff(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute})
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusServiceUnavailable, Times: banktest.Always})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 3)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, a)
	assert.Equal(t, reconciliation.KindRetryCredit, item.Kind)
	assert.Equal(t, reconciliation.StatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, h.clock.Add(time.Second), item.NextAttemptAt)
	require.NotNil(t, item.LastError)

	// not due yet
	n, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.danske.Calls(bank.PathCredit))

	h.advance(time.Second)
	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	item = h.item(t, a)
	assert.Equal(t, 2, item.RetryCount)
	assert.Equal(t, h.clock.Add(2*time.Second), item.NextAttemptAt)
	assert.Equal(t, transfer.StateAborted, h.attempts.Stored(a.ID).State)
	assert.Empty(t, h.outbox.Entries())
}

func TestReconciler_CreditRetriesExhaustedThenReversed(t *testing.T) {
	h := newHarness(t, Config{MaxReverseRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute})
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusBadGateway, Times: banktest.Always})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 1)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, a)
	assert.Equal(t, reconciliation.KindReverseDebit, item.Kind)
	assert.Equal(t, reconciliation.StatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, 2, item.MaxRetries)

	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	stored := h.attempts.Stored(a.ID)
	assert.Equal(t, transfer.StateReversed, stored.State)
	assert.Equal(t, reconciliation.StatusReversed, h.item(t, a).Status)
	assert.Equal(t, []string{outbox.EventTransferReversed}, h.outbox.EventTypes())

	reversals := h.delta.Reversals()
	require.Len(t, reversals, 1)
	assert.Equal(t, a.ReverseKey(), reversals[0].Key)
	assert.True(t, h.delta.Balance(string(testutil.DeltaAccount)).Equal(balance("1000")))
	assert.True(t, h.danske.Balance(string(testutil.DanskeAccount)).IsZero())
}

func TestReconciler_RejectedCreditSwitchesToReversal(t *testing.T) {
	h := newHarness(t, Config{})
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusBadRequest, Times: banktest.Always})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 5)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, a)
	assert.Equal(t, reconciliation.KindReverseDebit, item.Kind)
	assert.Equal(t, 1, h.danske.Calls(bank.PathCredit))
}

func TestReconciler_ReversalExhaustedGoesToManualReview(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute})
	h.delta.InjectFault(bank.PathReverse, banktest.Fault{Status: http.StatusInternalServerError, Times: banktest.Always})
	a, _ := h.unsettled(t, reconciliation.KindReverseDebit, 2)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusPending, h.item(t, a).Status)
	assert.Empty(t, h.dlq.messages)

	h.advance(time.Second)
	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	item := h.item(t, a)
	assert.Equal(t, reconciliation.StatusManualReview, item.Status)
	assert.NotNil(t, item.ResolvedAt)
	assert.Equal(t, transfer.StateAborted, h.attempts.Stored(a.ID).State)
	assert.Equal(t, []string{outbox.EventTransferManualReview}, h.outbox.EventTypes())

	require.Len(t, h.dlq.messages, 1)
	assert.Equal(t, a.ID.String(), h.dlq.messages[0].attemptID)
	assert.Contains(t, h.dlq.messages[0].reason, "reversal failed")

	h.advance(time.Hour)
	n, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "items in manual review are not retried")
}

func TestReconciler_NeverReversesCreditedTransfer(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := h.unsettled(t, reconciliation.KindReverseDebit, 3)

	// settled by someone else since the item was queued
	credited := h.attempts.Stored(a.ID)
	require.NoError(t, credited.MarkCredited())
	h.attempts.Put(credited)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reconciliation.StatusManualReview, h.item(t, a).Status)
	assert.Zero(t, h.delta.Calls(bank.PathReverse))
	assert.Len(t, h.dlq.messages, 1)
}

func TestReconciler_AlreadyCreditedSettlesWithoutCalling(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 3)

	credited := h.attempts.Stored(a.ID)
	require.NoError(t, credited.MarkCredited())
	h.attempts.Put(credited)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reconciliation.StatusSettled, h.item(t, a).Status)
	assert.Zero(t, h.danske.Calls(bank.PathCredit))
}

func TestReconciler_SkipsLockedItems(t *testing.T) {
	h := newHarness(t, Config{})
	a, item := h.unsettled(t, reconciliation.KindRetryCredit, 3)

	err := h.locker.WithLock(context.Background(), "reconcile:"+item.ID.String(), time.Minute, func(ctx context.Context) error {
		n, err := h.rec.RunOnce(ctx)
		assert.Zero(t, n)
		return err
	})
	require.NoError(t, err)

	assert.Zero(t, h.danske.Calls(bank.PathCredit))
	assert.Equal(t, reconciliation.StatusPending, h.item(t, a).Status)
}

func TestReconciler_RetriesAreIdempotentAtTheBank(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute})
	// the bank applies the credit but the answer never arrives
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Drop: true, Apply: true, Times: 1})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 3)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusPending, h.item(t, a).Status)

	h.advance(time.Second)
	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reconciliation.StatusSettled, h.item(t, a).Status)
	assert.Len(t, h.danske.Credits(), 1)
	assert.True(t, h.danske.Balance(string(testutil.DanskeAccount)).Equal(balance("100")))
}

func TestReconciler_UncertainCreditIsNeverReversed(t *testing.T) {
	h := newHarness(t, Config{MaxReverseRetries: 3, BaseDelay: time.Second, MaxDelay: time.Second})
	// every credit is applied but no answer comes back
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Drop: true, Apply: true, Times: banktest.Always})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 1)

	for i := 0; i < 4; i++ {
		_, err := h.rec.RunOnce(context.Background())
		require.NoError(t, err)
		h.advance(time.Second)
	}

	item := h.item(t, a)
	assert.True(t, item.CreditUncertain)
	assert.Equal(t, reconciliation.KindRetryCredit, item.Kind)
	assert.Equal(t, reconciliation.StatusManualReview, item.Status)
	assert.Equal(t, transfer.StateAborted, h.attempts.Stored(a.ID).State)
	assert.Equal(t, []string{outbox.EventTransferManualReview}, h.outbox.EventTypes())

	assert.Zero(t, h.delta.Calls(bank.PathReverse))
	assert.Empty(t, h.delta.Reversals())
	assert.True(t, h.delta.Balance(string(testutil.DeltaAccount)).Equal(balance("900")))
	assert.True(t, h.danske.Balance(string(testutil.DanskeAccount)).Equal(balance("100")))

	require.Len(t, h.dlq.messages, 1)
	assert.Contains(t, h.dlq.messages[0].reason, "credit outcome unknown")
}

func TestReconciler_RejectionAfterUncertainCreditGoesToManualReview(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxDelay: time.Second})
	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Drop: true, Times: 1})
	a, _ := h.unsettled(t, reconciliation.KindRetryCredit, 5)

	_, err := h.rec.RunOnce(context.Background())
	require.NoError(t, err)
	item := h.item(t, a)
	assert.True(t, item.CreditUncertain)
	assert.Equal(t, reconciliation.StatusPending, item.Status)

	h.danske.InjectFault(bank.PathCredit, banktest.Fault{Status: http.StatusBadRequest, Times: banktest.Always})
	h.advance(time.Second)
	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	item = h.item(t, a)
	assert.Equal(t, reconciliation.KindRetryCredit, item.Kind)
	assert.Equal(t, reconciliation.StatusManualReview, item.Status)
	assert.Zero(t, h.delta.Calls(bank.PathReverse))
}

func TestReconciler_UncertainReversalItemIsNotExecuted(t *testing.T) {
	h := newHarness(t, Config{})
	a, item := h.unsettled(t, reconciliation.KindReverseDebit, 3)
	stored, err := h.items.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	stored.MarkCreditUncertain()
	require.NoError(t, h.items.Update(context.Background(), stored))

	_, err = h.rec.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reconciliation.StatusManualReview, h.item(t, a).Status)
	assert.Zero(t, h.delta.Calls(bank.PathReverse))
}
