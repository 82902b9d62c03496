// Package banktest provides an in-process bank service speaking the bank API,
// with idempotency-key deduplication, call recording and fault injection.
package banktest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Always makes a fault apply to every matching request.
const Always = -1

// Fault changes how the bank answers requests on one path.
type Fault struct {
	// Status answers with this HTTP status instead of the normal response.
	Status int
	// Drop closes the connection without answering.
	Drop bool
	// Apply lets the operation take effect before the fault is served.
	Apply bool
	// Delay stalls the request before anything else happens.
	Delay time.Duration
	// Times is how many requests the fault affects; Always for every request.
	Times int
}

// Entry is one balance change applied by the bank.
type Entry struct {
	Key      string
	Account  string
	Amount   decimal.Decimal
	UniqueID string
	Reversed bool
}

// Bank is a fake bank service.
type Bank struct {
	mu        sync.Mutex
	accounts  map[string]decimal.Decimal
	debits    map[string]*Entry
	credits   map[string]*Entry
	reversals map[string]*Entry
	order     []*Entry
	calls     map[string]int
	faults    map[string]*Fault
	ids       []string
	overdraft bool
}

type Option func(*Bank)

// WithAccount opens an account with the given balance.
func WithAccount(account string, balance string) Option {
	return func(b *Bank) { b.accounts[account] = decimal.RequireFromString(balance) }
}

// WithUniqueIDs makes the bank hand out these correlation ids, in order, before
// falling back to random ones.
func WithUniqueIDs(ids ...string) Option {
	return func(b *Bank) { b.ids = append(b.ids, ids...) }
}

// WithOverdraft allows debits beyond the account balance.
func WithOverdraft() Option {
	return func(b *Bank) { b.overdraft = true }
}

func New(opts ...Option) *Bank {
	b := &Bank{
		accounts:  make(map[string]decimal.Decimal),
		debits:    make(map[string]*Entry),
		credits:   make(map[string]*Entry),
		reversals: make(map[string]*Entry),
		calls:     make(map[string]int),
		faults:    make(map[string]*Fault),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Handler serves the bank API.
func (b *Bank) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(bank.PathValidateCredit, b.serve(bank.PathValidateCredit, b.validate))
	r.Post(bank.PathDebit, b.serve(bank.PathDebit, b.debit))
	r.Post(bank.PathCredit, b.serve(bank.PathCredit, b.credit))
	r.Post(bank.PathReverse, b.serve(bank.PathReverse, b.reverse))
	return r
}

// OpenAccount creates or resets an account.
func (b *Bank) OpenAccount(account string, balance decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[account] = balance
}

// Balance returns the account balance, zero for unknown accounts.
func (b *Bank) Balance(account string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[account]
}

// Calls returns how many requests reached path, including faulted ones.
func (b *Bank) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// TotalCalls returns the number of requests across all paths.
func (b *Bank) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Debits returns the applied debits.
func (b *Bank) Debits() []Entry { return b.entries(b.debits) }

// Credits returns the applied credits.
func (b *Bank) Credits() []Entry { return b.entries(b.credits) }

// Reversals returns the applied reversals.
func (b *Bank) Reversals() []Entry { return b.entries(b.reversals) }

func (b *Bank) entries(m map[string]*Entry) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(m))
	for _, e := range b.order {
		if m[e.Key] == e {
			out = append(out, *e)
		}
	}
	return out
}

// InjectFault installs a fault for path, replacing any previous one.
func (b *Bank) InjectFault(path string, f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f.Times == 0 {
		f.Times = 1
	}
	b.faults[path] = &f
}

type result struct {
	status int
	body   map[string]any
}

func (b *Bank) serve(path string, op func(r *http.Request) result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid form"})
			return
		}

		fault := b.takeFault(path)
		if fault == nil {
			res := op(r)
			writeJSON(w, res.status, res.body)
			return
		}

		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
			}
		}
		if !fault.Drop && fault.Status == 0 {
			res := op(r)
			writeJSON(w, res.status, res.body)
			return
		}
		if fault.Apply {
			op(r)
		}
		if fault.Drop {
			dropConnection(w)
			return
		}
		writeJSON(w, fault.Status, map[string]any{"message": "injected fault"})
	}
}

func (b *Bank) takeFault(path string) *Fault {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[path]++

	f, ok := b.faults[path]
	if !ok {
		return nil
	}
	fault := *f
	if f.Times != Always {
		f.Times--
		if f.Times <= 0 {
			delete(b.faults, path)
		}
	}
	return &fault
}

func (b *Bank) validate(r *http.Request) result {
	account := r.PostForm.Get(transfer.FieldCreditAccount)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[account]; ok {
		return result{http.StatusOK, map[string]any{"message": "account found"}}
	}
	return result{http.StatusForbidden, map[string]any{"message": "account not found"}}
}

func (b *Bank) debit(r *http.Request) result {
	key := idempotencyKey(r)
	account := r.PostForm.Get(transfer.FieldDebitAccount)
	amount, bad := parseAmount(r)
	if bad != nil {
		return *bad
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.debits[key]; ok && key != "" {
		return result{http.StatusOK, map[string]any{transfer.FieldUniqueID: prev.UniqueID}}
	}
	balance, ok := b.accounts[account]
	if !ok {
		return result{http.StatusNotFound, map[string]any{"message": "debit account not found"}}
	}
	if !b.overdraft && balance.LessThan(amount) {
		return result{http.StatusBadRequest, map[string]any{"message": "insufficient funds"}}
	}

	b.accounts[account] = balance.Sub(amount)
	e := &Entry{Key: key, Account: account, Amount: amount, UniqueID: b.nextID()}
	b.record(b.debits, e)
	return result{http.StatusOK, map[string]any{transfer.FieldUniqueID: e.UniqueID}}
}

func (b *Bank) credit(r *http.Request) result {
	key := idempotencyKey(r)
	account := r.PostForm.Get(transfer.FieldCreditAccount)
	uniqueID := r.PostForm.Get(transfer.FieldUniqueID)
	amount, bad := parseAmount(r)
	if bad != nil {
		return *bad
	}
	if uniqueID == "" {
		return result{http.StatusBadRequest, map[string]any{"message": "unique_id is required"}}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.credits[key]; ok && key != "" {
		return result{http.StatusOK, map[string]any{"message": "money transfered to account"}}
	}
	balance, ok := b.accounts[account]
	if !ok {
		return result{http.StatusNotFound, map[string]any{"message": "credit account not found"}}
	}

	b.accounts[account] = balance.Add(amount)
	b.record(b.credits, &Entry{Key: key, Account: account, Amount: amount, UniqueID: uniqueID})
	return result{http.StatusOK, map[string]any{"message": "money transfered to account"}}
}

func (b *Bank) reverse(r *http.Request) result {
	key := idempotencyKey(r)
	reversesKey := r.PostForm.Get(transfer.FieldReversesKey)
	if reversesKey == "" {
		return result{http.StatusBadRequest, map[string]any{"message": "reverses_key is required"}}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reversals[key]; ok && key != "" {
		return result{http.StatusOK, map[string]any{"message": "debit reversed"}}
	}
	debit, ok := b.debits[reversesKey]
	if !ok || debit.Reversed {
		return result{http.StatusOK, map[string]any{"message": "nothing to reverse"}}
	}

	debit.Reversed = true
	b.accounts[debit.Account] = b.accounts[debit.Account].Add(debit.Amount)
	b.record(b.reversals, &Entry{Key: key, Account: debit.Account, Amount: debit.Amount, UniqueID: debit.UniqueID})
	return result{http.StatusOK, map[string]any{"message": "debit reversed"}}
}

func (b *Bank) record(m map[string]*Entry, e *Entry) {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	m[e.Key] = e
	b.order = append(b.order, e)
}

func (b *Bank) nextID() string {
	if len(b.ids) > 0 {
		id := b.ids[0]
		b.ids = b.ids[1:]
		return id
	}
	return uuid.NewString()
}

func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get(bank.HeaderIdempotencyKey); k != "" {
		return k
	}
	return r.PostForm.Get(transfer.FieldIdempotencyKey)
}

func parseAmount(r *http.Request) (decimal.Decimal, *result) {
	amount, err := decimal.NewFromString(r.PostForm.Get(transfer.FieldAmount))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, &result{http.StatusBadRequest, map[string]any{"message": "invalid amount"}}
	}
	return amount, nil
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
