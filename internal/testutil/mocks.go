package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/outbox"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
)

// --- Transfer Repository Mock ---

// MockTransferRepository is an in-memory transfer.Repository. It stores copies,
// so tests see what was persisted rather than the orchestrator's live value.
type MockTransferRepository struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]transfer.Attempt
	byKey    map[string]uuid.UUID
	history  map[uuid.UUID][]transfer.State

	CreateFunc          func(ctx context.Context, a *transfer.Attempt) error
	GetByIDFunc         func(ctx context.Context, id uuid.UUID) (*transfer.Attempt, error)
	GetByRequestKeyFunc func(ctx context.Context, key string) (*transfer.Attempt, error)
	UpdateFunc          func(ctx context.Context, a *transfer.Attempt) error
	ListStaleFunc       func(ctx context.Context, filter transfer.StaleFilter) ([]*transfer.Attempt, error)
}

func NewMockTransferRepository() *MockTransferRepository {
	return &MockTransferRepository{
		attempts: make(map[uuid.UUID]transfer.Attempt),
		byKey:    make(map[string]uuid.UUID),
		history:  make(map[uuid.UUID][]transfer.State),
	}
}

func (m *MockTransferRepository) Create(ctx context.Context, a *transfer.Attempt) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[a.RequestKey]; ok {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	m.attempts[a.ID] = *a
	m.byKey[a.RequestKey] = a.ID
	m.history[a.ID] = append(m.history[a.ID], a.State)
	return nil
}

func (m *MockTransferRepository) GetByID(ctx context.Context, id uuid.UUID) (*transfer.Attempt, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, domainErrors.ErrTransferNotFound
	}
	return &a, nil
}

func (m *MockTransferRepository) GetByRequestKey(ctx context.Context, key string) (*transfer.Attempt, error) {
	if m.GetByRequestKeyFunc != nil {
		return m.GetByRequestKeyFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, domainErrors.ErrTransferNotFound
	}
	a := m.attempts[id]
	return &a, nil
}

func (m *MockTransferRepository) Update(ctx context.Context, a *transfer.Attempt) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		return domainErrors.ErrTransferNotFound
	}
	m.attempts[a.ID] = *a
	m.history[a.ID] = append(m.history[a.ID], a.State)
	return nil
}

func (m *MockTransferRepository) ListStale(ctx context.Context, filter transfer.StaleFilter) ([]*transfer.Attempt, error) {
	if m.ListStaleFunc != nil {
		return m.ListStaleFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*transfer.Attempt
	for _, a := range m.attempts {
		if !a.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		for _, s := range filter.States {
			if a.State == s {
				a := a
				result = append(result, &a)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Put stores an attempt as-is (test helper).
func (m *MockTransferRepository) Put(a *transfer.Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = *a
	m.byKey[a.RequestKey] = a.ID
}

// Stored returns the persisted copy of an attempt, or nil (test helper).
func (m *MockTransferRepository) Stored(id uuid.UUID) *transfer.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil
	}
	return &a
}

// States returns every state persisted for an attempt, in order (test helper).
func (m *MockTransferRepository) States(id uuid.UUID) []transfer.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transfer.State(nil), m.history[id]...)
}

// --- Reconciliation Repository Mock ---

// MockReconciliationRepository is an in-memory reconciliation.Repository with
// one item per attempt.
type MockReconciliationRepository struct {
	mu        sync.Mutex
	items     map[uuid.UUID]reconciliation.Item
	byAttempt map[uuid.UUID]uuid.UUID
	enqueues  int

	EnqueueFunc        func(ctx context.Context, item *reconciliation.Item) (bool, error)
	GetDueFunc         func(ctx context.Context, now time.Time, limit int) ([]*reconciliation.Item, error)
	GetByIDFunc        func(ctx context.Context, id uuid.UUID) (*reconciliation.Item, error)
	GetByAttemptIDFunc func(ctx context.Context, attemptID uuid.UUID) (*reconciliation.Item, error)
	UpdateFunc         func(ctx context.Context, item *reconciliation.Item) error
	CountPendingFunc   func(ctx context.Context) (int, error)
}

func NewMockReconciliationRepository() *MockReconciliationRepository {
	return &MockReconciliationRepository{
		items:     make(map[uuid.UUID]reconciliation.Item),
		byAttempt: make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *MockReconciliationRepository) Enqueue(ctx context.Context, item *reconciliation.Item) (bool, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueues++
	if _, ok := m.byAttempt[item.AttemptID]; ok {
		return false, nil
	}
	m.items[item.ID] = *item
	m.byAttempt[item.AttemptID] = item.ID
	return true, nil
}

func (m *MockReconciliationRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*reconciliation.Item, error) {
	if m.GetDueFunc != nil {
		return m.GetDueFunc(ctx, now, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*reconciliation.Item
	for _, it := range m.items {
		if it.IsPending() && !it.NextAttemptAt.After(now) {
			it := it
			due = append(due, &it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MockReconciliationRepository) GetByID(ctx context.Context, id uuid.UUID) (*reconciliation.Item, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domainErrors.ErrReconciliationNotFound
	}
	return &it, nil
}

func (m *MockReconciliationRepository) GetByAttemptID(ctx context.Context, attemptID uuid.UUID) (*reconciliation.Item, error) {
	if m.GetByAttemptIDFunc != nil {
		return m.GetByAttemptIDFunc(ctx, attemptID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAttempt[attemptID]
	if !ok {
		return nil, domainErrors.ErrReconciliationNotFound
	}
	it := m.items[id]
	return &it, nil
}

func (m *MockReconciliationRepository) Update(ctx context.Context, item *reconciliation.Item) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return domainErrors.ErrReconciliationNotFound
	}
	m.items[item.ID] = *item
	return nil
}

func (m *MockReconciliationRepository) CountPending(ctx context.Context) (int, error) {
	if m.CountPendingFunc != nil {
		return m.CountPendingFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.items {
		if it.IsPending() {
			n++
		}
	}
	return n, nil
}

// Items returns copies of every stored item (test helper).
func (m *MockReconciliationRepository) Items() []reconciliation.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]reconciliation.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out
}

// EnqueueCalls returns how many times Enqueue was called (test helper).
func (m *MockReconciliationRepository) EnqueueCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueues
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository records inserted entries and tracks their status.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc    func(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc    func(ctx context.Context, id uuid.UUID) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*outbox.Entry
	for _, e := range m.entries {
		if e.Status == outbox.StatusPending {
			pending = append(pending, e)
			if limit > 0 && len(pending) == limit {
				break
			}
		}
	}
	return pending, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	return m.with(id, func(e *outbox.Entry) {
		now := time.Now()
		e.Status = outbox.StatusPublished
		e.PublishedAt = &now
	})
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id)
	}
	return m.with(id, func(e *outbox.Entry) {
		e.RetryCount++
		if e.Exhausted() {
			e.Status = outbox.StatusFailed
		}
	})
}

func (m *MockOutboxRepository) with(id uuid.UUID, fn func(e *outbox.Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			fn(e)
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s not found", id)
}

// Entries returns the recorded entries (test helper).
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Entry(nil), m.entries...)
}

// EventTypes returns the event type of every recorded entry, in order (test helper).
func (m *MockOutboxRepository) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.entries))
	for i, e := range m.entries {
		types[i] = e.EventType
	}
	return types
}

// --- Locker Mock ---

// MockLocker is an in-process lock table.
type MockLocker struct {
	mu   sync.Mutex
	held map[string]bool

	WithLockFunc func(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: make(map[string]bool)}
}

func (m *MockLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if m.WithLockFunc != nil {
		return m.WithLockFunc(ctx, key, ttl, fn)
	}
	m.mu.Lock()
	if m.held[key] {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", key, domainErrors.ErrLockAcquisitionFailed)
	}
	m.held[key] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}()
	return fn(ctx)
}
