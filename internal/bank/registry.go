package bank

import (
	"fmt"
	"sync"

	domainerrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
)

// Registry resolves accounts to banks and hands out one client per bank, each
// behind its own circuit breaker.
type Registry struct {
	router *Router

	mu    sync.RWMutex
	banks map[transfer.BankPrefix]Bank
}

// NewRegistry creates an HTTP client for every bank in the router's table.
func NewRegistry(router *Router, opts ...Option) *Registry {
	r := &Registry{
		router: router,
		banks:  make(map[transfer.BankPrefix]Bank),
	}
	for _, ep := range router.Endpoints() {
		r.banks[ep.Prefix] = NewClient(ep, opts...)
	}
	return r
}

// Register replaces the client used for a bank prefix.
func (r *Registry) Register(prefix transfer.BankPrefix, b Bank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banks[prefix] = b
}

// Resolve returns the bank owning the account.
func (r *Registry) Resolve(account transfer.AccountNumber) (Endpoint, error) {
	return r.router.Resolve(account)
}

// Get returns the client for a bank prefix.
func (r *Registry) Get(prefix transfer.BankPrefix) (Bank, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.banks[prefix]
	if !ok {
		return nil, fmt.Errorf("no client for bank %q: %w", prefix, domainerrors.ErrRoutingFailed)
	}
	return b, nil
}
