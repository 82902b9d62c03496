package transfer

import (
	"context"
	"time"

	"github.com/cassiomorais/interbank/internal/bank"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// BankDirectory resolves accounts to banks and returns their clients.
type BankDirectory interface {
	Resolve(account transfer.AccountNumber) (bank.Endpoint, error)
	Get(prefix transfer.BankPrefix) (bank.Bank, error)
}

// Locker serializes work on one key across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}
