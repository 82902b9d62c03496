package transfer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for the transfer journal
type Repository interface {
	// Create stores a new attempt. Returns ErrDuplicateIdempotencyKey if the
	// request key is already journaled.
	Create(ctx context.Context, attempt *Attempt) error

	// GetByID retrieves an attempt by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Attempt, error)

	// GetByRequestKey retrieves an attempt by its submission idempotency key
	GetByRequestKey(ctx context.Context, key string) (*Attempt, error)

	// Update persists the attempt's current state
	Update(ctx context.Context, attempt *Attempt) error

	// ListStale lists attempts left in one of the given states since before the cutoff
	ListStale(ctx context.Context, filter StaleFilter) ([]*Attempt, error)
}

// StaleFilter selects attempts abandoned mid-pipeline.
type StaleFilter struct {
	States        []State
	UpdatedBefore time.Time
	Limit         int
}
