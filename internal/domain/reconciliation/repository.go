package reconciliation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for the reconciliation queue
type Repository interface {
	// Enqueue inserts the item unless the attempt already has one. created is
	// false when the existing row was kept.
	Enqueue(ctx context.Context, item *Item) (created bool, err error)

	// GetDue returns pending items whose next attempt time has passed, locking
	// them for the current transaction when one is active
	GetDue(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// GetByID retrieves an item by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)

	// GetByAttemptID retrieves the item recorded for an attempt
	GetByAttemptID(ctx context.Context, attemptID uuid.UUID) (*Item, error)

	// Update persists the item's current state
	Update(ctx context.Context, item *Item) error

	// CountPending returns the number of items still waiting for work
	CountPending(ctx context.Context) (int, error)
}
