package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/reconciliation"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, attempt_id, kind, status, correlation_id, retry_count, max_retries,
		next_attempt_at, last_error, credit_uncertain, created_at, updated_at, resolved_at`

// ReconciliationRepository implements reconciliation.Repository using PostgreSQL.
type ReconciliationRepository struct {
	pool *pgxpool.Pool
}

// NewReconciliationRepository creates a new ReconciliationRepository.
func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{pool: pool}
}

func (r *ReconciliationRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Enqueue inserts the item. The unique attempt_id keeps a second enqueue of the
// same attempt from creating another row.
func (r *ReconciliationRepository) Enqueue(ctx context.Context, item *reconciliation.Item) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO reconciliation_items
		 (id, attempt_id, kind, status, correlation_id, retry_count, max_retries,
		  next_attempt_at, last_error, credit_uncertain, created_at, updated_at, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (attempt_id) DO NOTHING`,
		item.ID, item.AttemptID, string(item.Kind), string(item.Status), nullable(string(item.CorrelationID)),
		item.RetryCount, item.MaxRetries, item.NextAttemptAt, item.LastError, item.CreditUncertain,
		item.CreatedAt, item.UpdatedAt, item.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue reconciliation item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDue returns pending items that are due, skipping rows another worker holds.
func (r *ReconciliationRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*reconciliation.Item, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+itemColumns+` FROM reconciliation_items
		 WHERE status = 'pending' AND next_attempt_at <= $1
		 ORDER BY next_attempt_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get due reconciliation items: %w", err)
	}
	defer rows.Close()

	var items []*reconciliation.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetByID retrieves an item by its ID.
func (r *ReconciliationRepository) GetByID(ctx context.Context, id uuid.UUID) (*reconciliation.Item, error) {
	return scanItem(r.db(ctx).QueryRow(ctx,
		`SELECT `+itemColumns+` FROM reconciliation_items WHERE id = $1`, id))
}

// GetByAttemptID retrieves the item recorded for an attempt.
func (r *ReconciliationRepository) GetByAttemptID(ctx context.Context, attemptID uuid.UUID) (*reconciliation.Item, error) {
	return scanItem(r.db(ctx).QueryRow(ctx,
		`SELECT `+itemColumns+` FROM reconciliation_items WHERE attempt_id = $1`, attemptID))
}

// Update persists the mutable columns of an item.
func (r *ReconciliationRepository) Update(ctx context.Context, item *reconciliation.Item) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE reconciliation_items SET
		  kind=$1, status=$2, retry_count=$3, max_retries=$4, next_attempt_at=$5,
		  last_error=$6, credit_uncertain=$7, updated_at=$8, resolved_at=$9
		 WHERE id=$10`,
		string(item.Kind), string(item.Status), item.RetryCount, item.MaxRetries, item.NextAttemptAt,
		item.LastError, item.CreditUncertain, item.UpdatedAt, item.ResolvedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update reconciliation item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrReconciliationNotFound
	}
	return nil
}

// CountPending returns how many items still wait for a repair.
func (r *ReconciliationRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM reconciliation_items WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending reconciliation items: %w", err)
	}
	return n, nil
}

func scanItem(row scanner) (*reconciliation.Item, error) {
	var (
		item         reconciliation.Item
		kind, status string
		corr         *string
	)
	err := row.Scan(
		&item.ID, &item.AttemptID, &kind, &status, &corr, &item.RetryCount, &item.MaxRetries,
		&item.NextAttemptAt, &item.LastError, &item.CreditUncertain, &item.CreatedAt, &item.UpdatedAt, &item.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrReconciliationNotFound
		}
		return nil, fmt.Errorf("scan reconciliation item: %w", err)
	}
	item.Kind = reconciliation.Kind(kind)
	item.Status = reconciliation.Status(status)
	item.CorrelationID = transfer.CorrelationID(deref(corr))
	return &item, nil
}
