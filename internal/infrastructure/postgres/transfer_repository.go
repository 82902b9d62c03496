package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/interbank/internal/domain/errors"
	"github.com/cassiomorais/interbank/internal/domain/transfer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const attemptColumns = `id, request_key, debit_account, credit_account, amount::text, metadata,
		debit_bank, debit_bank_url, credit_bank, credit_bank_url,
		state, outcome, failed_step, failed_bank, correlation_id, debit_uncertain, last_error,
		debit_issued_at, created_at, updated_at, completed_at`

// TransferRepository implements transfer.Repository using PostgreSQL.
type TransferRepository struct {
	pool *pgxpool.Pool
}

// NewTransferRepository creates a new TransferRepository.
func NewTransferRepository(pool *pgxpool.Pool) *TransferRepository {
	return &TransferRepository{pool: pool}
}

func (r *TransferRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new attempt.
func (r *TransferRepository) Create(ctx context.Context, a *transfer.Attempt) error {
	metadata, err := json.Marshal(a.Request.Metadata())
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO transfer_attempts
		 (id, request_key, debit_account, credit_account, amount, metadata,
		  debit_bank, debit_bank_url, credit_bank, credit_bank_url,
		  state, outcome, failed_step, failed_bank, correlation_id, debit_uncertain, last_error,
		  debit_issued_at, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		a.ID, a.RequestKey, a.Request.DebitAccount().String(), a.Request.CreditAccount().String(),
		a.Request.Amount().StringFixed(transfer.AmountPlaces), metadata,
		nullable(string(a.DebitBank)), nullable(a.DebitBankURL), nullable(string(a.CreditBank)), nullable(a.CreditBankURL),
		string(a.State), nullable(string(a.Outcome)), nullable(string(a.FailedStep)), nullable(string(a.FailedBank)),
		nullable(string(a.CorrelationID)), a.DebitUncertain, a.LastError,
		a.DebitIssuedAt, a.CreatedAt, a.UpdatedAt, a.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transfer attempt: %w", err)
	}
	return nil
}

// GetByID retrieves an attempt by its ID.
func (r *TransferRepository) GetByID(ctx context.Context, id uuid.UUID) (*transfer.Attempt, error) {
	return r.scanAttempt(r.db(ctx).QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM transfer_attempts WHERE id = $1`, id))
}

// GetByRequestKey retrieves an attempt by the key it was submitted with.
func (r *TransferRepository) GetByRequestKey(ctx context.Context, key string) (*transfer.Attempt, error) {
	return r.scanAttempt(r.db(ctx).QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM transfer_attempts WHERE request_key = $1`, key))
}

// Update persists the mutable columns of an attempt.
func (r *TransferRepository) Update(ctx context.Context, a *transfer.Attempt) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE transfer_attempts SET
		  debit_bank=$1, debit_bank_url=$2, credit_bank=$3, credit_bank_url=$4,
		  state=$5, outcome=$6, failed_step=$7, failed_bank=$8, correlation_id=$9,
		  debit_uncertain=$10, last_error=$11, debit_issued_at=$12, updated_at=$13, completed_at=$14
		 WHERE id=$15`,
		nullable(string(a.DebitBank)), nullable(a.DebitBankURL), nullable(string(a.CreditBank)), nullable(a.CreditBankURL),
		string(a.State), nullable(string(a.Outcome)), nullable(string(a.FailedStep)), nullable(string(a.FailedBank)),
		nullable(string(a.CorrelationID)), a.DebitUncertain, a.LastError,
		a.DebitIssuedAt, a.UpdatedAt, a.CompletedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update transfer attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrTransferNotFound
	}
	return nil
}

// ListStale lists attempts stuck in one of the filter's states, oldest first.
func (r *TransferRepository) ListStale(ctx context.Context, f transfer.StaleFilter) ([]*transfer.Attempt, error) {
	if len(f.States) == 0 {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+attemptColumns+` FROM transfer_attempts
		 WHERE state = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`, states, f.UpdatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale transfer attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*transfer.Attempt
	for rows.Next() {
		a, err := r.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *TransferRepository) scanAttempt(row scanner) (*transfer.Attempt, error) {
	var (
		a                                      transfer.Attempt
		debitAccount, creditAccount, amountStr string
		metadata                               []byte
		debitBank, debitURL                    *string
		creditBank, creditURL                  *string
		state                                  string
		outcome, failedStep, failedBank, corr  *string
	)

	err := row.Scan(
		&a.ID, &a.RequestKey, &debitAccount, &creditAccount, &amountStr, &metadata,
		&debitBank, &debitURL, &creditBank, &creditURL,
		&state, &outcome, &failedStep, &failedBank, &corr, &a.DebitUncertain, &a.LastError,
		&a.DebitIssuedAt, &a.CreatedAt, &a.UpdatedAt, &a.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrTransferNotFound
		}
		return nil, fmt.Errorf("scan transfer attempt: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amountStr, err)
	}
	meta := map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	a.Request = transfer.RestoreRequest(
		transfer.AccountNumber(debitAccount), transfer.AccountNumber(creditAccount), amount, meta,
	)
	a.DebitBank = transfer.BankPrefix(deref(debitBank))
	a.DebitBankURL = deref(debitURL)
	a.CreditBank = transfer.BankPrefix(deref(creditBank))
	a.CreditBankURL = deref(creditURL)
	a.State = transfer.State(state)
	a.Outcome = transfer.OutcomeKind(deref(outcome))
	a.FailedStep = transfer.Step(deref(failedStep))
	a.FailedBank = transfer.BankPrefix(deref(failedBank))
	a.CorrelationID = transfer.CorrelationID(deref(corr))
	return &a, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
