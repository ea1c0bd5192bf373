package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// insertEntrySQL appends one entry unless its idempotency key already
// exists. The arbiter predicate must repeat the partial unique index from
// the schema (credit_ledger_idempotency_key_idx), or Postgres cannot infer
// the index and rejects the statement outright.
const insertEntrySQL = `
	INSERT INTO credit_ledger (account_id, delta_credits, reason, meta, idempotency_key)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	RETURNING id, created_at
`

// InsertTx appends one ledger entry and adjusts the cached account balance
// by the same delta, inside the caller's transaction. When idempotencyKey is
// non-empty and an entry with that key already exists, nothing is written:
// the existing entry comes back with applied == false and the balance is
// left untouched. The unique index on idempotency_key is what makes this
// race-free; the insert and the duplicate check are a single statement.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, idempotencyKey string) (*models.LedgerEntry, bool, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	entry := &models.LedgerEntry{
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason,
		Meta:      meta,
	}
	if idempotencyKey != "" {
		entry.IdempotencyKey = &idempotencyKey
	}

	err := tx.QueryRow(ctx, insertEntrySQL,
		accountID, delta, reason, meta, entry.IdempotencyKey).Scan(&entry.ID, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := r.getByKeyTx(ctx, tx, idempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts SET balance_credits = balance_credits + $2, updated_at = now()
		WHERE id = $1
	`, accountID, delta)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (r *Repository) getByKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, delta_credits, reason, meta, idempotency_key, created_at
		FROM credit_ledger WHERE idempotency_key = $1
	`, key).Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Meta, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DailySpent sums the magnitude of generation charges over the trailing 24
// hours, for the daily spend cap.
func (r *Repository) DailySpent(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta_credits), 0) FROM credit_ledger
		WHERE account_id = $1 AND reason = $2 AND created_at >= now() - interval '24 hours'
	`, accountID, models.LedgerReasonCharge).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Abs(), nil
}

func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, delta_credits, reason, meta, idempotency_key, created_at
		FROM credit_ledger WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Meta, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
