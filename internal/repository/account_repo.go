package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, email, display_name, password_hash, balance_credits, is_admin, is_banned, admin_free_mode, discount_pct, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Balance, &a.IsAdmin, &a.IsBanned, &a.AdminFreeMode, &a.DiscountPct, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE email = $1
	`, email))
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, balance_credits, is_admin, is_banned, admin_free_mode, discount_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Balance, a.IsAdmin, a.IsBanned, a.AdminFreeMode, a.DiscountPct).Scan(&a.CreatedAt, &a.UpdatedAt)
}

// SetBanned flips the banned flag; an admin/operator concern, kept here so
// the core owns all account mutations.
func (r *AccountRepo) SetBanned(ctx context.Context, id uuid.UUID, banned bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET is_banned = $2, updated_at = now() WHERE id = $1
	`, id, banned)
	return err
}

func (r *AccountRepo) SetAdminFreeMode(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET admin_free_mode = $2, updated_at = now() WHERE id = $1 AND is_admin
	`, id, enabled)
	return err
}
