// Package ledger owns the append-only credit ledger and the cached per-account
// balance. All balance change in the system flows through Post; nothing else
// ever writes accounts.balance_credits.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/models"
)

type Service interface {
	// Post appends an entry and adjusts the balance in one transaction.
	// A duplicate idempotency key returns the already-applied entry and
	// changes nothing, which is what makes charges, refunds, bonuses and
	// purchases safe to retry after a crash or duplicate delivery.
	Post(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, idempotencyKey string) (*models.LedgerEntry, error)
	// PostTx is Post inside a caller-owned transaction.
	PostTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, idempotencyKey string) (*models.LedgerEntry, error)
	DailySpent(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	GrantSignupBonus(ctx context.Context, accountID uuid.UUID, bonus decimal.Decimal) (bool, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) Post(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, idempotencyKey string) (*models.LedgerEntry, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, _, err := s.repo.InsertTx(ctx, tx, accountID, delta, reason, meta, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return entry, nil
}

func (s *service) PostTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, idempotencyKey string) (*models.LedgerEntry, error) {
	entry, _, err := s.repo.InsertTx(ctx, tx, accountID, delta, reason, meta, idempotencyKey)
	return entry, err
}

func (s *service) DailySpent(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return s.repo.DailySpent(ctx, accountID)
}

// GrantSignupBonus credits the one-time signup bonus. Returns false when the
// bonus had already been granted.
func (s *service) GrantSignupBonus(ctx context.Context, accountID uuid.UUID, bonus decimal.Decimal) (bool, error) {
	if bonus.Sign() <= 0 {
		return false, nil
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	key := fmt.Sprintf("signup:%s", accountID)
	_, applied, err := s.repo.InsertTx(ctx, tx, accountID, bonus, models.LedgerReasonSignupBonus,
		map[string]any{"bonus": bonus.String()}, key)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit ledger tx: %w", err)
	}
	return applied, nil
}

func (s *service) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.repo.ListByAccount(ctx, accountID, limit)
}
