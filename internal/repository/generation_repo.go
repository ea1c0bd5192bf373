package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

func (r *GenerationRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const generationColumns = `id, order_id, account_id, provider, model, prompt, options, outputs_requested, total_cost_credits, discount_pct, final_cost_credits, status, created_at, updated_at`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.OrderID, &g.AccountID, &g.Provider, &g.Model, &g.Prompt, &g.Options, &g.OutputsRequested, &g.TotalCost, &g.DiscountPct, &g.FinalCost, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GenerationRepo) CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generations (order_id, account_id, provider, model, prompt, options, outputs_requested, total_cost_credits, discount_pct, final_cost_credits, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, g.OrderID, g.AccountID, g.Provider, g.Model, g.Prompt, g.Options, g.OutputsRequested, g.TotalCost, g.DiscountPct, g.FinalCost, g.Status).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
}

func (r *GenerationRepo) GetByID(ctx context.Context, id int64) (*models.Generation, error) {
	return scanGeneration(r.pool.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE id = $1
	`, id))
}

func (r *GenerationRepo) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// CountActiveByAccount counts the account's generations in a non-terminal
// status, for the admission concurrency cap.
func (r *GenerationRepo) CountActiveByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations
		WHERE account_id = $1 AND status IN ('queued', 'running', 'pending')
	`, accountID).Scan(&n)
	return n, err
}

func (r *GenerationRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}
