package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PriceRepo struct {
	pool *pgxpool.Pool
}

func NewPriceRepo(pool *pgxpool.Pool) *PriceRepo {
	return &PriceRepo{pool: pool}
}

// PriceMap returns option_key -> price_credits for every active row of the model.
func (r *PriceRepo) PriceMap(ctx context.Context, modelKey string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT option_key, price_credits FROM prices
		WHERE model_key = $1 AND active
	`, modelKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var price int64
		if err := rows.Scan(&key, &price); err != nil {
			return nil, err
		}
		out[key] = price
	}
	return out, rows.Err()
}

// ProviderMap returns option_key -> provider_credits for active rows that
// carry a provider cost.
func (r *PriceRepo) ProviderMap(ctx context.Context, modelKey string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT option_key, provider_credits FROM prices
		WHERE model_key = $1 AND active AND provider_credits IS NOT NULL
	`, modelKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var credits int64
		if err := rows.Scan(&key, &credits); err != nil {
			return nil, err
		}
		out[key] = credits
	}
	return out, rows.Err()
}

// SetPrice upserts one price row and reactivates it.
func (r *PriceRepo) SetPrice(ctx context.Context, modelKey, optionKey string, priceCredits int64, providerCredits *int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prices (model_key, option_key, price_credits, provider_credits, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (model_key, option_key)
		DO UPDATE SET price_credits = EXCLUDED.price_credits,
			provider_credits = COALESCE(EXCLUDED.provider_credits, prices.provider_credits),
			active = TRUE
	`, modelKey, optionKey, priceCredits, providerCredits)
	return err
}

// MultiplyAll scales every price row by multiplier, rounding to whole
// credits, and returns the number of rows touched.
func (r *PriceRepo) MultiplyAll(ctx context.Context, multiplier float64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE prices SET price_credits = ROUND(price_credits * $1)
	`, multiplier)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
