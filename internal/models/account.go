package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID            uuid.UUID       `json:"id"`
	Email         string          `json:"email"`
	DisplayName   string          `json:"display_name"`
	PasswordHash  string          `json:"-"`
	Balance       decimal.Decimal `json:"balance_credits"`
	IsAdmin       bool            `json:"is_admin"`
	IsBanned      bool            `json:"is_banned"`
	AdminFreeMode bool            `json:"admin_free_mode"`
	DiscountPct   int             `json:"discount_pct"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FreeMode reports whether charging is bypassed for this account.
// Only admins may run in free mode.
func (a *Account) FreeMode() bool {
	return a.IsAdmin && a.AdminFreeMode
}
