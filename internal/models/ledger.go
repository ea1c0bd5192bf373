package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger reason enums. Every balance change is one of these.
const (
	LedgerReasonCharge      = "generation_charge"
	LedgerReasonRefund      = "generation_refund"
	LedgerReasonSignupBonus = "signup_bonus"
	LedgerReasonPurchase    = "purchase"
	LedgerReasonAdjustment  = "admin_adjustment"
)

// LedgerEntry is an immutable, signed balance adjustment. Entries are only
// ever appended; the cached Account.Balance is the running sum of Delta.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Delta          decimal.Decimal `json:"delta_credits"`
	Reason         string          `json:"reason"`
	Meta           map[string]any  `json:"meta,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
