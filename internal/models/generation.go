package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Generation status enums. Status is written once at creation and then owned
// by the poller's roll-up step.
const (
	GenerationStatusQueued  = "queued"
	GenerationStatusRunning = "running"
	GenerationStatusPending = "pending"
	GenerationStatusSuccess = "success"
	GenerationStatusFail    = "fail"
	GenerationStatusPartial = "partial"
)

// Task state enums. Monotonic except the explicit running -> pending
// max-wait parking path; success and fail are terminal.
const (
	TaskStateQueued  = "queued"
	TaskStatePending = "pending"
	TaskStateRunning = "running"
	TaskStateSuccess = "success"
	TaskStateFail    = "fail"
)

// Generation is one user-initiated job that fans out into one provider
// sub-task per requested output.
type Generation struct {
	ID               int64           `json:"id"`
	OrderID          string          `json:"order_id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Prompt           string          `json:"prompt"`
	Options          map[string]any  `json:"options"`
	OutputsRequested int             `json:"outputs_requested"`
	TotalCost        decimal.Decimal `json:"total_cost_credits"`
	DiscountPct      int             `json:"discount_pct"`
	FinalCost        decimal.Decimal `json:"final_cost_credits"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Task is one provider-side sub-unit of a Generation, tracked by the poller
// to a terminal outcome.
type Task struct {
	ID             int64           `json:"id"`
	GenerationID   int64           `json:"generation_id"`
	ProviderTaskID string          `json:"provider_task_id"`
	State          string          `json:"state"`
	ResultURLs     []string        `json:"result_urls"`
	FailCode       *string         `json:"fail_code,omitempty"`
	FailMsg        *string         `json:"fail_msg,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`
}

// Terminal reports whether the task has reached a state that is never revisited.
func (t *Task) Terminal() bool {
	return t.State == TaskStateSuccess || t.State == TaskStateFail
}
