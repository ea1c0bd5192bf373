// Package notify delivers results and failure notices to accounts, and
// operational alerts to admins. Delivery is fire-and-forget: a failed
// notification is logged and never rolls back ledger or task state.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type Notifier interface {
	DeliverResults(ctx context.Context, accountID uuid.UUID, generationID int64, urls []string)
	NotifyFailure(ctx context.Context, accountID uuid.UUID, generationID int64, reason string)
	AdminAlert(ctx context.Context, text string)
}

// LogNotifier is the fallback channel when no webhook is configured: it
// records every notification in the process log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) DeliverResults(_ context.Context, accountID uuid.UUID, generationID int64, urls []string) {
	n.log.Info("generation results ready", "account_id", accountID, "generation_id", generationID, "urls", urls)
}

func (n *LogNotifier) NotifyFailure(_ context.Context, accountID uuid.UUID, generationID int64, reason string) {
	n.log.Info("generation failed", "account_id", accountID, "generation_id", generationID, "reason", reason)
}

func (n *LogNotifier) AdminAlert(_ context.Context, text string) {
	n.log.Warn("admin alert", "text", text)
}
