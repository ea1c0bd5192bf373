package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const webhookTimeout = 5 * time.Second

// WebhookNotifier posts notification events as JSON to a single endpoint
// (typically the chat front-end's internal hook).
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		log:        log,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

type webhookEvent struct {
	Kind         string    `json:"kind"`
	AccountID    uuid.UUID `json:"account_id,omitempty"`
	GenerationID int64     `json:"generation_id,omitempty"`
	URLs         []string  `json:"urls,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Text         string    `json:"text,omitempty"`
}

func (n *WebhookNotifier) DeliverResults(ctx context.Context, accountID uuid.UUID, generationID int64, urls []string) {
	n.post(ctx, webhookEvent{Kind: "results", AccountID: accountID, GenerationID: generationID, URLs: urls})
}

func (n *WebhookNotifier) NotifyFailure(ctx context.Context, accountID uuid.UUID, generationID int64, reason string) {
	n.post(ctx, webhookEvent{Kind: "failure", AccountID: accountID, GenerationID: generationID, Reason: reason})
}

func (n *WebhookNotifier) AdminAlert(ctx context.Context, text string) {
	n.post(ctx, webhookEvent{Kind: "admin_alert", Text: text})
}

func (n *WebhookNotifier) post(ctx context.Context, event webhookEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("marshal notification", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("create notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("notification delivery failed", "kind", event.Kind, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("notification endpoint returned non-2xx", "kind", event.Kind, "status", resp.StatusCode)
	}
}
