package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/providerbalance"
)

// PriceAdmin is the pricing maintenance surface for operators.
type PriceAdmin interface {
	PriceMap(ctx context.Context, modelKey string) (map[string]int64, error)
	SetPrice(ctx context.Context, modelKey, optionKey string, priceCredits int64, providerCredits *int64) error
	MultiplyAll(ctx context.Context, multiplier float64) (int64, error)
}

// AccountAdmin flips operator-controlled account flags.
type AccountAdmin interface {
	SetBanned(ctx context.Context, id uuid.UUID, banned bool) error
	SetAdminFreeMode(ctx context.Context, id uuid.UUID, enabled bool) error
}

// AdminHandler serves /v1/admin endpoints. Routes are mounted behind
// JWTAuth + RequireAdmin.
type AdminHandler struct {
	Prices  PriceAdmin
	Account AccountAdmin
	Ledger  ledger.Service
	Balance *providerbalance.Service
	Logger  *slog.Logger
}

type setPriceRequest struct {
	ModelKey        string `json:"model_key"`
	OptionKey       string `json:"option_key"`
	PriceCredits    int64  `json:"price_credits"`
	ProviderCredits *int64 `json:"provider_credits"`
}

// SetPrice handles PUT /v1/admin/prices.
func (h *AdminHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ModelKey == "" || req.OptionKey == "" || req.PriceCredits < 0 {
		http.Error(w, `{"error":"model_key, option_key and a non-negative price are required"}`, http.StatusBadRequest)
		return
	}
	if err := h.Prices.SetPrice(r.Context(), req.ModelKey, req.OptionKey, req.PriceCredits, req.ProviderCredits); err != nil {
		h.Logger.Error("set price", "model", req.ModelKey, "option", req.OptionKey, "error", err)
		http.Error(w, `{"error":"failed to set price"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Prices handles GET /v1/admin/prices/{model_key}.
func (h *AdminHandler) PriceList(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// /v1/admin/prices/{model_key}
	if len(parts) != 4 || parts[3] == "" {
		http.Error(w, `{"error":"model key required"}`, http.StatusBadRequest)
		return
	}
	prices, err := h.Prices.PriceMap(r.Context(), parts[3])
	if err != nil {
		h.Logger.Error("load prices", "model", parts[3], "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_key": parts[3], "prices": prices})
}

type multiplyRequest struct {
	Multiplier float64 `json:"multiplier"`
}

// MultiplyPrices handles POST /v1/admin/prices/multiply: bulk rescaling of
// every active price, e.g. after a provider price change.
func (h *AdminHandler) MultiplyPrices(w http.ResponseWriter, r *http.Request) {
	var req multiplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Multiplier <= 0 {
		http.Error(w, `{"error":"multiplier must be > 0"}`, http.StatusBadRequest)
		return
	}
	updated, err := h.Prices.MultiplyAll(r.Context(), req.Multiplier)
	if err != nil {
		h.Logger.Error("multiply prices", "error", err)
		http.Error(w, `{"error":"failed to update prices"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

type adjustCreditsRequest struct {
	AccountID string `json:"account_id"`
	Delta     string `json:"delta"`
	Note      string `json:"note"`
	Key       string `json:"idempotency_key"`
}

// AdjustCredits handles POST /v1/admin/credits: a manual ledger posting.
// The caller supplies the idempotency key so a retried request cannot apply
// the adjustment twice.
func (h *AdminHandler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	var req adjustCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil || delta.IsZero() {
		http.Error(w, `{"error":"delta must be a non-zero decimal"}`, http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, `{"error":"idempotency_key is required"}`, http.StatusBadRequest)
		return
	}
	meta := map[string]any{"note": req.Note}
	if admin != nil {
		meta["admin_id"] = admin.ID.String()
	}
	entry, err := h.Ledger.Post(r.Context(), accountID, delta, models.LedgerReasonAdjustment, meta, "adjust:"+req.Key)
	if err != nil {
		h.Logger.Error("adjust credits", "account_id", accountID, "error", err)
		http.Error(w, `{"error":"failed to adjust credits"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type banRequest struct {
	AccountID string `json:"account_id"`
	Banned    bool   `json:"banned"`
}

// SetBanned handles POST /v1/admin/ban.
func (h *AdminHandler) SetBanned(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Account.SetBanned(r.Context(), accountID, req.Banned); err != nil {
		h.Logger.Error("set banned", "account_id", accountID, "error", err)
		http.Error(w, `{"error":"failed to update account"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type freeModeRequest struct {
	Enabled bool `json:"enabled"`
}

// SetFreeMode handles POST /v1/admin/free-mode: toggles whether the calling
// admin's own generations bypass charging.
func (h *AdminHandler) SetFreeMode(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req freeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Account.SetAdminFreeMode(r.Context(), admin.ID, req.Enabled); err != nil {
		h.Logger.Error("set free mode", "account_id", admin.ID, "error", err)
		http.Error(w, `{"error":"failed to update account"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"free_mode": req.Enabled})
}

type providerBalanceRequest struct {
	Amount int64 `json:"amount"`
}

// ProviderBalance handles GET /v1/admin/provider-balance.
func (h *AdminHandler) ProviderBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Balance.Balance(r.Context())
	if err != nil {
		h.Logger.Error("provider balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_credits": balance})
}

// AddProviderBalance handles POST /v1/admin/provider-balance: records a
// credit top-up purchased from the provider.
func (h *AdminHandler) AddProviderBalance(w http.ResponseWriter, r *http.Request) {
	var req providerBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	balance, err := h.Balance.Add(r.Context(), req.Amount)
	if err != nil {
		h.Logger.Error("add provider balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_credits": balance})
}
