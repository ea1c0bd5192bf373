// Package handlers serves the v1 HTTP API. Handlers translate between the
// JSON surface and the orchestrator/ledger services; business decisions live
// below this layer.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/modelspec"
	"github.com/pixelforge/backend/internal/orchestrator"
)

// Orchestrator is the subset of the job orchestrator the handler needs.
type Orchestrator interface {
	Create(ctx context.Context, account *models.Account, modelKey, prompt string, options map[string]string, outputs int, referenceURLs []string) (*models.Generation, error)
}

// GenerationReader loads generations and their tasks for the read endpoints.
type GenerationReader interface {
	GetByID(ctx context.Context, id int64) (*models.Generation, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error)
}

type TaskReader interface {
	ListByGeneration(ctx context.Context, generationID int64) ([]*models.Task, error)
}

type GenerationHandler struct {
	Orchestrator Orchestrator
	Generations  GenerationReader
	Tasks        TaskReader
	Ledger       ledger.Service
	Logger       *slog.Logger
}

type generationResponse struct {
	ID          int64          `json:"id"`
	OrderID     string         `json:"order_id"`
	Model       string         `json:"model"`
	Status      string         `json:"status"`
	Outputs     int            `json:"outputs"`
	FinalCost   string         `json:"final_cost_credits"`
	DiscountPct int            `json:"discount_pct"`
	Tasks       []taskResponse `json:"tasks,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type taskResponse struct {
	ID         int64    `json:"id"`
	State      string   `json:"state"`
	ResultURLs []string `json:"result_urls,omitempty"`
	FailCode   *string  `json:"fail_code,omitempty"`
	FailMsg    *string  `json:"fail_msg,omitempty"`
}

// Create handles POST /v1/generations.
// Auth -> RequestGuard (via middleware) -> orchestrator admission -> 202.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	req := middleware.GenerationRequestFromCtx(r.Context())
	if req == nil {
		http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
		return
	}

	generation, err := h.Orchestrator.Create(r.Context(), acc, req.Model, req.Prompt, req.Options, req.Outputs, req.ReferenceURLs)
	if err != nil {
		h.writeCreateError(w, generation, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toGenerationResponse(generation, nil))
}

// writeCreateError maps admission and dispatch errors to API responses. A
// rate-limited dispatch still returns the parked generation so the caller
// can poll it.
func (h *GenerationHandler) writeCreateError(w http.ResponseWriter, generation *models.Generation, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownModel):
		http.Error(w, `{"error":"unknown model"}`, http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrBanned):
		http.Error(w, `{"error":"account is banned"}`, http.StatusForbidden)
	case errors.Is(err, orchestrator.ErrOutputs):
		http.Error(w, `{"error":"invalid output count"}`, http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrRefsRequired):
		http.Error(w, `{"error":"this model requires reference images"}`, http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrTooMany):
		http.Error(w, `{"error":"too many active jobs"}`, http.StatusConflict)
	case errors.Is(err, orchestrator.ErrDailyCap):
		http.Error(w, `{"error":"daily spend cap reached"}`, http.StatusTooManyRequests)
	case errors.Is(err, orchestrator.ErrNoCredits):
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
	case errors.Is(err, orchestrator.ErrProviderBusy):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"generation": toGenerationResponse(generation, nil),
			"notice":     "queued, service busy",
		})
	default:
		h.Logger.Error("create generation", "error", err)
		http.Error(w, `{"error":"generation failed"}`, http.StatusBadGateway)
	}
}

// Get handles GET /v1/generations/{id}.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := extractGenerationID(r)
	if !ok {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}
	generation, err := h.Generations.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("load generation", "generation_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if generation.AccountID != acc.ID && !acc.IsAdmin {
		http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
		return
	}
	tasks, err := h.Tasks.ListByGeneration(r.Context(), id)
	if err != nil {
		h.Logger.Error("load tasks", "generation_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationResponse(generation, tasks))
}

// List handles GET /v1/generations.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	generations, err := h.Generations.ListByAccount(r.Context(), acc.ID, limit)
	if err != nil {
		h.Logger.Error("list generations", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]generationResponse, 0, len(generations))
	for _, g := range generations {
		out = append(out, toGenerationResponse(g, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": out})
}

// Balance handles GET /v1/balance.
func (h *GenerationHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	spent, err := h.Ledger.DailySpent(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("daily spent", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance_credits":     acc.Balance.String(),
		"spent_today_credits": spent.String(),
		"discount_pct":        acc.DiscountPct,
		"free_mode":           acc.FreeMode(),
	})
}

// Ledger handles GET /v1/ledger.
func (h *GenerationHandler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	entries, err := h.Ledger.ListByAccount(r.Context(), acc.ID, limit)
	if err != nil {
		h.Logger.Error("list ledger", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Models handles GET /v1/models: the catalog of models and their options.
func (h *GenerationHandler) Models(w http.ResponseWriter, r *http.Request) {
	specs := modelspec.List()
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		out = append(out, map[string]any{
			"key":                      s.Key,
			"display_name":             s.DisplayName,
			"provider":                 s.Provider,
			"options":                  s.Options,
			"supports_reference_input": s.SupportsReferenceInput,
			"requires_reference_input": s.RequiresReferenceInput,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func toGenerationResponse(g *models.Generation, tasks []*models.Task) generationResponse {
	resp := generationResponse{
		ID:          g.ID,
		OrderID:     g.OrderID,
		Model:       g.Model,
		Status:      g.Status,
		Outputs:     g.OutputsRequested,
		FinalCost:   g.FinalCost.String(),
		DiscountPct: g.DiscountPct,
		Options:     g.Options,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskResponse{
			ID:         t.ID,
			State:      t.State,
			ResultURLs: t.ResultURLs,
			FailCode:   t.FailCode,
			FailMsg:    t.FailMsg,
		})
	}
	return resp
}

func extractGenerationID(r *http.Request) (int64, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// /v1/generations/{id}
	if len(parts) != 3 {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
