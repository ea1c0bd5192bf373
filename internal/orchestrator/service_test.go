package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/notify"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- GenerationStore mock ---

type mockGenerations struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Generation
	active int
}

func newMockGenerations() *mockGenerations {
	return &mockGenerations{rows: make(map[int64]*models.Generation)}
}

func (m *mockGenerations) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockGenerations) CreateTx(_ context.Context, _ pgx.Tx, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g.ID = m.nextID
	cp := *g
	m.rows[g.ID] = &cp
	return nil
}

func (m *mockGenerations) SetStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("generation %d not found", id)
	}
	g.Status = status
	return nil
}

func (m *mockGenerations) CountActiveByAccount(context.Context, uuid.UUID) (int, error) {
	return m.active, nil
}

func (m *mockGenerations) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

// --- TaskStore mock ---

type mockTasks struct {
	mu     sync.Mutex
	nextID int64
	rows   []*models.Task
}

func (m *mockTasks) Create(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	cp := *t
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockTasks) MarkFail(_ context.Context, id int64, failCode, failMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.ID == id {
			row.State = models.TaskStateFail
			row.FailCode = failCode
			row.FailMsg = failMsg
			return nil
		}
	}
	return fmt.Errorf("task %d not found", id)
}

// --- ledger.Service mock ---

type posting struct {
	AccountID uuid.UUID
	Delta     decimal.Decimal
	Reason    string
	Key       string
}

type mockLedger struct {
	mu       sync.Mutex
	postings []posting
	daily    decimal.Decimal
}

func (m *mockLedger) Post(_ context.Context, accountID uuid.UUID, delta decimal.Decimal, reason string, _ map[string]any, key string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postings = append(m.postings, posting{accountID, delta, reason, key})
	return &models.LedgerEntry{AccountID: accountID, Delta: delta, Reason: reason}, nil
}

func (m *mockLedger) PostTx(ctx context.Context, _ pgx.Tx, accountID uuid.UUID, delta decimal.Decimal, reason string, meta map[string]any, key string) (*models.LedgerEntry, error) {
	return m.Post(ctx, accountID, delta, reason, meta, key)
}

func (m *mockLedger) DailySpent(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return m.daily, nil
}

func (m *mockLedger) GrantSignupBonus(context.Context, uuid.UUID, decimal.Decimal) (bool, error) {
	return false, nil
}

func (m *mockLedger) ListByAccount(context.Context, uuid.UUID, int) ([]*models.LedgerEntry, error) {
	return nil, nil
}

func (m *mockLedger) byReason(reason string) []posting {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []posting
	for _, p := range m.postings {
		if p.Reason == reason {
			out = append(out, p)
		}
	}
	return out
}

// --- provider.Client mock ---

type mockClient struct {
	mu      sync.Mutex
	created int
	failAt  int   // 0 = never fail
	failErr error // error returned at the failAt-th create
}

func (m *mockClient) CreateTask(context.Context, string, map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	if m.failAt > 0 && m.created == m.failAt {
		return "", m.failErr
	}
	return fmt.Sprintf("provider-task-%d", m.created), nil
}

func (m *mockClient) GetTask(context.Context, string) (json.RawMessage, error) { return nil, nil }
func (m *mockClient) Status(json.RawMessage) provider.Status                   { return provider.StatusPending }
func (m *mockClient) ResultURLs(json.RawMessage) []string                      { return nil }
func (m *mockClient) FailInfo(json.RawMessage) (string, string)                { return "", "" }

// --- Scheduler mock ---

type mockScheduler struct {
	mu  sync.Mutex
	ids []int64
}

func (m *mockScheduler) Schedule(_ context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, taskID)
	return nil
}

// --- fake price source ---

type fakePrices struct {
	prices map[string]int64
}

func (f *fakePrices) PriceMap(context.Context, string) (map[string]int64, error) {
	return f.prices, nil
}

func (f *fakePrices) ProviderMap(context.Context, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fixture struct {
	svc         *Service
	generations *mockGenerations
	tasks       *mockTasks
	ledger      *mockLedger
	client      *mockClient
	scheduler   *mockScheduler
}

func newFixture(client *mockClient) *fixture {
	f := &fixture{
		generations: newMockGenerations(),
		tasks:       &mockTasks{},
		ledger:      &mockLedger{},
		client:      client,
		scheduler:   &mockScheduler{},
	}
	resolver := pricing.NewResolver(&fakePrices{prices: map[string]int64{"base": 5}})
	f.svc = NewService(Config{
		MaxOutputsPerRequest:        4,
		PerAccountMaxConcurrentJobs: 2,
		DailySpendCapCredits:        decimal.NewFromInt(500),
		RefundOnFail:                true,
	}, f.generations, f.tasks, f.ledger, resolver, client, f.scheduler, nil, notify.NewLogNotifier(nil), nil, nil)
	return f
}

func account(balance int64) *models.Account {
	return &models.Account{ID: uuid.New(), Balance: decimal.NewFromInt(balance)}
}

// ---------------------------------------------------------------------------
// Admission control
// ---------------------------------------------------------------------------

func TestCreate_AdmissionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown model", func(t *testing.T) {
		f := newFixture(&mockClient{})
		_, err := f.svc.Create(ctx, account(100), "no_such_model", "p", nil, 1, nil)
		if !errors.Is(err, ErrUnknownModel) {
			t.Errorf("got %v, want ErrUnknownModel", err)
		}
	})

	t.Run("banned", func(t *testing.T) {
		f := newFixture(&mockClient{})
		acc := account(100)
		acc.IsBanned = true
		_, err := f.svc.Create(ctx, acc, "nano_banana", "p", nil, 1, nil)
		if !errors.Is(err, ErrBanned) {
			t.Errorf("got %v, want ErrBanned", err)
		}
	})

	t.Run("outputs out of range", func(t *testing.T) {
		f := newFixture(&mockClient{})
		if _, err := f.svc.Create(ctx, account(100), "nano_banana", "p", nil, 0, nil); !errors.Is(err, ErrOutputs) {
			t.Errorf("0 outputs: got %v, want ErrOutputs", err)
		}
		if _, err := f.svc.Create(ctx, account(100), "nano_banana", "p", nil, 5, nil); !errors.Is(err, ErrOutputs) {
			t.Errorf("5 outputs: got %v, want ErrOutputs", err)
		}
	})

	t.Run("too many active jobs", func(t *testing.T) {
		f := newFixture(&mockClient{})
		f.generations.active = 2
		_, err := f.svc.Create(ctx, account(100), "nano_banana", "p", nil, 1, nil)
		if !errors.Is(err, ErrTooMany) {
			t.Errorf("got %v, want ErrTooMany", err)
		}
	})

	t.Run("daily cap", func(t *testing.T) {
		f := newFixture(&mockClient{})
		f.ledger.daily = decimal.NewFromInt(498)
		_, err := f.svc.Create(ctx, account(100), "nano_banana", "p", nil, 1, nil)
		if !errors.Is(err, ErrDailyCap) {
			t.Errorf("got %v, want ErrDailyCap", err)
		}
	})

	t.Run("insufficient credits", func(t *testing.T) {
		f := newFixture(&mockClient{})
		_, err := f.svc.Create(ctx, account(4), "nano_banana", "p", nil, 1, nil)
		if !errors.Is(err, ErrNoCredits) {
			t.Errorf("got %v, want ErrNoCredits", err)
		}
	})

	t.Run("references required", func(t *testing.T) {
		f := newFixture(&mockClient{})
		_, err := f.svc.Create(ctx, account(100), "nano_banana_edit", "p", nil, 1, nil)
		if !errors.Is(err, ErrRefsRequired) {
			t.Errorf("got %v, want ErrRefsRequired", err)
		}
	})

	// No admission failure may leave state behind.
	f := newFixture(&mockClient{})
	f.generations.active = 2
	f.svc.Create(ctx, account(100), "nano_banana", "p", nil, 1, nil)
	if len(f.generations.rows) != 0 || len(f.ledger.postings) != 0 || f.client.created != 0 {
		t.Error("admission failure must not persist a job, post to the ledger, or reach the provider")
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestCreate_ChargesAndDispatches(t *testing.T) {
	f := newFixture(&mockClient{})
	acc := account(100)

	g, err := f.svc.Create(context.Background(), acc, "nano_banana", "a fox", nil, 3, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if g.Status != models.GenerationStatusRunning {
		t.Errorf("status: got %s, want running", g.Status)
	}
	if !g.FinalCost.Equal(decimal.NewFromInt(15)) {
		t.Errorf("final cost: got %s, want 15", g.FinalCost)
	}

	charges := f.ledger.byReason(models.LedgerReasonCharge)
	if len(charges) != 1 {
		t.Fatalf("charges: got %d, want 1", len(charges))
	}
	if !charges[0].Delta.Equal(decimal.NewFromInt(-15)) {
		t.Errorf("charge delta: got %s, want -15", charges[0].Delta)
	}
	if want := "gen:" + g.OrderID; charges[0].Key != want {
		t.Errorf("charge key: got %q, want %q", charges[0].Key, want)
	}

	if len(f.tasks.rows) != 3 {
		t.Fatalf("tasks created: got %d, want 3", len(f.tasks.rows))
	}
	for _, task := range f.tasks.rows {
		if task.GenerationID != g.ID || task.State != models.TaskStateQueued {
			t.Errorf("task %d: generation %d state %s", task.ID, task.GenerationID, task.State)
		}
	}
	if len(f.scheduler.ids) != 3 {
		t.Errorf("scheduled polls: got %d, want 3", len(f.scheduler.ids))
	}
}

func TestCreate_FreeModeSkipsCharge(t *testing.T) {
	f := newFixture(&mockClient{})
	acc := account(0)
	acc.IsAdmin = true
	acc.AdminFreeMode = true

	g, err := f.svc.Create(context.Background(), acc, "nano_banana", "p", nil, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(f.ledger.postings) != 0 {
		t.Errorf("free mode posted %d ledger entries, want 0", len(f.ledger.postings))
	}
	if g.Status != models.GenerationStatusRunning {
		t.Errorf("status: got %s, want running", g.Status)
	}
}

func TestCreate_DiscountApplied(t *testing.T) {
	f := newFixture(&mockClient{})
	acc := account(100)
	acc.DiscountPct = 10

	// 5 * 3 = 15, 10% off rounds up to 14.
	g, err := f.svc.Create(context.Background(), acc, "nano_banana", "p", nil, 3, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !g.FinalCost.Equal(decimal.NewFromInt(14)) {
		t.Errorf("final cost: got %s, want 14", g.FinalCost)
	}
	if !g.TotalCost.Equal(decimal.NewFromInt(15)) {
		t.Errorf("total cost: got %s, want undiscounted 15", g.TotalCost)
	}
}

// ---------------------------------------------------------------------------
// Dispatch failure
// ---------------------------------------------------------------------------

func TestCreate_DispatchFailureRefunds(t *testing.T) {
	client := &mockClient{failAt: 2, failErr: &provider.Error{StatusCode: http.StatusPaymentRequired, Message: "no provider credits"}}
	f := newFixture(client)
	acc := account(100)

	_, err := f.svc.Create(context.Background(), acc, "nano_banana", "p", nil, 3, nil)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if errors.Is(err, ErrProviderBusy) {
		t.Fatal("a 402 is not a rate limit")
	}

	if g := f.generations.rows[1]; g.Status != models.GenerationStatusFail {
		t.Errorf("generation status: got %s, want fail", g.Status)
	}

	refunds := f.ledger.byReason(models.LedgerReasonRefund)
	if len(refunds) != 1 {
		t.Fatalf("refunds: got %d, want 1", len(refunds))
	}
	charges := f.ledger.byReason(models.LedgerReasonCharge)
	if !refunds[0].Delta.Equal(charges[0].Delta.Neg()) {
		t.Errorf("refund %s does not compensate charge %s", refunds[0].Delta, charges[0].Delta)
	}
	if !strings.HasPrefix(refunds[0].Key, "refund:") {
		t.Errorf("refund key %q must differ from the charge key", refunds[0].Key)
	}

	// The row created before the failure must be retired, or startup recovery
	// would re-schedule it and its failure would refund a second unit share.
	if len(f.tasks.rows) != 1 {
		t.Fatalf("task rows: got %d, want 1", len(f.tasks.rows))
	}
	if f.tasks.rows[0].State != models.TaskStateFail {
		t.Errorf("leftover task state: got %s, want fail", f.tasks.rows[0].State)
	}
	if len(f.scheduler.ids) != 0 {
		t.Errorf("scheduled polls after dispatch failure: got %d, want 0", len(f.scheduler.ids))
	}
}

// ---------------------------------------------------------------------------
// Rate limit during dispatch
// ---------------------------------------------------------------------------

func TestCreate_RateLimitParksPending(t *testing.T) {
	client := &mockClient{failAt: 1, failErr: &provider.Error{StatusCode: http.StatusTooManyRequests, Message: "slow down"}}
	f := newFixture(client)
	acc := account(100)

	g, err := f.svc.Create(context.Background(), acc, "nano_banana", "p", nil, 2, nil)
	if !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("got %v, want ErrProviderBusy", err)
	}
	if g == nil {
		t.Fatal("a parked generation must still be returned")
	}
	if g.Status != models.GenerationStatusPending {
		t.Errorf("status: got %s, want pending", g.Status)
	}

	// Nothing was dispatched, so the whole charge comes back while the parked
	// job waits for a manual retry.
	if len(f.ledger.byReason(models.LedgerReasonCharge)) != 1 {
		t.Error("charge must remain in place")
	}
	refunds := f.ledger.byReason(models.LedgerReasonRefund)
	if len(refunds) != 1 {
		t.Fatalf("refunds: got %d, want 1", len(refunds))
	}
	if !refunds[0].Delta.Equal(decimal.NewFromInt(10)) {
		t.Errorf("refund: got %s, want 10", refunds[0].Delta)
	}
	if want := "refund:" + g.OrderID + ":undispatched"; refunds[0].Key != want {
		t.Errorf("refund key: got %q, want %q", refunds[0].Key, want)
	}
}

func TestCreate_RateLimitRefundsUndispatchedShare(t *testing.T) {
	client := &mockClient{failAt: 2, failErr: &provider.Error{StatusCode: http.StatusTooManyRequests, Message: "slow down"}}
	f := newFixture(client)
	acc := account(100)

	g, err := f.svc.Create(context.Background(), acc, "nano_banana", "p", nil, 3, nil)
	if !errors.Is(err, ErrProviderBusy) {
		t.Fatalf("got %v, want ErrProviderBusy", err)
	}

	// One of three units made it out. The account keeps paying 5 for it and
	// gets the 10 covering the other two back.
	refunds := f.ledger.byReason(models.LedgerReasonRefund)
	if len(refunds) != 1 {
		t.Fatalf("refunds: got %d, want 1", len(refunds))
	}
	if !refunds[0].Delta.Equal(decimal.NewFromInt(10)) {
		t.Errorf("refund: got %s, want 10", refunds[0].Delta)
	}
	if want := "refund:" + g.OrderID + ":undispatched"; refunds[0].Key != want {
		t.Errorf("refund key: got %q, want %q", refunds[0].Key, want)
	}

	// The dispatched unit still runs: its row stays queued and gets polled.
	if len(f.tasks.rows) != 1 {
		t.Fatalf("task rows: got %d, want 1", len(f.tasks.rows))
	}
	if f.tasks.rows[0].State != models.TaskStateQueued {
		t.Errorf("dispatched task state: got %s, want queued", f.tasks.rows[0].State)
	}
	if len(f.scheduler.ids) != 1 {
		t.Errorf("scheduled polls: got %d, want 1", len(f.scheduler.ids))
	}
}
