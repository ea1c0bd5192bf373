// Package orchestrator admits generation jobs: it enforces the business
// rules, charges the credit ledger, dispatches provider sub-tasks, and rolls
// back the charge when dispatch fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/modelspec"
	"github.com/pixelforge/backend/internal/notify"
	"github.com/pixelforge/backend/internal/observability"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/provider"
	"github.com/pixelforge/backend/internal/providerbalance"
)

// Business-rule violations. Synchronous, non-retryable, and persisted-state
// free: when Create returns one of these, no Job, Task or LedgerEntry exists.
var (
	ErrBanned       = errors.New("banned")
	ErrOutputs      = errors.New("outputs")
	ErrTooMany      = errors.New("too_many")
	ErrDailyCap     = errors.New("daily_cap")
	ErrNoCredits    = errors.New("no_credits")
	ErrRefsRequired = errors.New("refs_required")
	ErrUnknownModel = errors.New("unknown_model")
)

// ErrProviderBusy means the provider rate-limited the dispatch. The job is
// parked as pending (it is not the account's fault); the charge stands for
// the units that were dispatched and the rest is refunded. Callers surface
// it as "queued, service busy".
var ErrProviderBusy = errors.New("provider_busy")

// GenerationStore is the persistence surface Create needs for jobs.
type GenerationStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	SetStatus(ctx context.Context, id int64, status string) error
	CountActiveByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
}

// TaskStore persists the per-output sub-task rows. MarkFail is used to
// retire rows whose job already failed at dispatch, so startup recovery
// never re-schedules a unit that was refunded as part of the whole job.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	MarkFail(ctx context.Context, id int64, failCode, failMsg *string) error
}

// Scheduler hands a freshly created task to the poller. The handle is
// injected here rather than looked up through process-global state.
type Scheduler interface {
	Schedule(ctx context.Context, taskID int64) error
}

// Config is the admission-control slice of the runtime configuration.
type Config struct {
	MaxOutputsPerRequest        int
	PerAccountMaxConcurrentJobs int
	DailySpendCapCredits        decimal.Decimal
	RefundOnFail                bool
}

type Service struct {
	cfg         Config
	generations GenerationStore
	tasks       TaskStore
	ledger      ledger.Service
	resolver    *pricing.Resolver
	client      provider.Client
	scheduler   Scheduler
	balance     *providerbalance.Service
	notifier    notify.Notifier
	metrics     *observability.Metrics
	log         *slog.Logger
}

func NewService(
	cfg Config,
	generations GenerationStore,
	tasks TaskStore,
	ledgerSvc ledger.Service,
	resolver *pricing.Resolver,
	client provider.Client,
	scheduler Scheduler,
	balance *providerbalance.Service,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		generations: generations,
		tasks:       tasks,
		ledger:      ledgerSvc,
		resolver:    resolver,
		client:      client,
		scheduler:   scheduler,
		balance:     balance,
		notifier:    notifier,
		metrics:     metrics,
		log:         log,
	}
}

// Create admits, charges and dispatches one generation job.
//
// Admission failures return a business-rule error before anything is
// persisted. After the job row and charge are committed, a dispatch failure
// retires any task rows already created, marks the job fail, and posts a
// compensating refund (distinct idempotency key, equal magnitude) before
// returning, so no job is ever left both charged and undelivered and no
// retired unit can be refunded a second time. A provider rate limit during
// dispatch instead parks the job as pending, keeping the charge for the
// dispatched units and refunding the share of the rest.
func (s *Service) Create(ctx context.Context, account *models.Account, modelKey, prompt string, options map[string]string, outputs int, referenceURLs []string) (*models.Generation, error) {
	spec := modelspec.Get(modelKey)
	if spec == nil {
		return nil, ErrUnknownModel
	}
	if account.IsBanned {
		return nil, ErrBanned
	}
	if outputs < 1 || outputs > s.cfg.MaxOutputsPerRequest {
		return nil, ErrOutputs
	}

	active, err := s.generations.CountActiveByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= s.cfg.PerAccountMaxConcurrentJobs {
		return nil, ErrTooMany
	}

	options = spec.ValidateOptions(options)
	breakdown, err := s.resolver.ResolveCost(ctx, spec, options, outputs, account.DiscountPct)
	if err != nil {
		return nil, fmt.Errorf("resolve cost: %w", err)
	}
	providerCredits, err := s.resolver.ResolveProviderCredits(ctx, spec, options, outputs)
	if err != nil {
		return nil, fmt.Errorf("resolve provider cost: %w", err)
	}
	finalCost := decimal.NewFromInt(breakdown.Total)

	if !account.IsAdmin {
		spent, err := s.ledger.DailySpent(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("daily spent: %w", err)
		}
		if spent.Add(finalCost).GreaterThan(s.cfg.DailySpendCapCredits) {
			return nil, ErrDailyCap
		}
	}

	freeMode := account.FreeMode()
	if !freeMode && account.Balance.LessThan(finalCost) {
		return nil, ErrNoCredits
	}

	if spec.RequiresReferenceInput && len(referenceURLs) == 0 {
		return nil, ErrRefsRequired
	}

	optionsPayload := make(map[string]any, len(options)+1)
	for k, v := range options {
		optionsPayload[k] = v
	}
	if len(referenceURLs) > 0 {
		optionsPayload["reference_urls"] = referenceURLs
	}

	generation := &models.Generation{
		OrderID:          uuid.NewString(),
		AccountID:        account.ID,
		Provider:         spec.Provider,
		Model:            spec.Key,
		Prompt:           prompt,
		Options:          optionsPayload,
		OutputsRequested: outputs,
		TotalCost:        decimal.NewFromInt(breakdown.Subtotal()),
		DiscountPct:      account.DiscountPct,
		FinalCost:        finalCost,
		Status:           models.GenerationStatusQueued,
	}

	charged, err := s.persistAndCharge(ctx, account, generation, freeMode)
	if err != nil {
		return nil, err
	}
	s.metrics.GenerationCreated(ctx, generation.Model)
	if charged {
		s.metrics.LedgerPosted(ctx, models.LedgerReasonCharge)
	}

	s.spendProviderBalance(ctx, providerCredits)

	taskIDs, err := s.dispatch(ctx, generation, spec, prompt, options, outputs, referenceURLs)
	if err != nil {
		var provErr *provider.Error
		if errors.As(err, &provErr) && provErr.RateLimited() {
			if stErr := s.generations.SetStatus(ctx, generation.ID, models.GenerationStatusPending); stErr != nil {
				s.log.Error("park generation pending", "generation_id", generation.ID, "error", stErr)
			}
			generation.Status = models.GenerationStatusPending
			if charged && s.cfg.RefundOnFail {
				if refundErr := s.refundUndispatched(ctx, account.ID, generation, len(taskIDs)); refundErr != nil {
					s.log.Error("refund undispatched units", "generation_id", generation.ID, "error", refundErr)
				}
			}
			s.scheduleAll(ctx, taskIDs)
			return generation, ErrProviderBusy
		}
		if stErr := s.generations.SetStatus(ctx, generation.ID, models.GenerationStatusFail); stErr != nil {
			s.log.Error("mark generation fail", "generation_id", generation.ID, "error", stErr)
		}
		// Retire the task rows created before the failure. The whole charge
		// comes back below, so these rows must never reach the poller or
		// startup recovery, where a per-unit refund would pay out twice.
		s.abandonTasks(ctx, taskIDs)
		if charged && s.cfg.RefundOnFail {
			if refundErr := s.refundDispatchFailure(ctx, account.ID, generation); refundErr != nil {
				s.log.Error("refund after dispatch failure", "generation_id", generation.ID, "error", refundErr)
			}
		}
		return nil, fmt.Errorf("dispatch tasks: %w", err)
	}

	if err := s.generations.SetStatus(ctx, generation.ID, models.GenerationStatusRunning); err != nil {
		s.log.Error("mark generation running", "generation_id", generation.ID, "error", err)
	}
	generation.Status = models.GenerationStatusRunning
	s.scheduleAll(ctx, taskIDs)
	return generation, nil
}

// persistAndCharge commits the job row and, unless free mode is active, the
// charge entry in one transaction. Returns whether a charge was made.
func (s *Service) persistAndCharge(ctx context.Context, account *models.Account, generation *models.Generation, freeMode bool) (bool, error) {
	tx, err := s.generations.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.generations.CreateTx(ctx, tx, generation); err != nil {
		return false, fmt.Errorf("insert generation: %w", err)
	}

	charged := false
	if !freeMode {
		_, err := s.ledger.PostTx(ctx, tx, account.ID, generation.FinalCost.Neg(), models.LedgerReasonCharge,
			map[string]any{"generation_id": generation.ID, "model": generation.Model},
			fmt.Sprintf("gen:%s", generation.OrderID))
		if err != nil {
			return false, fmt.Errorf("post charge: %w", err)
		}
		charged = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit create tx: %w", err)
	}
	return charged, nil
}

// dispatch creates one provider sub-task and one task row per requested
// output. It returns the ids of the task rows created so far even on error,
// so a rate-limited dispatch can still schedule the units that made it out.
func (s *Service) dispatch(ctx context.Context, generation *models.Generation, spec *modelspec.Spec, prompt string, options map[string]string, outputs int, referenceURLs []string) ([]int64, error) {
	var taskIDs []int64
	for i := 0; i < outputs; i++ {
		input := spec.BuildInput(prompt, options, referenceURLs)
		providerTaskID, err := s.client.CreateTask(ctx, spec.ModelID, input)
		if err != nil {
			return taskIDs, err
		}
		task := &models.Task{
			GenerationID:   generation.ID,
			ProviderTaskID: providerTaskID,
			State:          models.TaskStateQueued,
			ResultURLs:     []string{},
		}
		if err := s.tasks.Create(ctx, task); err != nil {
			return taskIDs, fmt.Errorf("insert task: %w", err)
		}
		taskIDs = append(taskIDs, task.ID)
	}
	return taskIDs, nil
}

func (s *Service) refundDispatchFailure(ctx context.Context, accountID uuid.UUID, generation *models.Generation) error {
	_, err := s.ledger.Post(ctx, accountID, generation.FinalCost, models.LedgerReasonRefund,
		map[string]any{"generation_id": generation.ID},
		fmt.Sprintf("refund:%s", generation.OrderID))
	if err != nil {
		return err
	}
	s.metrics.LedgerPosted(ctx, models.LedgerReasonRefund)
	return nil
}

// abandonTasks fails every task row a broken dispatch left behind.
func (s *Service) abandonTasks(ctx context.Context, taskIDs []int64) {
	code := "dispatch_failed"
	msg := "job failed before dispatch completed"
	for _, id := range taskIDs {
		if err := s.tasks.MarkFail(ctx, id, &code, &msg); err != nil {
			s.log.Error("abandon task", "task_id", id, "error", err)
		}
	}
}

// refundUndispatched returns the share of the charge covering outputs that
// never made it to the provider. A rate-limited dispatch parks the job with
// only the first created sub-tasks; the account keeps paying for those and
// gets the remaining units back, division remainder included, so the charge
// that stands matches what the poller can still deliver or refund per unit.
func (s *Service) refundUndispatched(ctx context.Context, accountID uuid.UUID, generation *models.Generation, created int) error {
	n := int64(generation.OutputsRequested)
	if n == 0 || created >= generation.OutputsRequested {
		return nil
	}
	total := generation.FinalCost.IntPart()
	unit := total / n
	amount := total - unit*int64(created)
	if amount <= 0 {
		return nil
	}
	_, err := s.ledger.Post(ctx, accountID, decimal.NewFromInt(amount), models.LedgerReasonRefund,
		map[string]any{"generation_id": generation.ID, "undispatched_units": generation.OutputsRequested - created},
		fmt.Sprintf("refund:%s:undispatched", generation.OrderID))
	if err != nil {
		return err
	}
	s.metrics.LedgerPosted(ctx, models.LedgerReasonRefund)
	return nil
}

func (s *Service) spendProviderBalance(ctx context.Context, providerCredits int64) {
	if s.balance == nil || providerCredits <= 0 {
		return
	}
	alert, err := s.balance.Spend(ctx, providerCredits)
	if err != nil {
		s.log.Warn("provider balance update failed", "error", err)
		return
	}
	if alert != nil && s.notifier != nil {
		s.notifier.AdminAlert(ctx, alert.String())
	}
}

func (s *Service) scheduleAll(ctx context.Context, taskIDs []int64) {
	for _, id := range taskIDs {
		if err := s.scheduler.Schedule(ctx, id); err != nil {
			// Startup recovery re-scans non-terminal tasks, so a lost
			// schedule is delayed work, not lost work.
			s.log.Error("schedule task", "task_id", id, "error", err)
		}
	}
}
