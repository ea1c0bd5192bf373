// Package poller drives provider sub-tasks to a terminal state. Each
// scheduled task runs as one job in a bounded worker pool; within the job a
// single poll loop sleeps, asks the provider for status, and applies the
// outcome in short independent transactions. The conditional claim in the
// task store is the only mutual exclusion, so scheduling a task twice, from
// two processes, or after a crash is always safe.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/notify"
	"github.com/pixelforge/backend/internal/observability"
	"github.com/pixelforge/backend/internal/provider"
)

// TaskStore is the persistence surface of the poll loop. Every method is a
// single short transaction.
type TaskStore interface {
	GetByID(ctx context.Context, id int64) (*models.Task, error)
	Claim(ctx context.Context, id int64, staleCutoff time.Duration) (bool, error)
	MarkSuccess(ctx context.Context, id int64, urls []string, raw json.RawMessage) error
	MarkFail(ctx context.Context, id int64, failCode, failMsg *string) error
	MarkPending(ctx context.Context, id int64) error
	SiblingStates(ctx context.Context, generationID int64) ([]string, error)
	SiblingIDs(ctx context.Context, generationID int64) ([]int64, error)
	ListRestorable(ctx context.Context, staleCutoff time.Duration) ([]int64, error)
}

type GenerationStore interface {
	GetByID(ctx context.Context, id int64) (*models.Generation, error)
	SetStatus(ctx context.Context, id int64, status string) error
}

// Scheduler queues a poll job for a task, either immediately or after a
// delay. Schedule may be called any number of times per task.
type Scheduler interface {
	Schedule(ctx context.Context, taskID int64) error
	ScheduleAfter(ctx context.Context, taskID int64, delay time.Duration) error
}

type Config struct {
	Backoff                      []time.Duration
	MaxWait                      time.Duration
	StaleRunning                 time.Duration
	RescheduleDelay              time.Duration
	PerAccountMaxPollConcurrency int
	RefundOnFail                 bool
}

type Poller struct {
	cfg         Config
	tasks       TaskStore
	generations GenerationStore
	ledger      ledger.Service
	client      provider.Client
	scheduler   Scheduler
	notifier    notify.Notifier
	metrics     *observability.Metrics
	gates       *accountGates
	log         *slog.Logger

	// sleep is swapped out in tests so backoff sequences run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	tasks TaskStore,
	generations GenerationStore,
	ledgerSvc ledger.Service,
	client provider.Client,
	scheduler Scheduler,
	notifier notify.Notifier,
	metrics *observability.Metrics,
	log *slog.Logger,
) *Poller {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:         cfg,
		tasks:       tasks,
		generations: generations,
		ledger:      ledgerSvc,
		client:      client,
		scheduler:   scheduler,
		notifier:    notifier,
		metrics:     metrics,
		gates:       newAccountGates(cfg.PerAccountMaxPollConcurrency),
		log:         log,
	}
}

// SetScheduler wires the scheduler after construction. The job client that
// schedules polls also hosts the workers that run them, so the two are
// mutually dependent at startup.
func (p *Poller) SetScheduler(s Scheduler) {
	p.scheduler = s
}

// Poll drives one task from claim to a terminal state, a parked state, or a
// lost claim. It is the body of the poll worker and must be idempotent per
// task id.
func (p *Poller) Poll(ctx context.Context, taskID int64) error {
	task, err := p.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.Terminal() {
		return nil
	}
	generation, err := p.generations.GetByID(ctx, task.GenerationID)
	if err != nil {
		return fmt.Errorf("load generation %d: %w", task.GenerationID, err)
	}

	if err := p.gates.acquire(ctx, generation.AccountID); err != nil {
		return err
	}
	defer p.gates.release(generation.AccountID)

	claimed, err := p.tasks.Claim(ctx, taskID, p.cfg.StaleRunning)
	if err != nil {
		return fmt.Errorf("claim task %d: %w", taskID, err)
	}
	if !claimed {
		return nil
	}

	p.metrics.PollStarted(ctx)
	defer p.metrics.PollFinished(ctx)

	return p.loop(ctx, task, generation)
}

// loop polls the provider until the task reaches a terminal status or the
// cumulative wait crosses MaxWait, at which point the task is parked pending
// and a delayed re-schedule is queued.
func (p *Poller) loop(ctx context.Context, task *models.Task, generation *models.Generation) error {
	var waited time.Duration
	for attempt := 0; ; attempt++ {
		delay := p.backoffAt(attempt)
		if err := p.wait(ctx, delay); err != nil {
			// Shutdown mid-poll. The claim goes stale and startup
			// recovery picks the task back up.
			return err
		}
		waited += delay

		p.metrics.PollAttempt(ctx)
		record, err := p.client.GetTask(ctx, task.ProviderTaskID)
		if err != nil {
			if provider.IsTransient(err) {
				p.log.Debug("transient poll error", "task_id", task.ID, "error", err)
			} else {
				p.log.Warn("provider poll failed", "task_id", task.ID, "error", err)
				return p.finishFail(ctx, task, generation, "provider_error", err.Error())
			}
		} else {
			switch p.client.Status(record) {
			case provider.StatusSuccess:
				return p.finishSuccess(ctx, task, generation, record)
			case provider.StatusFail:
				code, msg := p.client.FailInfo(record)
				return p.finishFail(ctx, task, generation, code, msg)
			}
		}

		if waited >= p.cfg.MaxWait {
			return p.park(ctx, task)
		}
	}
}

func (p *Poller) finishSuccess(ctx context.Context, task *models.Task, generation *models.Generation, record json.RawMessage) error {
	urls := p.client.ResultURLs(record)
	if err := p.tasks.MarkSuccess(ctx, task.ID, urls, record); err != nil {
		return fmt.Errorf("mark task %d success: %w", task.ID, err)
	}
	p.metrics.TaskOutcome(ctx, models.TaskStateSuccess)
	p.notifier.DeliverResults(ctx, generation.AccountID, generation.ID, urls)
	return p.rollUp(ctx, generation.ID)
}

func (p *Poller) finishFail(ctx context.Context, task *models.Task, generation *models.Generation, code, msg string) error {
	if err := p.tasks.MarkFail(ctx, task.ID, &code, &msg); err != nil {
		return fmt.Errorf("mark task %d fail: %w", task.ID, err)
	}
	p.metrics.TaskOutcome(ctx, models.TaskStateFail)
	if err := p.refundFailedUnit(ctx, generation, task.ID); err != nil {
		p.log.Error("refund failed unit", "task_id", task.ID, "error", err)
	}
	reason := code
	if msg != "" {
		reason = fmt.Sprintf("%s: %s", code, msg)
	}
	p.notifier.NotifyFailure(ctx, generation.AccountID, generation.ID, reason)
	return p.rollUp(ctx, generation.ID)
}

func (p *Poller) park(ctx context.Context, task *models.Task) error {
	if err := p.tasks.MarkPending(ctx, task.ID); err != nil {
		return fmt.Errorf("park task %d: %w", task.ID, err)
	}
	if err := p.scheduler.ScheduleAfter(ctx, task.ID, p.cfg.RescheduleDelay); err != nil {
		return fmt.Errorf("reschedule task %d: %w", task.ID, err)
	}
	return nil
}

// refundFailedUnit posts this task's share of the job's charge back to the
// account. The share is finalCost divided evenly over the REQUESTED outputs,
// not the sibling rows that happen to exist: a rate-limited dispatch creates
// fewer rows than outputs and refunds the missing share up front, so each
// failed row here must only ever return its own unit. When every output was
// dispatched, the division remainder is assigned to the highest task id so
// the refunds of a fully failed job sum exactly to the charge. The per-task
// idempotency key makes re-running a poll after a crash refund nothing twice.
func (p *Poller) refundFailedUnit(ctx context.Context, generation *models.Generation, taskID int64) error {
	if !p.cfg.RefundOnFail || generation.FinalCost.Sign() <= 0 {
		return nil
	}
	n := int64(generation.OutputsRequested)
	if n == 0 {
		return nil
	}
	ids, err := p.tasks.SiblingIDs(ctx, generation.ID)
	if err != nil {
		return err
	}
	total := generation.FinalCost.IntPart()
	unit := total / n
	amount := unit
	if int64(len(ids)) == n && taskID == ids[len(ids)-1] {
		amount = total - unit*(n-1)
	}
	if amount <= 0 {
		return nil
	}
	_, err = p.ledger.Post(ctx, generation.AccountID, decimal.NewFromInt(amount), models.LedgerReasonRefund,
		map[string]any{"generation_id": generation.ID, "task_id": taskID},
		fmt.Sprintf("refund:%s:%d", generation.OrderID, taskID))
	if err != nil {
		return err
	}
	p.metrics.LedgerPosted(ctx, models.LedgerReasonRefund)
	return nil
}

// rollUp re-derives the generation status from current sibling states. It
// reads nothing else and counts no events, so running it after every
// terminal transition, in any order, converges on the same answer.
func (p *Poller) rollUp(ctx context.Context, generationID int64) error {
	states, err := p.tasks.SiblingStates(ctx, generationID)
	if err != nil {
		return fmt.Errorf("roll up generation %d: %w", generationID, err)
	}
	status := RollUp(states)
	if err := p.generations.SetStatus(ctx, generationID, status); err != nil {
		return fmt.Errorf("set generation %d status: %w", generationID, err)
	}
	return nil
}

// RollUp maps sibling task states to the parent status: all success means
// success, all fail means fail, a fully terminal mix means partial, and
// anything still in flight means running.
func RollUp(states []string) string {
	if len(states) == 0 {
		return models.GenerationStatusRunning
	}
	var succ, fail int
	for _, s := range states {
		switch s {
		case models.TaskStateSuccess:
			succ++
		case models.TaskStateFail:
			fail++
		}
	}
	n := len(states)
	switch {
	case succ == n:
		return models.GenerationStatusSuccess
	case fail == n:
		return models.GenerationStatusFail
	case succ+fail == n:
		return models.GenerationStatusPartial
	default:
		return models.GenerationStatusRunning
	}
}

// RestorePending re-schedules every task a previous process left unfinished:
// queued, pending, or running with a stale claim. The claim decides
// ownership, so double-scheduling against a live process is harmless.
func (p *Poller) RestorePending(ctx context.Context) (int, error) {
	ids, err := p.tasks.ListRestorable(ctx, p.cfg.StaleRunning)
	if err != nil {
		return 0, fmt.Errorf("list restorable tasks: %w", err)
	}
	for _, id := range ids {
		if err := p.scheduler.Schedule(ctx, id); err != nil {
			return 0, fmt.Errorf("schedule task %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		p.log.Info("restored unfinished tasks", "count", len(ids))
	}
	return len(ids), nil
}

func (p *Poller) backoffAt(attempt int) time.Duration {
	if attempt >= len(p.cfg.Backoff) {
		return p.cfg.Backoff[len(p.cfg.Backoff)-1]
	}
	return p.cfg.Backoff[attempt]
}

func (p *Poller) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
