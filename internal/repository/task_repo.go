package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, generation_id, provider_task_id, state, result_urls, fail_code, fail_msg, started_at, finished_at, raw_response`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.GenerationID, &t.ProviderTaskID, &t.State, &t.ResultURLs, &t.FailCode, &t.FailMsg, &t.StartedAt, &t.FinishedAt, &t.RawResponse)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO generation_tasks (generation_id, provider_task_id, state, result_urls)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, t.GenerationID, t.ProviderTaskID, t.State, t.ResultURLs).Scan(&t.ID)
}

func (r *TaskRepo) GetByID(ctx context.Context, id int64) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1
	`, id))
}

// Claim atomically moves the task to running and stamps started_at, but only
// if it is currently claimable: queued, pending, or running with a
// started_at older than staleCutoff. Returns whether this caller won the
// claim. This single conditional UPDATE is the only mutual-exclusion
// primitive in the poller: under concurrent claim attempts at most one
// caller sees true, so scheduling the same task twice (or after a crash)
// is always safe.
func (r *TaskRepo) Claim(ctx context.Context, id int64, staleCutoff time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks
		SET state = 'running', started_at = now()
		WHERE id = $1
		  AND (state IN ('queued', 'pending')
		       OR (state = 'running' AND started_at < now() - $2::interval))
	`, id, staleCutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *TaskRepo) MarkSuccess(ctx context.Context, id int64, urls []string, raw json.RawMessage) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks
		SET state = 'success', result_urls = $2, raw_response = $3, finished_at = now()
		WHERE id = $1 AND state NOT IN ('success', 'fail')
	`, id, urls, raw)
	return err
}

func (r *TaskRepo) MarkFail(ctx context.Context, id int64, failCode, failMsg *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks
		SET state = 'fail', fail_code = $2, fail_msg = $3, finished_at = now()
		WHERE id = $1 AND state NOT IN ('success', 'fail')
	`, id, failCode, failMsg)
	return err
}

// MarkPending parks a running task so a later re-schedule can reclaim it.
func (r *TaskRepo) MarkPending(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks SET state = 'pending'
		WHERE id = $1 AND state NOT IN ('success', 'fail')
	`, id)
	return err
}

// SiblingStates returns the states of every task of the generation, ordered
// by id so callers can reason about siblings deterministically.
func (r *TaskRepo) SiblingStates(ctx context.Context, generationID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT state FROM generation_tasks WHERE generation_id = $1 ORDER BY id
	`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var states []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// SiblingIDs returns every task id of the generation, ordered by id.
func (r *TaskRepo) SiblingIDs(ctx context.Context, generationID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM generation_tasks WHERE generation_id = $1 ORDER BY id
	`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRestorable returns ids of tasks that should be re-scheduled on process
// start: anything non-terminal, where running tasks only count once their
// claim has gone stale.
func (r *TaskRepo) ListRestorable(ctx context.Context, staleCutoff time.Duration) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM generation_tasks
		WHERE state IN ('queued', 'pending')
		   OR (state = 'running' AND started_at < now() - $1::interval)
		ORDER BY id
	`, staleCutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *TaskRepo) ListByGeneration(ctx context.Context, generationID int64) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks WHERE generation_id = $1 ORDER BY id
	`, generationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
