package poller

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// RiverScheduler queues poll jobs through the shared River client. Duplicate
// inserts for a task are fine; the task claim decides which run does work.
type RiverScheduler struct {
	client *river.Client[pgx.Tx]
}

func NewRiverScheduler(client *river.Client[pgx.Tx]) *RiverScheduler {
	return &RiverScheduler{client: client}
}

var _ Scheduler = (*RiverScheduler)(nil)

func (s *RiverScheduler) Schedule(ctx context.Context, taskID int64) error {
	_, err := s.client.Insert(ctx, PollTaskArgs{TaskID: taskID}, nil)
	return err
}

func (s *RiverScheduler) ScheduleAfter(ctx context.Context, taskID int64, delay time.Duration) error {
	_, err := s.client.Insert(ctx, PollTaskArgs{TaskID: taskID}, &river.InsertOpts{
		ScheduledAt: time.Now().Add(delay),
	})
	return err
}
