package poller

import (
	"context"

	"github.com/riverqueue/river"
)

type PollTaskArgs struct {
	TaskID int64 `json:"task_id"`
}

func (PollTaskArgs) Kind() string { return "poll_task" }

// PollTaskWorker runs one claim-to-terminal poll cycle per job. The queue's
// MaxWorkers setting is the global concurrency gate on active polls.
type PollTaskWorker struct {
	river.WorkerDefaults[PollTaskArgs]
	poller *Poller
}

func NewPollTaskWorker(p *Poller) *PollTaskWorker {
	return &PollTaskWorker{poller: p}
}

func (w *PollTaskWorker) Work(ctx context.Context, job *river.Job[PollTaskArgs]) error {
	return w.poller.Poll(ctx, job.Args.TaskID)
}
