// Package batch runs sets of conversion jobs against a bounded worker
// budget with per-job failure isolation: one bad file or plugin never
// stops dispatch of the rest of the batch.
package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/pkg/logger"
)

var log = logger.Get("Batch")

// DefaultConcurrency bounds parallel conversions when the caller does
// not supply a limit.
const DefaultConcurrency = 4

// Orchestrator schedules batches of jobs on to the executor.
type Orchestrator struct {
	executor *job.Executor
}

func NewOrchestrator(executor *job.Executor) *Orchestrator {
	return &Orchestrator{executor: executor}
}

// RunBatch creates one job per source and dispatches them against a
// worker budget bounded by concurrency, returning one outcome per input
// in input order regardless of completion order.
//
// A single job's failure or cancellation never stops dispatch of the
// remaining jobs. Cancelling the context stops further dispatching and
// marks every job not yet terminal as Cancelled; outcomes for all inputs
// are still returned.
func (o *Orchestrator) RunBatch(ctx context.Context, sources []string, target format.Kind, options map[string]any, concurrency int) []job.Outcome {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	batchID := uuid.New()
	log.Emit(logger.NEW, "Batch %s: %d sources → %s (concurrency %d)\n", batchID, len(sources), target, concurrency)

	// Submit everything up front so job IDs are assigned in input order
	// and a queued job exists for every source even if dispatch is cut
	// short by context cancellation.
	jobs := make([]*job.Job, len(sources))
	for i, source := range sources {
		jobs[i] = o.executor.Submit(source, target, "", options)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for _, j := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while waiting for a worker slot; the
			// remaining jobs are still Queued and are swept below.
			break
		}

		wg.Add(1)
		go func(j *job.Job) {
			defer wg.Done()
			defer sem.Release(1)

			if err := o.executor.Dispatch(ctx, j); err != nil {
				// Pre-execution failure: the job remains Queued and its
				// outcome reports why it could not start.
				log.Emit(logger.WARNING, "Batch %s: %v\n", batchID, err)
			}
		}(j)
	}

	wg.Wait()

	outcomes := make([]job.Outcome, len(jobs))
	for i, j := range jobs {
		if ctx.Err() != nil && !j.Status().Terminal() {
			// Swept by batch-level cancellation before it could run.
			_ = o.executor.Cancel(j.ID())
		}
		outcomes[i] = j.Outcome()
	}

	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Status == job.Succeeded {
			succeeded++
		}
	}
	log.Emit(logger.INFO, "Batch %s complete: %d/%d succeeded\n", batchID, succeeded, len(outcomes))

	return outcomes
}
