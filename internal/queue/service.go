package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/meltforge/meltforge/internal/event"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/pkg/logger"
	"github.com/meltforge/meltforge/pkg/worker"
)

var log = logger.Get("QueueServ")

// queueService drains the persistent queue through the job executor.
// A pool of sleeping workers claims QUEUED items one at a time; the
// pool is woken whenever a new item is added.
type queueService struct {
	mu       sync.Mutex
	store    *Store
	executor *job.Executor
	eventBus event.EventCoordinator

	workerPool *worker.WorkerPool
	runCtx     context.Context
	running    map[int64]int64
}

// New creates a queue service draining the provided store with
// 'parallelism' workers. Items left RUNNING by an unclean shutdown are
// returned to QUEUED before any worker starts.
func New(store *Store, executor *job.Executor, eventBus event.EventCoordinator, parallelism int) (*queueService, error) {
	if parallelism <= 0 {
		parallelism = 1
	}

	orphaned, err := store.Requeue()
	if err != nil {
		return nil, fmt.Errorf("failed to requeue orphaned queue items: %w", err)
	}
	if orphaned > 0 {
		log.Emit(logger.WARNING, "Requeued %d item(s) orphaned by a previous run\n", orphaned)
	}

	service := &queueService{
		store:      store,
		executor:   executor,
		eventBus:   eventBus,
		workerPool: worker.NewWorkerPool(),
		running:    make(map[int64]int64),
	}

	for i := 0; i < parallelism; i++ {
		label := fmt.Sprintf("queue-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service))
	}

	return service, nil
}

// Run starts the worker pool and blocks until the context is cancelled,
// at which point the pool is drained and closed.
func (service *queueService) Run(ctx context.Context) error {
	service.runCtx = ctx

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	service.workerPool.WakeupWorkers()

	<-ctx.Done()
	service.workerPool.Close()
	return nil
}

// Add persists a new conversion request and wakes the worker pool.
func (service *queueService) Add(source string, target format.Kind, output string, options map[string]any) (*Item, error) {
	item, err := service.store.Add(source, target, output, options)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Queued item %d: %s → %s\n", item.ID, item.Source, item.Target)
	service.eventBus.Dispatch(event.QueueUpdateEvent, item.ID)
	service.workerPool.WakeupWorkers()
	return item, nil
}

// Items returns every queue item, oldest first.
func (service *queueService) Items() ([]Item, error) {
	return service.store.All()
}

// Cancel cancels the item with the given ID. A QUEUED item is marked
// cancelled directly in the store; a RUNNING one is cancelled through
// the executor driving its job.
func (service *queueService) Cancel(id int64) error {
	if cancelled, err := service.store.MarkCancelled(id); err != nil {
		return err
	} else if cancelled {
		service.eventBus.Dispatch(event.QueueUpdateEvent, id)
		return nil
	}

	service.mu.Lock()
	jobID, isRunning := service.running[id]
	service.mu.Unlock()

	if isRunning {
		return service.executor.Cancel(jobID)
	}

	item, err := service.store.Get(id)
	if err != nil {
		return err
	}
	if item.Status == job.Running.String() {
		// Claimed by an engine in another process; we cannot signal it.
		return ErrItemRunning
	}
	return job.ErrAlreadyTerminal
}

// Execute is the worker task for this service. It repeatedly claims the
// oldest QUEUED item and runs it to a terminal state, returning once no
// claimable work remains; the pool then puts the worker back to sleep.
func (service *queueService) Execute(w worker.Worker) error {
	for {
		if service.runCtx.Err() != nil {
			return nil
		}

		item := service.claimNextItem()
		if item == nil {
			return nil
		}

		service.processItem(item)
	}
}

func (service *queueService) claimNextItem() *Item {
	service.mu.Lock()
	defer service.mu.Unlock()

	pending, err := service.store.Pending()
	if err != nil {
		log.Emit(logger.ERROR, "Failed to poll pending queue items: %v\n", err)
		return nil
	}

	for i := range pending {
		claimed, err := service.store.Claim(pending[i].ID)
		if err != nil {
			log.Emit(logger.ERROR, "Failed to claim queue item %d: %v\n", pending[i].ID, err)
			return nil
		}
		if claimed {
			return &pending[i]
		}
	}

	return nil
}

func (service *queueService) processItem(item *Item) {
	target, err := item.TargetKind()
	if err != nil {
		service.recordDispatchFailure(item, err)
		return
	}

	j := service.executor.Submit(item.Source, target, item.Output, item.DecodeOptions())

	service.mu.Lock()
	service.running[item.ID] = j.ID()
	service.mu.Unlock()

	defer func() {
		service.mu.Lock()
		delete(service.running, item.ID)
		service.mu.Unlock()
	}()

	if err := service.executor.Dispatch(service.runCtx, j); err != nil {
		service.recordDispatchFailure(item, err)
		return
	}

	if err := service.store.RecordOutcome(item.ID, j.Outcome()); err != nil {
		log.Emit(logger.ERROR, "Failed to record outcome for queue item %d: %v\n", item.ID, err)
	}
	service.eventBus.Dispatch(event.QueueUpdateEvent, item.ID)
}

// recordDispatchFailure marks an item that could never start (unknown
// format, no plugin, authorization denied) as FAILED so the queue keeps
// draining rather than reclaiming the same doomed item forever.
func (service *queueService) recordDispatchFailure(item *Item, cause error) {
	log.Emit(logger.ERROR, "Queue item %d could not be dispatched: %v\n", item.ID, cause)
	outcome := job.Outcome{
		Status:  job.Failed,
		Message: cause.Error(),
	}
	if err := service.store.RecordOutcome(item.ID, outcome); err != nil {
		log.Emit(logger.ERROR, "Failed to record outcome for queue item %d: %v\n", item.ID, err)
	}
	service.eventBus.Dispatch(event.QueueUpdateEvent, item.ID)
}
