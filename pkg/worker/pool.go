// Package worker provides the sleeping-worker pool used to drain
// long-lived work sets (e.g. the persistent conversion queue). Workers
// sleep on a wakeup channel and are nudged whenever new work arrives.
package worker

import (
	"errors"
	"sync"
)

// WorkerPool contains a set of workers which are started together and
// share a WaitGroup. The pool owns the worker lifecycle; consumers wake
// sleeping workers via WakeupWorkers and stop them via Close.
type WorkerPool struct {
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool with an empty worker set.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start spawns a goroutine for every worker attached to this pool. It
// does not block; callers can wait on the pool's WaitGroup or use Close.
func (pool *WorkerPool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.Wg, worker)
	}

	return nil
}

// PushWorker inserts the provided workers in to the pool. Workers may
// only be attached before the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers sends on the WakeupChan of any sleeping workers in the
// pool. The send is non-blocking; a worker already awake is skipped.
func (pool *WorkerPool) WakeupWorkers() error {
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() == Sleeping {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Close cycles through all the workers inside this pool, closes their
// wakeup channels, and waits for them to finish.
func (pool *WorkerPool) Close() {
	if !pool.started {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.Wg.Wait()
	pool.started = false
}
