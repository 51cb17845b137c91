package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltforge/meltforge/pkg/worker"
)

type countingTask struct {
	executions atomic.Int64
}

func (task *countingTask) Execute(w worker.Worker) error {
	task.executions.Add(1)
	return nil
}

func Test_WorkerPool_Lifecycle(t *testing.T) {
	task := &countingTask{}
	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("test-worker-0", task)))
	require.NoError(t, pool.PushWorker(worker.NewWorker("test-worker-1", task)))

	require.NoError(t, pool.Start())

	// Each worker executes its task once on startup, then sleeps.
	require.Eventually(t, func() bool {
		return task.executions.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Wakeups are retried; a worker that has not yet gone back to sleep
	// simply misses the nudge.
	baseline := task.executions.Load()
	require.Eventually(t, func() bool {
		pool.WakeupWorkers()
		return task.executions.Load() > baseline
	}, 2*time.Second, 10*time.Millisecond, "a wakeup must re-run sleeping workers")

	pool.Close()
}

func Test_WorkerPool_RefusesMutationAfterStart(t *testing.T) {
	pool := worker.NewWorkerPool()
	require.NoError(t, pool.PushWorker(worker.NewWorker("test-worker", &countingTask{})))
	require.NoError(t, pool.Start())
	defer pool.Close()

	assert.Error(t, pool.Start(), "a pool cannot be started twice")
	assert.Error(t, pool.PushWorker(worker.NewWorker("late", &countingTask{})))
}

func Test_WorkerPool_WakeupBeforeStart(t *testing.T) {
	pool := worker.NewWorkerPool()
	assert.Error(t, pool.WakeupWorkers())
}

func Test_WorkerPool_CloseStopsWorkers(t *testing.T) {
	task := &countingTask{}
	pool := worker.NewWorkerPool()
	w := worker.NewWorker("closing-worker", task)
	require.NoError(t, pool.PushWorker(w))
	require.NoError(t, pool.Start())

	require.Eventually(t, func() bool {
		return task.executions.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	pool.Close()
	assert.Equal(t, worker.Finished, w.Status())
}
