package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meltforge/meltforge/internal/event"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/plugin"
	"github.com/meltforge/meltforge/pkg/logger"
)

var log = logger.Get("JobExec")

var (
	ErrJobNotFound     = errors.New("no job found")
	ErrJobNotQueued    = errors.New("job is not in the queued state")
	ErrAlreadyTerminal = errors.New("job has already reached a terminal state")

	ErrOutputExists     = errors.New("output path already exists")
	ErrOutputUnwritable = errors.New("output location is not writable")
)

type (
	// DispatchError is a pre-execution failure to start a job. The job
	// remains Queued so the caller can retry after installing a plugin
	// or adjusting policy, rather than being silently marked failed.
	DispatchError struct {
		JobID int64
		Err   error
	}

	// Config tunes job execution.
	Config struct {
		// Timeout is the maximum wall-clock duration of one invocation;
		// exceeding it forces Failed(Timeout) and reclaims the plugin's
		// resources exactly as cancellation does.
		Timeout time.Duration

		// PinnedPlugin, when set, overrides discovery-order selection
		// whenever the pinned plugin is among the resolved candidates.
		PinnedPlugin string
	}

	// Executor runs conversion jobs against loaded plugins. Each job's
	// state transitions are owned by the goroutine calling Dispatch for
	// it; no two workers mutate the same job concurrently.
	Executor struct {
		mu     sync.Mutex
		nextID atomic.Int64
		jobs   map[int64]*Job

		loader   *plugin.Loader
		resolver *format.Resolver
		enforcer *plugin.Enforcer
		invoker  *plugin.Invoker
		eventBus event.EventCoordinator
		config   Config
	}
)

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed to dispatch job %d: %s", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func NewExecutor(loader *plugin.Loader, resolver *format.Resolver, enforcer *plugin.Enforcer, invoker *plugin.Invoker, eventBus event.EventCoordinator, config Config) *Executor {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}

	return &Executor{
		jobs:     make(map[int64]*Job),
		loader:   loader,
		resolver: resolver,
		enforcer: enforcer,
		invoker:  invoker,
		eventBus: eventBus,
		config:   config,
	}
}

// Submit creates a new Queued job for the source and target provided.
// Job IDs are monotonically assigned for the lifetime of the executor.
func (e *Executor) Submit(source string, target format.Kind, output string, options map[string]any) *Job {
	id := e.nextID.Add(1)
	job := newJob(id, source, target, output, options)

	e.mu.Lock()
	e.jobs[id] = job
	e.mu.Unlock()

	log.Emit(logger.NEW, "Submitted %v\n", job)
	e.eventBus.Dispatch(event.JobUpdateEvent, id)
	return job
}

// Job returns the job with the given ID, if known to this executor.
func (e *Executor) Job(id int64) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Jobs returns every job known to the executor in submission order.
func (e *Executor) Jobs() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Job, 0, len(e.jobs))
	for id := int64(1); id <= e.nextID.Load(); id++ {
		if job, ok := e.jobs[id]; ok {
			out = append(out, job)
		}
	}
	return out
}

// Dispatch resolves a plugin for the job, authorizes it, and runs the
// invocation to a terminal state. It blocks until the job terminates.
//
// Failures *before* the Running transition (no plugin for the format,
// capability not granted, unknown input kind) return a DispatchError and
// leave the job Queued. Failures during execution are recorded on the
// job itself and do not produce an error here.
func (e *Executor) Dispatch(ctx context.Context, job *Job) error {
	if job.Status() != Queued {
		if job.Status().Terminal() {
			return &DispatchError{JobID: job.id, Err: ErrAlreadyTerminal}
		}
		return &DispatchError{JobID: job.id, Err: ErrJobNotQueued}
	}

	inputKind, err := format.KindForPath(job.source)
	if err != nil {
		return &DispatchError{JobID: job.id, Err: err}
	}

	candidates, err := e.resolver.Resolve(inputKind, job.target)
	if err != nil {
		return &DispatchError{JobID: job.id, Err: err}
	}

	name := format.Select(candidates, e.preferenceFor(job))
	loaded, err := e.loader.Plugin(name)
	if err != nil {
		// The plugin was unloaded between index rebuild and dispatch;
		// treat it the same as an unservable format.
		return &DispatchError{JobID: job.id, Err: fmt.Errorf("%w: %w", format.ErrNoPluginForFormat, err)}
	}

	// Authorization happens at the boundary of each capability-mapped
	// operation the invocation is about to perform: the plugin will read
	// the source and write the converted output.
	for _, op := range []plugin.Operation{plugin.OpReadSource, plugin.OpWriteOutput} {
		if err := e.enforcer.Authorize(name, op); err != nil {
			return &DispatchError{JobID: job.id, Err: err}
		}
	}

	if err := validateOutput(job.output); err != nil {
		return &DispatchError{JobID: job.id, Err: err}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	if !job.tryRun(name, cancel) {
		// Cancelled between the checks above and the transition.
		return nil
	}

	log.Emit(logger.INFO, "Dispatching %v to plugin %q\n", job, name)
	e.eventBus.Dispatch(event.JobUpdateEvent, job.id)

	result, invokeErr := e.invoker.Convert(invokeCtx, loaded, &plugin.Request{
		Source:  job.source,
		Target:  string(job.target),
		Output:  job.output,
		Options: job.options,
	}, func(progress plugin.Progress) {
		e.eventBus.Dispatch(event.JobProgressEvent, event.ProgressPayload{
			JobID:   job.id,
			Percent: progress.Percent,
			Frame:   progress.Frame,
			Speed:   progress.Speed,
		})
	})

	e.concludeJob(job, invokeCtx, result, invokeErr)
	e.eventBus.Dispatch(event.JobCompleteEvent, job.id)
	return nil
}

// Cancel requests cancellation of a job: queued jobs terminate
// immediately, running jobs receive a cooperative stop which escalates
// to forced resource reclamation after the invoker's grace period.
func (e *Executor) Cancel(id int64) error {
	job, err := e.Job(id)
	if err != nil {
		return err
	}

	if !job.requestCancel() {
		return ErrAlreadyTerminal
	}

	log.Emit(logger.STOP, "Cancellation requested for %v\n", job)
	e.eventBus.Dispatch(event.JobUpdateEvent, job.id)
	return nil
}

// concludeJob maps an invocation's outcome on to the job's terminal
// state. The outcome is immutable once recorded.
func (e *Executor) concludeJob(job *Job, invokeCtx context.Context, result *plugin.Result, invokeErr error) {
	switch {
	case invokeErr == nil:
		output := job.output
		if result.OutputPath != "" {
			output = result.OutputPath
		}
		job.markSucceeded(output)
		log.Emit(logger.SUCCESS, "%v completed, output at %s\n", job, output)

	case errors.Is(invokeCtx.Err(), context.DeadlineExceeded):
		job.markFailed(ErrorTimeout, fmt.Sprintf("job exceeded the %s execution timeout", e.config.Timeout))
		log.Emit(logger.ERROR, "%v timed out\n", job)

	case errors.Is(invokeCtx.Err(), context.Canceled):
		job.markCancelled()
		log.Emit(logger.REMOVE, "%v cancelled\n", job)

	default:
		var failure *plugin.Failure
		switch {
		case errors.As(invokeErr, &failure):
			job.markFailed(ErrorPluginReportedFailure, failure.Message)
		case errors.Is(invokeErr, plugin.ErrBadOutput):
			job.markFailed(ErrorBadOutput, invokeErr.Error())
		default:
			job.markFailed(ErrorPluginCrashed, invokeErr.Error())
		}
		log.Emit(logger.ERROR, "%v failed: %v\n", job, invokeErr)
	}
}

// validateOutput refuses to start a job that would clobber an existing
// file, or whose destination directory is missing or cannot take a new
// one. Checked pre-dispatch so the job stays Queued.
func validateOutput(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrOutputExists, path)
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory %s does not exist", ErrOutputUnwritable, dir)
	}

	probe, err := os.CreateTemp(dir, ".meltforge-write-*")
	if err != nil {
		return fmt.Errorf("%w: cannot create files in %s", ErrOutputUnwritable, dir)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

func (e *Executor) preferenceFor(job *Job) string {
	if preferred, ok := job.options["plugin"].(string); ok && preferred != "" {
		return preferred
	}
	return e.config.PinnedPlugin
}
