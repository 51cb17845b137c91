// Package job implements the conversion job state machine and the
// executor that drives a job from submission through plugin invocation
// to a terminal outcome.
package job

import (
	"fmt"
	"sync"

	"github.com/meltforge/meltforge/internal/format"
)

// Status is a conversion job's position in its state machine:
//
//	Queued -> Running -> {Succeeded, Failed, Cancelled}
//
// Queued and Running are non-terminal; the other three are terminal and
// immutable once reached.
type Status int

const (
	Queued Status = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	return []string{"QUEUED", "RUNNING", "SUCCEEDED", "FAILED", "CANCELLED"}[s]
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// ErrorKind classifies an execution-time job failure.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTimeout
	ErrorPluginCrashed
	ErrorPluginReportedFailure
	ErrorBadOutput
	ErrorCancelled
)

func (k ErrorKind) String() string {
	return []string{
		"None",
		"Timeout",
		"PluginCrashed",
		"PluginReportedFailure",
		"BadOutput",
		"Cancelled",
	}[k]
}

type (
	// Job is one conversion request. Its identity is a monotonically
	// assigned ID; its state transitions are owned exclusively by the
	// executor goroutine dispatching it.
	Job struct {
		id      int64
		source  string
		target  format.Kind
		output  string
		options map[string]any

		mu      sync.Mutex
		status  Status
		plugin  string
		errKind ErrorKind
		message string
		cancel  func()
	}

	// Outcome is the immutable record of a job's terminal state (or of
	// its still-pending state, for jobs that failed to dispatch).
	Outcome struct {
		JobID      int64
		Source     string
		Plugin     string
		Status     Status
		OutputPath string
		ErrKind    ErrorKind
		Message    string
	}
)

func newJob(id int64, source string, target format.Kind, output string, options map[string]any) *Job {
	if output == "" {
		output = format.OutputPathFor(source, target)
	}

	return &Job{
		id:      id,
		source:  source,
		target:  target,
		output:  output,
		options: options,
		status:  Queued,
	}
}

func (j *Job) ID() int64           { return j.id }
func (j *Job) Source() string      { return j.source }
func (j *Job) Target() format.Kind { return j.target }
func (j *Job) OutputPath() string  { return j.output }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Plugin returns the name of the plugin the job was dispatched against,
// chosen at dispatch time and never reassigned mid-flight.
func (j *Job) Plugin() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.plugin
}

// Outcome snapshots the job's current state. Once the job is terminal
// the outcome is immutable.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()

	outcome := Outcome{
		JobID:   j.id,
		Source:  j.source,
		Plugin:  j.plugin,
		Status:  j.status,
		ErrKind: j.errKind,
		Message: j.message,
	}
	if j.status == Succeeded {
		outcome.OutputPath = j.output
	}

	return outcome
}

func (j *Job) String() string {
	return fmt.Sprintf("{job %d %s→%s %s}", j.id, j.source, j.target, j.Status())
}

// tryRun transitions Queued -> Running, binding the cancel func used for
// mid-flight cancellation. Returns false if the job is no longer Queued.
func (j *Job) tryRun(plugin string, cancel func()) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != Queued {
		return false
	}

	j.status = Running
	j.plugin = plugin
	j.cancel = cancel
	return true
}

func (j *Job) markSucceeded(outputPath string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.status = Succeeded
	j.output = outputPath
	j.cancel = nil
}

func (j *Job) markFailed(kind ErrorKind, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.status = Failed
	j.errKind = kind
	j.message = message
	j.cancel = nil
}

func (j *Job) markCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.status = Cancelled
	j.errKind = ErrorCancelled
	j.cancel = nil
}

// requestCancel triggers the cooperative stop of a running invocation,
// or immediately cancels a queued job. Returns false if already terminal.
func (j *Job) requestCancel() bool {
	j.mu.Lock()

	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}

	if j.status == Queued {
		j.status = Cancelled
		j.errKind = ErrorCancelled
		j.mu.Unlock()
		return true
	}

	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}
