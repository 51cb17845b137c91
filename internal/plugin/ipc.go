package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/meltforge/meltforge/pkg/logger"
)

// SchemaVersion is the version of the invocation contract spoken between
// the host and plugin entrypoints. Plugins receive it in every request
// and must refuse requests they cannot satisfy.
const SchemaVersion = "1.0"

// DefaultGracePeriod bounds how long a plugin has to honour a cooperative
// stop before its process group is forcibly reclaimed.
const DefaultGracePeriod = 5 * time.Second

var ipcLog = logger.Get("PluginIPC")

// Invocation failure sentinels. Timeout and cancellation surface through
// the context; the executor classifies those separately.
var (
	ErrPluginCrashed = errors.New("plugin process crashed")
	ErrBadOutput     = errors.New("plugin produced invalid output")
)

type (
	// Request is the JSON document written to the plugin's stdin.
	Request struct {
		Schema  string         `json:"schema"`
		Command string         `json:"command"`
		Source  string         `json:"source,omitempty"`
		Target  string         `json:"target,omitempty"`
		Output  string         `json:"output,omitempty"`
		Options map[string]any `json:"options,omitempty"`
	}

	// Progress is one progress frame emitted by a plugin during
	// conversion. Delivery is best effort; a dropped frame never fails
	// the job.
	Progress struct {
		Percent float64 `mapstructure:"percent"`
		Frame   string  `mapstructure:"frame"`
		Speed   string  `mapstructure:"speed"`
	}

	// Result is the success payload of a completed invocation.
	Result struct {
		OutputPath string `mapstructure:"output_path"`
	}

	// Failure is a structured error reported by the plugin itself (as
	// opposed to a crash or protocol violation).
	Failure struct {
		Kind    string `mapstructure:"kind"`
		Message string `mapstructure:"message"`
	}

	resultFrame struct {
		Status     string   `mapstructure:"status"`
		OutputPath string   `mapstructure:"output_path"`
		Error      *Failure `mapstructure:"error"`
	}

	// Invoker executes plugin entrypoints. Each invocation runs in its
	// own process group so a hang or crash inside the plugin can never
	// block or crash the goroutine managing other jobs; timeout and
	// cancellation are enforced from outside that boundary.
	Invoker struct {
		// GracePeriod is how long a cooperative stop (SIGINT) may take
		// before the process group is killed.
		GracePeriod time.Duration
	}
)

func (f *Failure) Error() string {
	return fmt.Sprintf("plugin reported failure (%s): %s", f.Kind, f.Message)
}

func NewInvoker(gracePeriod time.Duration) *Invoker {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Invoker{GracePeriod: gracePeriod}
}

// Convert runs a conversion against the plugin provided. Progress frames
// are forwarded to onProgress as they arrive. The call blocks until the
// plugin terminates; cancelling or timing out the context triggers a
// cooperative stop (SIGINT), followed by a forced kill of the plugin's
// process group once the grace period lapses.
func (inv *Invoker) Convert(ctx context.Context, p *LoadedPlugin, req *Request, onProgress func(Progress)) (*Result, error) {
	req.Schema = SchemaVersion
	req.Command = "convert"
	return inv.invoke(ctx, p, req, onProgress)
}

// Describe performs the load-time handshake: a cheap request verifying
// the entrypoint actually speaks the invocation contract.
func (inv *Invoker) Describe(ctx context.Context, p *LoadedPlugin) error {
	_, err := inv.invoke(ctx, p, &Request{Schema: SchemaVersion, Command: "describe"}, nil)
	return err
}

func (inv *Invoker) invoke(ctx context.Context, p *LoadedPlugin, req *Request, onProgress func(Progress)) (*Result, error) {
	reqData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin request: %w", err)
	}

	cmd := exec.Command(p.EntrypointPath())
	cmd.Dir = p.Dir
	cmd.Stdin = bytes.NewReader(reqData)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach plugin stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start entrypoint: %w", ErrPluginCrashed, err)
	}

	// The watchdog owns all signalling; it fires on context expiry and
	// is disarmed when the process exits on its own.
	processDone := make(chan struct{})
	go inv.watchdog(ctx, cmd.Process.Pid, processDone)

	// Scan stdout for JSON lines while the command runs. The result
	// frame, if any, is retained; progress frames are forwarded.
	var final *resultFrame
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			ipcLog.Emit(logger.WARNING, "Plugin %q emitted a non-JSON line, ignoring\n", p.Manifest.Name)
			continue
		}

		switch raw["type"] {
		case "progress":
			if onProgress == nil {
				continue
			}
			var progress Progress
			if err := mapstructure.Decode(raw, &progress); err == nil {
				onProgress(progress)
			}
		case "result":
			var frame resultFrame
			if err := mapstructure.Decode(raw, &frame); err == nil {
				final = &frame
			}
		}
	}

	// A scan failure (an oversized line overflows the buffer cap) stops
	// the drain early; discard the rest of the stream so the process can
	// flush its pipe and exit instead of wedging until the watchdog kills
	// it.
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	close(processDone)

	// Context expiry takes precedence over whatever state the process
	// died in; the executor maps deadline vs cancellation itself.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if scanErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, scanErr)
	}

	if waitErr != nil {
		return nil, fmt.Errorf("%w: %v (stderr: %s)", ErrPluginCrashed, waitErr, excerpt(stderr.String()))
	}

	if final == nil {
		return nil, fmt.Errorf("%w: no result frame on stdout", ErrBadOutput)
	}

	if final.Status != "ok" {
		if final.Error != nil {
			return nil, final.Error
		}
		return nil, fmt.Errorf("%w: result status %q without error detail", ErrBadOutput, final.Status)
	}

	return &Result{OutputPath: final.OutputPath}, nil
}

// watchdog delivers the cooperative-then-forced stop sequence to the
// plugin's process group when the invocation context expires.
func (inv *Invoker) watchdog(ctx context.Context, pid int, processDone <-chan struct{}) {
	select {
	case <-processDone:
		return
	case <-ctx.Done():
	}

	ipcLog.Emit(logger.STOP, "Signalling plugin process group %d to stop\n", pid)
	_ = syscall.Kill(-pid, syscall.SIGINT)

	select {
	case <-processDone:
		return
	case <-time.After(inv.GracePeriod):
		ipcLog.Emit(logger.WARNING, "Plugin process group %d ignored stop request; killing\n", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func excerpt(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
