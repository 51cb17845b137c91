package job_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltforge/meltforge/internal/event"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/internal/plugin"
)

const succeedScript = `#!/bin/sh
cat > /dev/null
echo '{"type":"progress","percent":50}'
echo '{"type":"result","status":"ok","output_path":"/tmp/result.mp3"}'
`

type pluginSpec struct {
	dirName      string
	name         string
	input        string
	output       string
	capabilities []string
	script       string
}

func installPlugins(t *testing.T, specs ...pluginSpec) string {
	t.Helper()

	root := t.TempDir()
	for _, spec := range specs {
		dir := filepath.Join(root, spec.dirName)
		require.NoError(t, os.MkdirAll(dir, 0o755))

		capabilities := spec.capabilities
		if capabilities == nil {
			capabilities = []string{"fs-read", "fs-write"}
		}

		manifest := map[string]any{
			"name":         spec.name,
			"version":      "1.0.0",
			"capabilities": capabilities,
			"formats":      []map[string]string{{"input": spec.input, "output": spec.output}},
			"entrypoint":   "run.sh",
		}
		data, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFilename), data, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(spec.script), 0o755))
	}

	return root
}

func newTestExecutor(t *testing.T, pluginRoot string, config job.Config) (*job.Executor, event.EventCoordinator) {
	t.Helper()

	enforcer, err := plugin.NewEnforcer(plugin.DefaultPolicy())
	require.NoError(t, err)

	resolver := format.NewResolver()
	invoker := plugin.NewInvoker(100 * time.Millisecond)
	loader := plugin.NewLoader(enforcer, resolver, invoker, plugin.LoaderOptions{})

	_, failures, err := loader.LoadAll(context.Background(), pluginRoot)
	require.NoError(t, err)
	require.Empty(t, failures)

	eventBus := event.New()
	return job.NewExecutor(loader, resolver, enforcer, invoker, eventBus, config), eventBus
}

func Test_Dispatch_Success(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, eventBus := newTestExecutor(t, root, job.Config{})

	var progressEvents []event.ProgressPayload
	var mu sync.Mutex
	eventBus.RegisterHandlerFunction(event.JobProgressEvent, func(_ event.Event, payload event.Payload) {
		mu.Lock()
		defer mu.Unlock()
		progressEvents = append(progressEvents, payload.(event.ProgressPayload))
	})

	media := t.TempDir()
	j := executor.Submit(filepath.Join(media, "song.wav"), "mp3", "", nil)
	assert.Equal(t, int64(1), j.ID())
	assert.Equal(t, job.Queued, j.Status())
	assert.Equal(t, filepath.Join(media, "song.mp3"), j.OutputPath(), "default output derives from the source path")

	require.NoError(t, executor.Dispatch(context.Background(), j))

	outcome := j.Outcome()
	assert.Equal(t, job.Succeeded, outcome.Status)
	assert.Equal(t, "audio", outcome.Plugin)
	assert.Equal(t, "/tmp/result.mp3", outcome.OutputPath, "plugin reported output wins")
	assert.Equal(t, job.ErrorNone, outcome.ErrKind)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progressEvents, 1)
	assert.Equal(t, j.ID(), progressEvents[0].JobID)
	assert.Equal(t, 50.0, progressEvents[0].Percent)
}

func Test_Dispatch_NoPluginLeavesJobQueued(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit("/media/photo.png", "pdf", "", nil)
	err := executor.Dispatch(context.Background(), j)

	var dispatchErr *job.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.ErrorIs(t, err, format.ErrNoPluginForFormat)
	assert.Equal(t, job.Queued, j.Status(), "dispatch failures must not consume the job")
}

func Test_Dispatch_UnknownInputKind(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit("/media/file.weird", "mp3", "", nil)
	err := executor.Dispatch(context.Background(), j)

	assert.ErrorIs(t, err, format.ErrUnknownKind)
	assert.Equal(t, job.Queued, j.Status())
}

func Test_Dispatch_AuthorizationDenied(t *testing.T) {
	// The plugin declares fs-read only, so the write-output authorization
	// check at dispatch time must refuse it.
	root := installPlugins(t, pluginSpec{
		dirName: "readonly", name: "readonly", input: "wav", output: "mp3",
		capabilities: []string{"fs-read"}, script: succeedScript,
	})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit("/media/song.wav", "mp3", "", nil)
	err := executor.Dispatch(context.Background(), j)

	assert.ErrorIs(t, err, plugin.ErrCapabilityNotGranted)
	assert.Equal(t, job.Queued, j.Status())
}

func Test_Dispatch_PluginReportedFailure(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
echo '{"type":"result","status":"error","error":{"kind":"decode","message":"corrupt input"}}'
`
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: script})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, executor.Dispatch(context.Background(), j))

	outcome := j.Outcome()
	assert.Equal(t, job.Failed, outcome.Status)
	assert.Equal(t, job.ErrorPluginReportedFailure, outcome.ErrKind)
	assert.Equal(t, "corrupt input", outcome.Message)
}

func Test_Dispatch_PluginCrash(t *testing.T) {
	script := "#!/bin/sh\ncat > /dev/null\nexit 9\n"
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: script})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, executor.Dispatch(context.Background(), j))

	outcome := j.Outcome()
	assert.Equal(t, job.Failed, outcome.Status)
	assert.Equal(t, job.ErrorPluginCrashed, outcome.ErrKind)
}

func Test_Dispatch_BadOutput(t *testing.T) {
	script := "#!/bin/sh\ncat > /dev/null\necho 'not a frame'\n"
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: script})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, executor.Dispatch(context.Background(), j))

	outcome := j.Outcome()
	assert.Equal(t, job.Failed, outcome.Status)
	assert.Equal(t, job.ErrorBadOutput, outcome.ErrKind)
}

func Test_Dispatch_RefusesExistingOutput(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	media := t.TempDir()
	existing := filepath.Join(media, "song.mp3")
	require.NoError(t, os.WriteFile(existing, []byte("precious data"), 0o644))

	j := executor.Submit(filepath.Join(media, "song.wav"), "mp3", "", nil)
	err := executor.Dispatch(context.Background(), j)

	var dispatchErr *job.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.ErrorIs(t, err, job.ErrOutputExists)
	assert.Equal(t, job.Queued, j.Status())

	data, readErr := os.ReadFile(existing)
	require.NoError(t, readErr)
	assert.Equal(t, "precious data", string(data), "existing output must not be clobbered")
}

func Test_Dispatch_RefusesMissingOutputDirectory(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	media := t.TempDir()
	output := filepath.Join(media, "no-such-dir", "song.mp3")

	j := executor.Submit(filepath.Join(media, "song.wav"), "mp3", output, nil)
	err := executor.Dispatch(context.Background(), j)

	assert.ErrorIs(t, err, job.ErrOutputUnwritable)
	assert.Equal(t, job.Queued, j.Status())
}

func Test_Dispatch_Timeout(t *testing.T) {
	script := "#!/bin/sh\ncat > /dev/null\nsleep 30\n"
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: script})
	executor, _ := newTestExecutor(t, root, job.Config{Timeout: 300 * time.Millisecond})

	j := executor.Submit(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	started := time.Now()
	require.NoError(t, executor.Dispatch(context.Background(), j))

	outcome := j.Outcome()
	assert.Equal(t, job.Failed, outcome.Status)
	assert.Equal(t, job.ErrorTimeout, outcome.ErrKind)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func Test_Cancel_QueuedJob(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit("/media/song.wav", "mp3", "", nil)
	require.NoError(t, executor.Cancel(j.ID()))
	assert.Equal(t, job.Cancelled, j.Status())

	// The job is terminal: cancelling again and dispatching both refuse.
	assert.ErrorIs(t, executor.Cancel(j.ID()), job.ErrAlreadyTerminal)
	assert.ErrorIs(t, executor.Dispatch(context.Background(), j), job.ErrAlreadyTerminal)
}

func Test_Cancel_RunningJob(t *testing.T) {
	script := "#!/bin/sh\ncat > /dev/null\nsleep 30\n"
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: script})
	executor, _ := newTestExecutor(t, root, job.Config{})

	j := executor.Submit(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, executor.Dispatch(context.Background(), j))
	}()

	require.Eventually(t, func() bool { return j.Status() == job.Running }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, executor.Cancel(j.ID()))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch did not wind down after cancellation")
	}

	outcome := j.Outcome()
	assert.Equal(t, job.Cancelled, outcome.Status)
	assert.Equal(t, job.ErrorCancelled, outcome.ErrKind)
}

func Test_Cancel_UnknownJob(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	assert.ErrorIs(t, executor.Cancel(42), job.ErrJobNotFound)
}

func Test_Dispatch_PluginPreference(t *testing.T) {
	root := installPlugins(t,
		pluginSpec{dirName: "a-first", name: "first", input: "wav", output: "mp3", script: succeedScript},
		pluginSpec{dirName: "b-second", name: "second", input: "wav", output: "mp3", script: succeedScript},
	)
	executor, _ := newTestExecutor(t, root, job.Config{})

	media := t.TempDir()

	// Discovery-order default.
	j := executor.Submit(filepath.Join(media, "a.wav"), "mp3", "", nil)
	require.NoError(t, executor.Dispatch(context.Background(), j))
	assert.Equal(t, "first", j.Outcome().Plugin)

	// Per-job preference overrides.
	j = executor.Submit(filepath.Join(media, "b.wav"), "mp3", "", map[string]any{"plugin": "second"})
	require.NoError(t, executor.Dispatch(context.Background(), j))
	assert.Equal(t, "second", j.Outcome().Plugin)
}

func Test_Dispatch_PinnedPluginConfig(t *testing.T) {
	root := installPlugins(t,
		pluginSpec{dirName: "a-first", name: "first", input: "wav", output: "mp3", script: succeedScript},
		pluginSpec{dirName: "b-second", name: "second", input: "wav", output: "mp3", script: succeedScript},
	)
	executor, _ := newTestExecutor(t, root, job.Config{PinnedPlugin: "second"})

	j := executor.Submit(filepath.Join(t.TempDir(), "a.wav"), "mp3", "", nil)
	require.NoError(t, executor.Dispatch(context.Background(), j))
	assert.Equal(t, "second", j.Outcome().Plugin)
}

func Test_Jobs_SubmissionOrder(t *testing.T) {
	root := installPlugins(t, pluginSpec{dirName: "audio", name: "audio", input: "wav", output: "mp3", script: succeedScript})
	executor, _ := newTestExecutor(t, root, job.Config{})

	first := executor.Submit("/a.wav", "mp3", "", nil)
	second := executor.Submit("/b.wav", "mp3", "", nil)

	jobs := executor.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID(), jobs[0].ID())
	assert.Equal(t, second.ID(), jobs[1].ID())
	assert.Greater(t, second.ID(), first.ID(), "IDs are monotonic")

	found, err := executor.Job(first.ID())
	require.NoError(t, err)
	assert.Equal(t, first, found)

	_, err = executor.Job(99)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}
