package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltforge/meltforge/internal/plugin"
)

// scriptPlugin builds a LoadedPlugin whose entrypoint is the shell script
// provided, bypassing the loader.
func scriptPlugin(t *testing.T, script string) *plugin.LoadedPlugin {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))

	return &plugin.LoadedPlugin{
		Manifest: &plugin.Manifest{Name: "script-fixture", Version: "1.0.0", Entrypoint: "run.sh"},
		Dir:      dir,
	}
}

func Test_Convert_Success(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
echo '{"type":"progress","percent":25,"frame":"100","speed":"2.0x"}'
echo '{"type":"progress","percent":75}'
echo '{"type":"result","status":"ok","output_path":"/tmp/converted.mp3"}'
`)

	invoker := plugin.NewInvoker(time.Second)
	var progress []plugin.Progress
	result, err := invoker.Convert(context.Background(), p, &plugin.Request{Source: "/tmp/in.wav", Target: "mp3"}, func(frame plugin.Progress) {
		progress = append(progress, frame)
	})

	require.NoError(t, err)
	assert.Equal(t, "/tmp/converted.mp3", result.OutputPath)

	require.Len(t, progress, 2)
	assert.Equal(t, 25.0, progress[0].Percent)
	assert.Equal(t, "100", progress[0].Frame)
	assert.Equal(t, "2.0x", progress[0].Speed)
	assert.Equal(t, 75.0, progress[1].Percent)
}

func Test_Convert_RequestOnStdin(t *testing.T) {
	// The script echoes the source path it received back as the output
	// path, proving the request document arrived intact on stdin.
	p := scriptPlugin(t, `#!/bin/sh
SRC=$(sed 's/.*"source":"\([^"]*\)".*/\1/')
echo "{\"type\":\"result\",\"status\":\"ok\",\"output_path\":\"$SRC\"}"
`)

	invoker := plugin.NewInvoker(time.Second)
	result, err := invoker.Convert(context.Background(), p, &plugin.Request{Source: "/media/input.wav", Target: "mp3"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "/media/input.wav", result.OutputPath)
}

func Test_Convert_OversizedOutputLine(t *testing.T) {
	// A single stdout line beyond any sane frame size must fail fast as
	// bad output instead of wedging the stdout drain until the watchdog
	// reclaims the process group.
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
dd if=/dev/zero bs=65536 count=32 2>/dev/null | tr '\0' 'a'
echo
`)

	invoker := plugin.NewInvoker(time.Second)
	started := time.Now()
	_, err := invoker.Convert(context.Background(), p, &plugin.Request{}, nil)

	assert.ErrorIs(t, err, plugin.ErrBadOutput)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func Test_Convert_PluginReportedFailure(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
echo '{"type":"result","status":"error","error":{"kind":"unsupported-codec","message":"cannot decode input"}}'
`)

	invoker := plugin.NewInvoker(time.Second)
	_, err := invoker.Convert(context.Background(), p, &plugin.Request{}, nil)

	var failure *plugin.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "unsupported-codec", failure.Kind)
	assert.Equal(t, "cannot decode input", failure.Message)
}

func Test_Convert_Crash(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
echo "something went badly wrong" >&2
exit 3
`)

	invoker := plugin.NewInvoker(time.Second)
	_, err := invoker.Convert(context.Background(), p, &plugin.Request{}, nil)

	require.ErrorIs(t, err, plugin.ErrPluginCrashed)
	assert.Contains(t, err.Error(), "something went badly wrong")
}

func Test_Convert_NoResultFrame(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
echo 'this is not json'
`)

	invoker := plugin.NewInvoker(time.Second)
	_, err := invoker.Convert(context.Background(), p, &plugin.Request{}, nil)
	assert.ErrorIs(t, err, plugin.ErrBadOutput)
}

func Test_Convert_ErrorStatusWithoutDetail(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
echo '{"type":"result","status":"error"}'
`)

	invoker := plugin.NewInvoker(time.Second)
	_, err := invoker.Convert(context.Background(), p, &plugin.Request{}, nil)
	assert.ErrorIs(t, err, plugin.ErrBadOutput)
}

func Test_Convert_Timeout(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
sleep 30
`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	invoker := plugin.NewInvoker(100 * time.Millisecond)
	started := time.Now()
	_, err := invoker.Convert(ctx, p, &plugin.Request{}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second, "the process group must be reclaimed promptly")
}

func Test_Convert_Cancellation(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
cat > /dev/null
sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	invoker := plugin.NewInvoker(100 * time.Millisecond)
	_, err := invoker.Convert(ctx, p, &plugin.Request{}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func Test_Describe(t *testing.T) {
	p := scriptPlugin(t, `#!/bin/sh
REQ=$(cat)
case "$REQ" in
*'"command":"describe"'*) echo '{"type":"result","status":"ok"}' ;;
*) echo '{"type":"result","status":"error","error":{"kind":"protocol","message":"expected describe"}}' ;;
esac
`)

	invoker := plugin.NewInvoker(time.Second)
	assert.NoError(t, invoker.Describe(context.Background(), p))
}
