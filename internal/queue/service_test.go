package queue_test

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
	"github.com/meltforge/meltforge/internal/queue"
)

type serviceFixture struct {
	store   *queue.Store
	service interface {
		Run(context.Context) error
		Add(string, format.Kind, string, map[string]any) (*queue.Item, error)
		Items() ([]queue.Item, error)
		Cancel(int64) error
	}
	cancel context.CancelFunc
	done   chan struct{}
}

func startService(t *testing.T, script string) *serviceFixture {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "audio")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest := map[string]any{
		"name":         "audio",
		"version":      "1.0.0",
		"capabilities": []string{"fs-read", "fs-write"},
		"formats":      []map[string]string{{"input": "wav", "output": "mp3"}},
		"entrypoint":   "run.sh",
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFilename), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))

	enforcer, err := plugin.NewEnforcer(plugin.DefaultPolicy())
	require.NoError(t, err)
	resolver := format.NewResolver()
	invoker := plugin.NewInvoker(100 * time.Millisecond)
	loader := plugin.NewLoader(enforcer, resolver, invoker, plugin.LoaderOptions{})
	_, failures, err := loader.LoadAll(context.Background(), root)
	require.NoError(t, err)
	require.Empty(t, failures)

	executor := job.NewExecutor(loader, resolver, enforcer, invoker, event.New(), job.Config{})

	store, _ := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	service, err := queue.New(store, executor, event.New(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, service.Run(ctx))
	}()
	go func() { wg.Wait(); close(done) }()

	fixture := &serviceFixture{store: store, service: service, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("queue service did not stop")
		}
	})

	return fixture
}

func itemStatus(t *testing.T, store *queue.Store, id int64) string {
	t.Helper()
	item, err := store.Get(id)
	require.NoError(t, err)
	return item.Status
}

func Test_Service_DrainsQueuedItems(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
echo '{"type":"result","status":"ok","output_path":"/tmp/out.mp3"}'
`
	fixture := startService(t, script)

	media := t.TempDir()
	first, err := fixture.service.Add(filepath.Join(media, "a.wav"), "mp3", "", nil)
	require.NoError(t, err)
	second, err := fixture.service.Add(filepath.Join(media, "b.wav"), "mp3", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, first.ID) == "SUCCEEDED" &&
			itemStatus(t, fixture.store, second.ID) == "SUCCEEDED"
	}, 10*time.Second, 50*time.Millisecond)

	item, err := fixture.store.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.mp3", item.Output)
	assert.Equal(t, "audio", item.Plugin)
}

func Test_Service_RecordsDispatchFailures(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
echo '{"type":"result","status":"ok","output_path":"/tmp/out.mp3"}'
`
	fixture := startService(t, script)

	// No plugin serves pdf; the item must fail rather than wedge the
	// queue in a claim loop.
	item, err := fixture.service.Add(filepath.Join(t.TempDir(), "slides.pdf"), "mp3", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, item.ID) == "FAILED"
	}, 10*time.Second, 50*time.Millisecond)

	fetched, err := fixture.store.Get(item.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, fetched.Message)
}

func Test_Service_CancelQueuedItem(t *testing.T) {
	// A slow conversion keeps the single worker busy so the second item
	// stays QUEUED long enough to cancel it.
	script := `#!/bin/sh
cat > /dev/null
sleep 2
echo '{"type":"result","status":"ok","output_path":"/tmp/out.mp3"}'
`
	fixture := startService(t, script)

	media := t.TempDir()
	busy, err := fixture.service.Add(filepath.Join(media, "a.wav"), "mp3", "", nil)
	require.NoError(t, err)
	queued, err := fixture.service.Add(filepath.Join(media, "b.wav"), "mp3", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, busy.ID) == "RUNNING"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, fixture.service.Cancel(queued.ID))
	assert.Equal(t, "CANCELLED", itemStatus(t, fixture.store, queued.ID))

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, busy.ID) == "SUCCEEDED"
	}, 10*time.Second, 50*time.Millisecond)
}

func Test_Service_CancelRunningItem(t *testing.T) {
	script := `#!/bin/sh
cat > /dev/null
sleep 30
`
	fixture := startService(t, script)

	item, err := fixture.service.Add(filepath.Join(t.TempDir(), "a.wav"), "mp3", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, item.ID) == "RUNNING"
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, fixture.service.Cancel(item.ID))

	require.Eventually(t, func() bool {
		return itemStatus(t, fixture.store, item.ID) == "CANCELLED"
	}, 10*time.Second, 50*time.Millisecond)
}
