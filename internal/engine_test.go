package internal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltforge/meltforge/internal"
	"github.com/meltforge/meltforge/internal/database"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/internal/queue"
)

// newOfflineEngine builds an engine that is not running its services,
// the way one-shot CLI queue commands use it, plus a second database
// connection standing in for a concurrent engine process.
func newOfflineEngine(t *testing.T) (internal.Engine, *queue.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "meltforge.db")
	engine, err := internal.New(internal.MeltforgeConfig{
		PluginDirPath: t.TempDir(),
		Database:      database.Config{Path: dbPath},
	})
	require.NoError(t, err)

	db := database.New()
	require.NoError(t, db.Connect(database.Config{Path: dbPath}))
	t.Cleanup(func() { db.Close() })

	return engine, queue.NewStore(db.GetSqlxDb())
}

func Test_Engine_QueueOperationsWithoutRunningServices(t *testing.T) {
	engine, _ := newOfflineEngine(t)

	item, err := engine.QueueAdd(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", item.Status)

	items, err := engine.QueueItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)

	require.NoError(t, engine.QueueCancel(item.ID))
	items, err = engine.QueueItems()
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", items[0].Status)

	assert.ErrorIs(t, engine.QueueCancel(99), queue.ErrItemNotFound)
}

func Test_Engine_QueueCancelItemClaimedElsewhere(t *testing.T) {
	engine, other := newOfflineEngine(t)

	item, err := engine.QueueAdd(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, err)

	// Another engine process claims the item; this one cannot signal it
	// and must say so rather than calling the item terminal.
	claimed, err := other.Claim(item.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.ErrorIs(t, engine.QueueCancel(item.ID), queue.ErrItemRunning)
}

func Test_Engine_QueueCancelTerminalItem(t *testing.T) {
	engine, other := newOfflineEngine(t)

	item, err := engine.QueueAdd(filepath.Join(t.TempDir(), "song.wav"), "mp3", "", nil)
	require.NoError(t, err)
	require.NoError(t, other.RecordOutcome(item.ID, job.Outcome{Status: job.Succeeded}))

	assert.ErrorIs(t, engine.QueueCancel(item.ID), job.ErrAlreadyTerminal)
}
