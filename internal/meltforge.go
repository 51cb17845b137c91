// Package internal wires the meltforge engine together: the plugin
// runtime (loader, enforcer, invoker), the conversion pipeline (format
// resolver, job executor, batch orchestrator) and the supporting
// services (persistent queue, plugin directory watcher).
package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meltforge/meltforge/internal/batch"
	"github.com/meltforge/meltforge/internal/database"
	"github.com/meltforge/meltforge/internal/event"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
	"github.com/meltforge/meltforge/internal/plugin"
	"github.com/meltforge/meltforge/internal/queue"
	"github.com/meltforge/meltforge/internal/watch"
	"github.com/meltforge/meltforge/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	QueueService interface {
		RunnableService
		Add(string, format.Kind, string, map[string]any) (*queue.Item, error)
		Items() ([]queue.Item, error)
		Cancel(int64) error
	}

	// Engine is the top-level surface consumers (the CLI, tests) use to
	// drive conversions, manage plugins and operate the persistent queue.
	Engine interface {
		RunnableService
		Bootstrap(context.Context) ([]plugin.LoadFailure, error)
		Convert(context.Context, string, format.Kind, string, map[string]any) (job.Outcome, error)
		ConvertBatch(context.Context, []string, format.Kind, map[string]any) []job.Outcome
		CancelJob(int64) error
		Plugins() []*plugin.LoadedPlugin
		RefreshPlugins(context.Context) ([]plugin.LoadFailure, error)
		UnloadPlugin(string) error
		FormatPairs() []format.Pair
		QueueAdd(string, format.Kind, string, map[string]any) (*queue.Item, error)
		QueueItems() ([]queue.Item, error)
		QueueCancel(int64) error
		EventBus() event.EventCoordinator
	}
)

// meltforgeImpl represents the top-level object for the engine, and is
// responsible for initialising the plugin runtime, stores, services,
// event handling, et cetera...
type meltforgeImpl struct {
	eventBus event.EventCoordinator
	config   MeltforgeConfig
	dbMu     sync.Mutex

	enforcer *plugin.Enforcer
	invoker  *plugin.Invoker
	resolver *format.Resolver
	loader   *plugin.Loader

	executor     *job.Executor
	orchestrator *batch.Orchestrator

	db           database.Manager
	queueService QueueService
	watcher      *watch.Watcher
}

// New constructs the engine from the provided config. The plugin policy
// is loaded eagerly so a malformed policy file fails fast; plugins
// themselves are not loaded until Bootstrap.
func New(config MeltforgeConfig) (*meltforgeImpl, error) {
	policy := plugin.DefaultPolicy()
	if config.PolicyPath != "" {
		loaded, err := plugin.LoadPolicy(config.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugin policy: %w", err)
		}
		policy = loaded
	}

	enforcer, err := plugin.NewEnforcer(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to construct capability enforcer: %w", err)
	}

	mf := &meltforgeImpl{
		eventBus: event.New(),
		config:   config,
		enforcer: enforcer,
		invoker:  plugin.NewInvoker(time.Second * time.Duration(config.Execution.GraceSeconds)),
		resolver: format.NewResolver(),
	}

	mf.loader = plugin.NewLoader(mf.enforcer, mf.resolver, mf.invoker, plugin.LoaderOptions{
		Handshake: config.Execution.EnableHandshake,
	})

	mf.executor = job.NewExecutor(mf.loader, mf.resolver, mf.enforcer, mf.invoker, mf.eventBus, job.Config{
		Timeout:      time.Second * time.Duration(config.Execution.TimeoutSeconds),
		PinnedPlugin: config.Execution.PinnedPlugin,
	})
	mf.orchestrator = batch.NewOrchestrator(mf.executor)

	return mf, nil
}

// Bootstrap scans the plugin directory and loads every installable
// plugin, returning the per-candidate failures. It must be called (or
// Run, which calls it) before any conversion can resolve a plugin.
func (mf *meltforgeImpl) Bootstrap(ctx context.Context) ([]plugin.LoadFailure, error) {
	loaded, failures, err := mf.loader.LoadAll(ctx, mf.config.GetPluginDir())
	if err != nil {
		return nil, err
	}

	for _, p := range loaded {
		mf.eventBus.Dispatch(event.PluginLoadedEvent, p.Manifest.Name)
	}
	return failures, nil
}

// Run brings up the full engine: database connection, persistent queue
// workers and the plugin directory watcher. It will not return until
// the provided context is cancelled or a service crashes.
func (mf *meltforgeImpl) Run(parent context.Context) error {
	if _, err := mf.Bootstrap(parent); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to queue database...\n")
	store, err := mf.queueStore()
	if err != nil {
		return err
	}
	defer mf.db.Close()

	queueService, err := queue.New(store, mf.executor, mf.eventBus, mf.config.Concurrent.QueueWorkers)
	if err != nil {
		return err
	}
	mf.queueService = queueService

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	mf.spawnAsyncService(ctx, wg, mf.queueService, "queue-service", crashHandler)

	if mf.config.Watcher.Enable {
		mf.watcher = watch.New(mf.config.WatchConfig(), func(refreshCtx context.Context) error {
			_, err := mf.Bootstrap(refreshCtx)
			return err
		})
		mf.spawnAsyncService(ctx, wg, mf.watcher, "plugin-watcher", crashHandler)
	}

	log.Emit(logger.SUCCESS, "Meltforge services spawned!\n")
	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as its own
// go-routine, ensuring that the engine service waitgroup is updated
// correctly.
func (mf *meltforgeImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// Convert runs a single conversion to completion and returns its
// outcome. Dispatch failures (unknown format, no plugin, authorization
// denied) are returned as the error; execution failures are recorded on
// the outcome instead.
func (mf *meltforgeImpl) Convert(ctx context.Context, source string, target format.Kind, output string, options map[string]any) (job.Outcome, error) {
	j := mf.executor.Submit(source, target, output, options)
	if err := mf.executor.Dispatch(ctx, j); err != nil {
		return j.Outcome(), err
	}

	return j.Outcome(), nil
}

// ConvertBatch converts every source to the target kind with bounded
// parallelism, returning one outcome per source in input order.
func (mf *meltforgeImpl) ConvertBatch(ctx context.Context, sources []string, target format.Kind, options map[string]any) []job.Outcome {
	return mf.orchestrator.RunBatch(ctx, sources, target, options, mf.config.Concurrent.BatchParallelism)
}

// CancelJob cancels the in-memory job with the given ID.
func (mf *meltforgeImpl) CancelJob(id int64) error {
	return mf.executor.Cancel(id)
}

// Plugins returns every currently loaded plugin in discovery order.
func (mf *meltforgeImpl) Plugins() []*plugin.LoadedPlugin {
	return mf.loader.Plugins()
}

// RefreshPlugins re-scans the plugin directory, replacing the loaded
// set, and returns the per-candidate failures of the new scan.
func (mf *meltforgeImpl) RefreshPlugins(ctx context.Context) ([]plugin.LoadFailure, error) {
	return mf.Bootstrap(ctx)
}

// UnloadPlugin removes the named plugin from the loaded set; in-flight
// invocations against it run to completion.
func (mf *meltforgeImpl) UnloadPlugin(name string) error {
	if err := mf.loader.Unload(name); err != nil {
		return err
	}

	mf.eventBus.Dispatch(event.PluginUnloadedEvent, name)
	return nil
}

// FormatPairs returns every input→output pair currently servable by at
// least one loaded plugin, sorted.
func (mf *meltforgeImpl) FormatPairs() []format.Pair {
	return mf.resolver.Snapshot().Pairs()
}

// queueStore lazily connects the queue database, so one-shot CLI
// commands can operate on the queue without bringing up the full engine.
func (mf *meltforgeImpl) queueStore() (*queue.Store, error) {
	mf.dbMu.Lock()
	defer mf.dbMu.Unlock()

	if mf.db == nil {
		db := database.New()
		if err := db.Connect(database.Config{Path: mf.config.GetDatabasePath()}); err != nil {
			return nil, err
		}
		mf.db = db
	}

	return queue.NewStore(mf.db.GetSqlxDb()), nil
}

// QueueAdd persists a new conversion request. When the queue service is
// running its workers are woken; otherwise the item waits for the next
// engine run.
func (mf *meltforgeImpl) QueueAdd(source string, target format.Kind, output string, options map[string]any) (*queue.Item, error) {
	if mf.queueService != nil {
		return mf.queueService.Add(source, target, output, options)
	}

	store, err := mf.queueStore()
	if err != nil {
		return nil, err
	}
	return store.Add(source, target, output, options)
}

// QueueItems returns every persisted queue item, oldest first.
func (mf *meltforgeImpl) QueueItems() ([]queue.Item, error) {
	if mf.queueService != nil {
		return mf.queueService.Items()
	}

	store, err := mf.queueStore()
	if err != nil {
		return nil, err
	}
	return store.All()
}

// QueueCancel cancels the queue item with the given ID.
func (mf *meltforgeImpl) QueueCancel(id int64) error {
	if mf.queueService != nil {
		return mf.queueService.Cancel(id)
	}

	store, err := mf.queueStore()
	if err != nil {
		return err
	}

	cancelled, err := store.MarkCancelled(id)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	item, err := store.Get(id)
	if err != nil {
		return err
	}
	if item.Status == job.Running.String() {
		return queue.ErrItemRunning
	}
	return job.ErrAlreadyTerminal
}

// EventBus exposes the engine's event coordinator for consumers that
// want to observe job progress and queue updates.
func (mf *meltforgeImpl) EventBus() event.EventCoordinator {
	return mf.eventBus
}
