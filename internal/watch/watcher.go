// Package watch observes the plugin installation directory and triggers
// a registry refresh when its contents change, so installing or removing
// a plugin takes effect without restarting the engine.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/meltforge/meltforge/pkg/logger"
)

var log = logger.Get("Watcher")

const (
	// debounceWindow coalesces the burst of file system events produced
	// by a plugin installation (directory, manifest, entrypoint) in to a
	// single refresh.
	debounceWindow = 500 * time.Millisecond

	DefaultForceSyncSeconds = 300
)

type (
	Config struct {
		// Path is the plugin installation directory to observe.
		Path string

		// ForceSyncSeconds is the interval of the periodic refresh that
		// runs regardless of file system events, catching changes the
		// watcher missed. Zero applies the default.
		ForceSyncSeconds int
	}

	// Watcher observes a directory and invokes a refresh callback when it
	// changes. Refreshes are debounced and also forced periodically.
	Watcher struct {
		config  Config
		refresh func(context.Context) error
	}
)

func New(config Config, refresh func(context.Context) error) *Watcher {
	if config.ForceSyncSeconds <= 0 {
		config.ForceSyncSeconds = DefaultForceSyncSeconds
	}

	return &Watcher{config: config, refresh: refresh}
}

// Run observes the configured directory until the context is cancelled.
// The refresh callback runs once at startup, then after each debounced
// burst of file system events, and at the forced sync interval.
func (watcher *Watcher) Run(ctx context.Context) error {
	fsNotifyChannel := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Join(watcher.config.Path, "..."), fsNotifyChannel, notify.All); err != nil {
		return err
	}
	defer notify.Stop(fsNotifyChannel)

	forceSyncChannel := time.NewTicker(time.Second * time.Duration(watcher.config.ForceSyncSeconds))
	defer forceSyncChannel.Stop()

	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}

	watcher.doRefresh(ctx)

	for {
		select {
		case <-fsNotifyChannel:
			debounce.Reset(debounceWindow)
		case <-debounce.C:
			watcher.doRefresh(ctx)
		case <-forceSyncChannel.C:
			watcher.doRefresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (watcher *Watcher) doRefresh(ctx context.Context) {
	if err := watcher.refresh(ctx); err != nil {
		log.Emit(logger.ERROR, "Plugin directory refresh failed: %v\n", err)
	}
}
