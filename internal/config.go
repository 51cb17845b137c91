package internal

import (
	"fmt"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"

	"github.com/meltforge/meltforge/internal/database"
	"github.com/meltforge/meltforge/internal/watch"
)

const MELTFORGE_USER_DIR_SUFFIX = ".meltforge"

// MeltforgeConfig is the struct used to contain the various user config
// supplied by file, environment, or manually inside the code.
type MeltforgeConfig struct {
	PluginDirPath string           `yaml:"plugin_dir" env:"PLUGIN_DIR"`
	PolicyPath    string           `yaml:"policy" env:"POLICY_PATH"`
	Database      database.Config  `yaml:"database"`
	Concurrent    ConcurrentConfig `yaml:"concurrency"`
	Execution     ExecutionConfig  `yaml:"execution"`
	Watcher       WatcherConfig    `yaml:"watcher"`
}

// ConcurrentConfig is a subset of the configuration that focuses only on
// the concurrency related configs (number of workers draining the
// persistent queue, and the parallelism of ad-hoc batches).
type ConcurrentConfig struct {
	QueueWorkers     int `yaml:"queue_workers" env:"CONCURRENCY_QUEUE_WORKERS" env-default:"2"`
	BatchParallelism int `yaml:"batch_parallelism" env:"CONCURRENCY_BATCH_PARALLELISM" env-default:"4"`
}

// ExecutionConfig tunes individual plugin invocations.
type ExecutionConfig struct {
	TimeoutSeconds  int    `yaml:"timeout_seconds" env:"EXECUTION_TIMEOUT_SECONDS" env-default:"600"`
	GraceSeconds    int    `yaml:"grace_seconds" env:"EXECUTION_GRACE_SECONDS" env-default:"5"`
	PinnedPlugin    string `yaml:"pinned_plugin" env:"EXECUTION_PINNED_PLUGIN"`
	EnableHandshake bool   `yaml:"enable_handshake" env:"EXECUTION_ENABLE_HANDSHAKE" env-default:"true"`
}

// WatcherConfig enables/disables the plugin directory watcher and tunes
// the interval of its forced refresh.
type WatcherConfig struct {
	Enable           bool `yaml:"enable" env:"WATCHER_ENABLE" env-default:"true"`
	ForceSyncSeconds int  `yaml:"force_sync_seconds" env:"WATCHER_FORCE_SYNC_SECONDS" env-default:"300"`
}

// LoadFromFile loads a configuration file formatted in YAML in to a
// MeltforgeConfig struct ready to be passed to the engine.
func (config *MeltforgeConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// LoadFromEnvironment populates the config from environment variables
// and defaults only, for when no config file exists.
func (config *MeltforgeConfig) LoadFromEnvironment() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// GetPluginDir will return the directory path scanned for installed
// plugins. It will first look in the config for a value, but if none is
// found a default under the user's home directory is returned. If the
// default cannot be derived due to an error, a panic will occur.
func (config *MeltforgeConfig) GetPluginDir() string {
	if config.PluginDirPath != "" {
		return config.PluginDirPath
	}

	home, err := homedir.Dir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user home dir %s", err))
	}

	return filepath.Join(home, MELTFORGE_USER_DIR_SUFFIX, "plugins")
}

// GetDatabasePath returns the queue database location, defaulting to a
// file alongside the plugin directory inside the user dir.
func (config *MeltforgeConfig) GetDatabasePath() string {
	if config.Database.Path != "" {
		return config.Database.Path
	}

	home, err := homedir.Dir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user home dir %s", err))
	}

	return filepath.Join(home, MELTFORGE_USER_DIR_SUFFIX, "meltforge.db")
}

func (config *MeltforgeConfig) WatchConfig() watch.Config {
	return watch.Config{
		Path:             config.GetPluginDir(),
		ForceSyncSeconds: config.Watcher.ForceSyncSeconds,
	}
}
