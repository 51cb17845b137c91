package plugin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/pkg/logger"
)

var loaderLog = logger.Get("PluginLoader")

// Load failure sentinels. LoadAll reports these per candidate without
// aborting the pass; only an unreadable plugin directory is fatal.
var (
	ErrManifestInvalid    = errors.New("plugin manifest invalid")
	ErrEntrypointMissing  = errors.New("plugin entrypoint missing or not executable")
	ErrDigestMismatch     = errors.New("plugin entrypoint does not match pinned digest")
	ErrAPIVersionMismatch = errors.New("plugin requires an incompatible runtime API version")
	ErrInitFailed         = errors.New("plugin failed to initialise")
	ErrDuplicatePlugin    = errors.New("plugin name/version already loaded")
	ErrNotLoaded          = errors.New("plugin is not loaded")
)

type (
	// Candidate is a directory discovered under the plugin root which
	// exposes a manifest. Discovery reads no plugin code.
	Candidate struct {
		Name         string
		Dir          string
		ManifestPath string
	}

	// LoadedPlugin is a validated, admitted manifest plus the live
	// handle used to invoke it. It is created only after manifest
	// validation and capability admission succeed, and is never mutated
	// afterwards; replacing a plugin version is unload-then-load.
	LoadedPlugin struct {
		Manifest *Manifest
		Dir      string

		// HandleID uniquely identifies this load of the plugin; a
		// reloaded plugin gets a fresh handle.
		HandleID uuid.UUID

		LoadedAt time.Time
	}

	// LoadFailure pairs a candidate with the reason it failed to load.
	LoadFailure struct {
		Candidate Candidate
		Err       error
	}

	// LoaderOptions tune load-time behaviour.
	LoaderOptions struct {
		// Handshake invokes the entrypoint with a short 'describe'
		// request during load to verify it actually speaks the
		// invocation contract. Failures become ErrInitFailed.
		Handshake        bool
		HandshakeTimeout time.Duration

		// Parallelism bounds concurrent manifest loading in LoadAll.
		Parallelism int
	}

	// registry is one immutable snapshot of the loaded-plugin set.
	// Mutations build a replacement and publish it atomically so readers
	// never observe a partially updated set.
	registry struct {
		byName map[string]*LoadedPlugin
		order  []string
	}

	// Loader turns a directory of candidate plugin packages into the
	// shared LoadedPlugin set, isolating per-plugin failures so one
	// malformed or crashing plugin never aborts discovery of the rest.
	Loader struct {
		mu       sync.Mutex
		enforcer *Enforcer
		resolver *format.Resolver
		invoker  *Invoker
		opts     LoaderOptions

		current atomic.Pointer[registry]
	}
)

func (p *LoadedPlugin) EntrypointPath() string {
	return filepath.Join(p.Dir, p.Manifest.Entrypoint)
}

func (p *LoadedPlugin) String() string {
	return fmt.Sprintf("{%s@%s handle=%s}", p.Manifest.Name, p.Manifest.Version, p.HandleID)
}

func NewLoader(enforcer *Enforcer, resolver *format.Resolver, invoker *Invoker, opts LoaderOptions) *Loader {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	loader := &Loader{
		enforcer: enforcer,
		resolver: resolver,
		invoker:  invoker,
		opts:     opts,
	}
	loader.current.Store(&registry{byName: make(map[string]*LoadedPlugin)})

	return loader
}

// Discover lists candidate plugin packages under dir in sorted order. It
// only inspects the directory layout; no manifest is parsed and no plugin
// code executes. A missing directory yields an empty candidate list.
func Discover(dir string) ([]Candidate, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin directory: %w", err)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", absDir, err)
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		entryPath := filepath.Join(absDir, entry.Name())
		manifestPath := filepath.Join(entryPath, ManifestFilename)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		candidates = append(candidates, Candidate{
			Name:         entry.Name(),
			Dir:          entryPath,
			ManifestPath: manifestPath,
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates, nil
}

// load validates and instantiates a single candidate without touching the
// shared registry. Every failure mode is converted to a classified error
// rather than propagating and terminating the scan.
func (l *Loader) load(ctx context.Context, candidate Candidate) (*LoadedPlugin, error) {
	manifest, err := ParseManifest(candidate.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}

	entrypoint := filepath.Join(candidate.Dir, manifest.Entrypoint)
	info, err := os.Stat(entrypoint)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrEntrypointMissing, entrypoint)
	}
	if info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("%w: %s is not executable", ErrEntrypointMissing, entrypoint)
	}

	if manifest.Digest != "" {
		actual, err := digestFile(entrypoint)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to digest entrypoint: %w", ErrDigestMismatch, err)
		}
		if actual != manifest.Digest {
			return nil, fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, manifest.Digest, actual)
		}
	}

	if err := l.enforcer.Admit(manifest); err != nil {
		if errors.Is(err, ErrAPIVersionUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrAPIVersionMismatch, err)
		}
		return nil, err
	}

	loaded := &LoadedPlugin{
		Manifest: manifest,
		Dir:      candidate.Dir,
		HandleID: uuid.New(),
		LoadedAt: time.Now(),
	}

	if l.opts.Handshake {
		handshakeCtx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
		defer cancel()

		if err := l.invoker.Describe(handshakeCtx, loaded); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitFailed, err)
		}
	}

	return loaded, nil
}

// Load validates, admits and registers a single candidate, adding it to
// the currently loaded set.
func (l *Loader) Load(ctx context.Context, candidate Candidate) (*LoadedPlugin, error) {
	loaded, err := l.load(ctx, candidate)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.current.Load()
	if _, exists := current.byName[loaded.Manifest.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlugin, loaded.Manifest.Name)
	}

	// Grant before publishing: once the registry snapshot is visible a
	// dispatcher may authorize against the plugin immediately.
	l.enforcer.Grant(loaded.Manifest.Name, loaded.Manifest.Capabilities)
	l.publish(current.cloneWith(loaded))

	loaderLog.Emit(logger.NEW, "Loaded plugin %v from %s\n", loaded, loaded.Dir)
	return loaded, nil
}

// LoadAll discovers and loads every plugin package under dir, replacing
// the currently loaded set wholesale. It always returns both the
// successes and the itemized failures; one bad plugin never aborts the
// pass and no failure is silently dropped. The returned error is non-nil
// only when the directory itself cannot be scanned.
func (l *Loader) LoadAll(ctx context.Context, dir string) ([]*LoadedPlugin, []LoadFailure, error) {
	candidates, err := Discover(dir)
	if err != nil {
		return nil, nil, err
	}

	type outcome struct {
		loaded *LoadedPlugin
		err    error
	}

	outcomes := make([]outcome, len(candidates))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.opts.Parallelism)

	for i, candidate := range candidates {
		i, candidate := i, candidate
		group.Go(func() error {
			loaded, err := l.load(groupCtx, candidate)
			outcomes[i] = outcome{loaded: loaded, err: err}
			return nil
		})
	}

	// Workers never return errors; failures are itemized per candidate.
	_ = group.Wait()

	next := &registry{byName: make(map[string]*LoadedPlugin)}
	loadedSet := make([]*LoadedPlugin, 0, len(candidates))
	failures := make([]LoadFailure, 0)

	for i, candidate := range candidates {
		if outcomes[i].err != nil {
			loaderLog.Emit(logger.WARNING, "Skipping plugin candidate %q: %v\n", candidate.Name, outcomes[i].err)
			failures = append(failures, LoadFailure{Candidate: candidate, Err: outcomes[i].err})
			continue
		}

		loaded := outcomes[i].loaded
		if _, exists := next.byName[loaded.Manifest.Name]; exists {
			failures = append(failures, LoadFailure{
				Candidate: candidate,
				Err:       fmt.Errorf("%w: %s@%s", ErrDuplicatePlugin, loaded.Manifest.Name, loaded.Manifest.Version),
			})
			continue
		}

		next.byName[loaded.Manifest.Name] = loaded
		next.order = append(next.order, loaded.Manifest.Name)
		loadedSet = append(loadedSet, loaded)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Revoke grants for plugins that did not survive the refresh, then
	// grant the new set.
	previous := l.current.Load()
	for name := range previous.byName {
		if _, ok := next.byName[name]; !ok {
			l.enforcer.Revoke(name)
		}
	}
	for _, loaded := range loadedSet {
		l.enforcer.Grant(loaded.Manifest.Name, loaded.Manifest.Capabilities)
	}

	l.publish(next)

	loaderLog.Emit(logger.INFO, "Plugin scan of %s complete: %d loaded, %d failed\n", dir, len(loadedSet), len(failures))
	return loadedSet, failures, nil
}

// Unload releases the live handle for the named plugin. Subsequent
// lookups and invocations against the name fail with ErrNotLoaded, and
// the format index is rebuilt without it.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.current.Load()
	if _, ok := current.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	l.publish(current.cloneWithout(name))
	l.enforcer.Revoke(name)

	loaderLog.Emit(logger.REMOVE, "Unloaded plugin %q\n", name)
	return nil
}

// Plugin returns the loaded plugin with the given name.
func (l *Loader) Plugin(name string) (*LoadedPlugin, error) {
	current := l.current.Load()
	loaded, ok := current.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}

	return loaded, nil
}

// Plugins returns every loaded plugin in discovery order.
func (l *Loader) Plugins() []*LoadedPlugin {
	current := l.current.Load()
	out := make([]*LoadedPlugin, 0, len(current.order))
	for _, name := range current.order {
		out = append(out, current.byName[name])
	}

	return out
}

// publish swaps in a new registry snapshot and rebuilds the format index
// from it. Must be called with the loader mutex held.
func (l *Loader) publish(next *registry) {
	l.current.Store(next)

	indexed := make([]format.IndexedPlugin, 0, len(next.order))
	for _, name := range next.order {
		loaded := next.byName[name]
		indexed = append(indexed, format.IndexedPlugin{
			Name:  name,
			Pairs: loaded.Manifest.Pairs(),
		})
	}

	l.resolver.Swap(format.BuildIndex(indexed))
}

func (r *registry) cloneWith(loaded *LoadedPlugin) *registry {
	next := &registry{byName: make(map[string]*LoadedPlugin, len(r.byName)+1)}
	for name, p := range r.byName {
		next.byName[name] = p
	}
	next.order = append(next.order, r.order...)

	next.byName[loaded.Manifest.Name] = loaded
	next.order = append(next.order, loaded.Manifest.Name)
	return next
}

func (r *registry) cloneWithout(name string) *registry {
	next := &registry{byName: make(map[string]*LoadedPlugin, len(r.byName))}
	for n, p := range r.byName {
		if n != name {
			next.byName[n] = p
		}
	}
	for _, n := range r.order {
		if n != name {
			next.order = append(next.order, n)
		}
	}

	return next
}

// digestFile computes the lowercase BLAKE3 hex digest of the file at path.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
