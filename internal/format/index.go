package format

import (
	"errors"
	"sort"
	"sync/atomic"

	"github.com/meltforge/meltforge/pkg/logger"
)

var (
	log = logger.Get("FormatIndex")

	ErrNoPluginForFormat = errors.New("no plugin can serve the requested conversion")
)

type (
	// IndexedPlugin is the resolver's view of one admitted plugin: its
	// name and the conversion pairs it declared. The loader supplies
	// these in discovery order.
	IndexedPlugin struct {
		Name  string
		Pairs []Pair
	}

	// Index is an immutable mapping from conversion pair to the ordered
	// candidate plugin names able to serve it. An Index is never mutated
	// after construction; the Resolver publishes replacements wholesale.
	Index struct {
		entries map[Pair][]string
	}

	// Resolver holds the currently published Index. Readers always see a
	// complete snapshot; a rebuild produces an entirely new Index which
	// atomically replaces the old one.
	Resolver struct {
		current atomic.Pointer[Index]
	}
)

// BuildIndex constructs an Index from the plugin set provided. The build
// is deterministic: for each plugin (in the order given), each declared
// pair appends the plugin name to that pair's candidate list, so two
// builds from the same input yield identical candidate orderings.
func BuildIndex(plugins []IndexedPlugin) *Index {
	entries := make(map[Pair][]string)
	for _, p := range plugins {
		for _, pair := range p.Pairs {
			entries[pair] = append(entries[pair], p.Name)
		}
	}

	return &Index{entries: entries}
}

// Resolve returns the ordered candidate plugin names able to convert the
// input kind to the output kind.
func (ix *Index) Resolve(input Kind, output Kind) ([]string, error) {
	candidates := ix.entries[Pair{input, output}]
	if len(candidates) == 0 {
		return nil, ErrNoPluginForFormat
	}

	// Copy so callers cannot mutate the index's backing slice.
	out := make([]string, len(candidates))
	copy(out, candidates)
	return out, nil
}

// Pairs returns every conversion pair the index knows of, sorted for
// stable presentation.
func (ix *Index) Pairs() []Pair {
	pairs := make([]Pair, 0, len(ix.entries))
	for pair := range ix.entries {
		pairs = append(pairs, pair)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Input != pairs[j].Input {
			return pairs[i].Input < pairs[j].Input
		}
		return pairs[i].Output < pairs[j].Output
	})

	return pairs
}

// Candidates returns the plugin names serving the pair provided, in
// candidate order. Used for presentation; Resolve is the erroring variant.
func (ix *Index) Candidates(pair Pair) []string {
	out := make([]string, len(ix.entries[pair]))
	copy(out, ix.entries[pair])
	return out
}

// Select picks one plugin from a non-empty candidate list. The default
// tie-break is "first candidate, in discovery order"; a caller-supplied
// preference wins when it matches one of the candidates.
func Select(candidates []string, preference string) string {
	if preference != "" {
		for _, name := range candidates {
			if name == preference {
				return name
			}
		}
	}

	return candidates[0]
}

func NewResolver() *Resolver {
	r := &Resolver{}
	r.current.Store(BuildIndex(nil))
	return r
}

// Swap atomically publishes the index provided, replacing the previous
// one. In-flight Resolve calls continue against the snapshot they loaded.
func (r *Resolver) Swap(ix *Index) {
	r.current.Store(ix)
	log.Emit(logger.DEBUG, "Format index replaced (%d conversion pairs)\n", len(ix.entries))
}

// Snapshot returns the currently published index.
func (r *Resolver) Snapshot() *Index {
	return r.current.Load()
}

// Resolve is a convenience over Snapshot().Resolve.
func (r *Resolver) Resolve(input Kind, output Kind) ([]string, error) {
	return r.Snapshot().Resolve(input, output)
}
