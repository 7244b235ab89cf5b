package block

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
)

// Registry resolves blocks by id and version. Versions are semver;
// resolution picks the highest registered version unless an exact
// version or a constraint is requested.
type Registry struct {
	mu     sync.RWMutex
	blocks map[string]map[string]Block // id -> version -> block
}

func NewRegistry() *Registry {
	return &Registry{blocks: map[string]map[string]Block{}}
}

// Register adds a block. The version must parse as semver and the
// (id, version) pair must be unused.
func (r *Registry) Register(b Block) error {
	id := b.ID()
	if id == "" {
		return blockerr.New(blockerr.CodeBlockInitializationFailed, "block has an empty id")
	}
	if _, err := semver.NewVersion(b.Version()); err != nil {
		return blockerr.New(blockerr.CodeBlockInitializationFailed,
			fmt.Sprintf("block %s has invalid version %q", id, b.Version())).
			WithDetail("block_id", id).
			WithDetail("version", b.Version())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.blocks[id]
	if !ok {
		versions = map[string]Block{}
		r.blocks[id] = versions
	}
	if _, exists := versions[b.Version()]; exists {
		return blockerr.New(blockerr.CodeBlockInitializationFailed,
			fmt.Sprintf("block %s@%s is already registered", id, b.Version())).
			WithDetail("block_id", id).
			WithDetail("version", b.Version())
	}
	versions[b.Version()] = b
	return nil
}

// MustRegister registers a set of blocks and panics on conflicts.
// Intended for wiring the standard catalogue at startup.
func (r *Registry) MustRegister(blocks ...Block) {
	for _, b := range blocks {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// Get resolves a block. An empty version or "latest" selects the
// highest registered version; an exact version must match; anything
// else is treated as a semver constraint (">=1.0.0 <2.0.0", "^1.2",
// ...) and resolves to the highest satisfying version.
func (r *Registry) Get(id, version string) (Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.blocks[id]
	if !ok {
		return nil, blockerr.New(blockerr.CodeBlockNotFound,
			fmt.Sprintf("block not found: %s", id)).
			WithDetail("block_id", id).
			WithHint("check the block id or register the block before use")
	}

	if version == "" || version == "latest" {
		return versions[highestVersion(versions)], nil
	}
	if b, ok := versions[version]; ok {
		return b, nil
	}

	if c, err := semver.NewConstraint(version); err == nil {
		if best := highestSatisfying(versions, c); best != "" {
			return versions[best], nil
		}
	}

	return nil, blockerr.New(blockerr.CodeBlockNotFound,
		fmt.Sprintf("block %s has no version matching %q", id, version)).
		WithDetail("block_id", id).
		WithDetail("requested", version).
		WithDetail("available", strings.Join(sortedVersions(versions), ", "))
}

// Resolve is Get for specced blocks: it also returns the spec when
// the block declares one.
func (r *Registry) Resolve(id, version string) (Block, *Spec, error) {
	b, err := r.Get(id, version)
	if err != nil {
		return nil, nil, err
	}
	if s, ok := b.(Specced); ok {
		spec := s.Spec()
		return b, &spec, nil
	}
	return b, nil, nil
}

// List returns (id, version) pairs for every registered block, sorted
// by id then descending version.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Spec
	for id, versions := range r.blocks {
		for v, b := range versions {
			spec := Spec{ID: id, Version: v}
			if s, ok := b.(Specced); ok {
				spec = s.Spec()
			}
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		vi, ei := semver.NewVersion(out[i].Version)
		vj, ej := semver.NewVersion(out[j].Version)
		if ei != nil || ej != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return out
}

func highestVersion(versions map[string]Block) string {
	best := ""
	var bestV *semver.Version
	for v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if bestV == nil || sv.GreaterThan(bestV) {
			best, bestV = v, sv
		}
	}
	return best
}

func highestSatisfying(versions map[string]Block, c *semver.Constraints) string {
	best := ""
	var bestV *semver.Version
	for v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil || !c.Check(sv) {
			continue
		}
		if bestV == nil || sv.GreaterThan(bestV) {
			best, bestV = v, sv
		}
	}
	return best
}

func sortedVersions(versions map[string]Block) []string {
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
