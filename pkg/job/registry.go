// Package job implements the hash-addressed job graph: Job identity and
// singleton deduplication (C3), Path/Variable handles with deferred
// formatting (C2), and the Task unit of execution (C4).
package job

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/sisyphus-wfm/sisyphus/pkg/hashutil"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// Spec describes one Job construction request: the recipe-qualified class
// name, its module path (used to build the on-disk directory and the
// identifier prefix) and its normalized kwargs. Constructor is invoked
// exactly once, the first time this (ModulePath, ClassName, kwargs-hash)
// combination is seen; it receives the Job so it can populate Outputs and
// register Tasks before the registry extracts inputs from it.
type Spec struct {
	ModulePath  string
	ClassName   string
	Kwargs      value.Map
	HashExclude value.Map // keys omitted from the hash when equal to their recorded sentinel
	Version     value.Value
	Tags        []string // sis_tags: propagated to every Path this job produces
	Constructor func(j *Job)
}

var tagPattern = regexp.MustCompile(`^[-.0-9A-Za-z_]+$`)

// Registry is the singleton table keyed by job identifier: "constructing
// the same job class with equivalent kwargs twice yields pointer-equal
// instances" (I2). A Registry is scoped to one config load / graph; discard
// it (and the Jobs it holds) together.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Build constructs (or returns the cached instance for) the job described by
// spec. This is the only way Jobs are created: there is no public Job
// literal constructor, matching the upstream invariant that identity is
// entirely a function of (class, normalized kwargs).
func (r *Registry) Build(spec Spec) *Job {
	kwargs := spec.Kwargs
	if spec.HashExclude != nil {
		kwargs = applyHashExclude(kwargs, spec.HashExclude)
	}
	var hashed value.Value = kwargs
	if spec.Version != nil {
		hashed = value.List{spec.Version, kwargs}
	}
	digest := hashutil.ShortHash(hashed, 12)
	id := fmt.Sprintf("%s/%s.%s", spec.ModulePath, spec.ClassName, digest)

	for _, tag := range spec.Tags {
		if !tagPattern.MatchString(tag) {
			panic(fmt.Sprintf("job: sis_tag %q must match [-.0-9A-Za-z_]+", tag))
		}
	}

	r.mu.Lock()
	if existing, ok := r.jobs[id]; ok {
		r.mu.Unlock()
		return existing
	}
	j := &Job{
		id:          id,
		modulePath:  spec.ModulePath,
		className:   spec.ClassName,
		kwargs:      spec.Kwargs,
		hash:        digest,
		hashExclude: spec.HashExclude,
		version:     spec.Version,
		tags:        append([]string(nil), spec.Tags...),
		outputs:     make(map[string]*Path),
	}
	r.jobs[id] = j
	r.mu.Unlock()

	if spec.Constructor != nil {
		spec.Constructor(j)
	}
	j.inputs = extractPaths(spec.Kwargs)
	return j
}

// Get returns the job registered under id, if any. Used by deserialization:
// a known id resolves to the singleton rather than building a fresh Job.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// applyHashExclude drops any kwarg whose value equals its recorded sentinel,
// implementing __sis_hash_exclude__: a job with k=v0 hashes identically to
// one with k omitted (I4).
func applyHashExclude(kwargs, exclude value.Map) value.Map {
	sentinel := make(map[string]value.Value, len(exclude))
	for _, e := range exclude {
		if k, ok := e.Key.(value.Str); ok {
			sentinel[string(k)] = e.Val
		}
	}
	out := make(value.Map, 0, len(kwargs))
	for _, e := range kwargs {
		k, ok := e.Key.(value.Str)
		if ok {
			if sv, excluded := sentinel[string(k)]; excluded && hashutil.ShortHash(sv, 32) == hashutil.ShortHash(e.Val, 32) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// extractPaths walks kwargs recursively, collecting every embedded *Path
// (including those reached through a *Variable or a Job's Outputs) so the
// graph can be traversed without the caller declaring inputs twice.
func extractPaths(v value.Value) []*Path {
	var out []*Path
	var seen = map[*Path]bool{}
	var walk func(value.Value)
	walk = func(v value.Value) {
		switch t := v.(type) {
		case *Path:
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		case *Variable:
			if !seen[t.Path] {
				seen[t.Path] = true
				out = append(out, t.Path)
			}
		case *Job:
			for _, p := range t.outputs {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		case value.List:
			for _, e := range t {
				walk(e)
			}
		case value.Set:
			for _, e := range t {
				walk(e)
			}
		case value.Map:
			for _, e := range t {
				walk(e.Key)
				walk(e.Val)
			}
		}
	}
	walk(v)
	return out
}
