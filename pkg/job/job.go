package job

import (
	"path/filepath"
	"sync"

	"github.com/sisyphus-wfm/sisyphus/pkg/hashutil"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// Job is the unit of the graph. It is never constructed directly: use
// Registry.Build so identity and deduplication (I2) hold.
type Job struct {
	id          string
	modulePath  string
	className   string
	kwargs      value.Map
	hash        string
	hashExclude value.Map
	version     value.Value

	outputs map[string]*Path
	aliases []string
	tasks   []*Task
	keep    *int
	tags    []string

	mu        sync.Mutex // guards directory setup / archive / team-share linking
	setUp     bool
	finished  bool
	inputs    []*Path

	dynamicUpdate func() ([]*Path, bool)
}

// AsValue marks Job as a leaf value so it can sit inside another job's
// kwargs tree (the common "chain of jobs" shape, S2).
func (*Job) AsValue() {}

// SisHash defers to the job's own identifier: a Job's hash contribution
// inside another job's kwargs is its id, not its full kwargs tree, so a
// diamond dependency does not re-hash the same subgraph repeatedly.
func (j *Job) SisHash() []byte {
	return hashutil.Hash(value.Str(j.id))
}

// ID returns the stable "<module/path>/<ClassName>.<digest>" identifier.
func (j *Job) ID() string { return j.id }

// ClassName returns the recipe-qualified class name.
func (j *Job) ClassName() string { return j.className }

// Hash returns the bare digest suffix (the directory's last path component
// minus the class name).
func (j *Job) Hash() string { return j.hash }

// Kwargs returns the immutable construction arguments.
func (j *Job) Kwargs() value.Map { return j.kwargs }

// Version returns the job's __sis_version__ pin, or nil if the class didn't
// set one. It was already folded into the job's hash at construction time
// (Spec.Version); this accessor just exposes it for inspection.
func (j *Job) Version() value.Value { return j.version }

// Tags returns the job's sis_tags, set at construction and propagated to
// every Path it produces (see RegisterOutput).
func (j *Job) Tags() []string { return j.tags }

// Inputs returns the Paths recursively extracted from kwargs at
// construction time.
func (j *Job) Inputs() []*Path { return j.inputs }

// SetDynamicUpdate attaches the §4.5/I8 dynamic-expansion hook: fn is called
// once this job's currently-known inputs are all available, and may return
// additional Paths the job has discovered it also depends on. fn must be
// monotonic (only ever grows what it returns) and deterministic.
func (j *Job) SetDynamicUpdate(fn func() ([]*Path, bool)) {
	j.dynamicUpdate = fn
}

// UpdateInputs invokes the dynamic-expansion hook (if any) and merges newly
// discovered Paths into Inputs, skipping ones already known so repeated
// calls are idempotent. Implements graph.DynamicJob.
func (j *Job) UpdateInputs() ([]*Path, bool) {
	if j.dynamicUpdate == nil {
		return nil, false
	}
	found, changed := j.dynamicUpdate()
	if !changed {
		return nil, false
	}
	seen := make(map[*Path]bool, len(j.inputs))
	for _, p := range j.inputs {
		seen[p] = true
	}
	var fresh []*Path
	for _, p := range found {
		if !seen[p] {
			seen[p] = true
			fresh = append(fresh, p)
			j.inputs = append(j.inputs, p)
		}
	}
	return fresh, len(fresh) > 0
}

// Dir returns the job's working directory relative to the work root.
func (j *Job) Dir() string { return j.id }

// OutputDir returns the job's output/ subdirectory relative to the work
// root.
func (j *Job) OutputDir() string { return filepath.Join(j.id, "output") }

// RegisterOutput declares an output Path under the given name, setting its
// Creator to this job. Called from a job's Constructor.
func (j *Job) RegisterOutput(name, relPath string) *Path {
	p := &Path{Creator: j, RelPath: filepath.Join("output", relPath), Tags: j.tags}
	j.outputs[name] = p
	return p
}

// Output returns a previously registered output Path by name.
func (j *Job) Output(name string) *Path { return j.outputs[name] }

// Outputs returns every registered output Path, keyed by name.
func (j *Job) Outputs() map[string]*Path { return j.outputs }

// AddTask registers a Task, in declaration order: "a job's tasks are
// submitted in declaration order; a later task is never submitted until the
// earlier task is finished."
func (j *Job) AddTask(t *Task) {
	t.job = j
	j.tasks = append(j.tasks, t)
}

// Tasks returns the job's tasks in declaration order.
func (j *Job) Tasks() []*Task { return j.tasks }

// AddAlias records a user-assigned alias name for this job.
func (j *Job) AddAlias(name string) { j.aliases = append(j.aliases, name) }

// Aliases returns the job's user-assigned aliases.
func (j *Job) Aliases() []string { return j.aliases }

// SetKeepValue declares this job's cleanup priority (0 <= v < 100).
func (j *Job) SetKeepValue(v int) { j.keep = &v }

// KeepValue returns the job's declared keep-value, or ok=false if unset (the
// caller should then fall back to JOB_DEFAULT_KEEP_VALUE per Open Question
// (c): None means "use the default", not "never clean").
func (j *Job) KeepValue() (int, bool) {
	if j.keep == nil {
		return 0, false
	}
	return *j.keep, true
}

// MarkSetUp records that the working directory has been materialized.
// Idempotent: directory setup happens at most once per manager run.
func (j *Job) MarkSetUp() {
	j.mu.Lock()
	j.setUp = true
	j.mu.Unlock()
}

// IsSetUp reports whether MarkSetUp has been called.
func (j *Job) IsSetUp() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setUp
}

// MarkFinished records that the job's finish marker has been observed,
// invalidating the memoized availability of its output Paths so downstream
// consumers re-check the filesystem.
func (j *Job) MarkFinished() {
	j.mu.Lock()
	j.finished = true
	j.mu.Unlock()
	for _, p := range j.outputs {
		p.Invalidate()
	}
}

// IsFinished reports whether MarkFinished has been called.
func (j *Job) IsFinished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Lock guards directory setup, archive creation and team-share linking for
// this job, matching "each job holds a per-object lock".
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }
