package job

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sisyphus-wfm/sisyphus/pkg/hashutil"
	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// Path is a reference to a file, carrying enough provenance to be hashed
// without touching the filesystem and enough behavior to check availability
// against it. A nil Creator means the Path is an external input.
type Path struct {
	Creator  *Job
	RelPath  string
	Tags     []string
	Cached   bool
	Override []byte // explicit hash override, takes precedence over (Creator, RelPath)

	// Available, if set, replaces the default availability rule.
	Available func() bool

	mu        sync.Mutex
	memoAvail *bool
}

// AsValue marks Path as a leaf that can appear inside a kwargs tree.
func (*Path) AsValue() {}

// NewPath returns an external input path (no creator): relPath is taken
// literally, resolved against the working directory at consumption time.
func NewPath(relPath string) *Path {
	return &Path{RelPath: relPath}
}

// FlatID is the "Test_<flattened-inner-id>" form used as the input/ symlink
// name: the creator's identifier with path separators replaced so it's a
// single valid filename component.
func (p *Path) FlatID() string {
	if p.Creator == nil {
		return strings.ReplaceAll(p.RelPath, string(filepath.Separator), "_")
	}
	return strings.ReplaceAll(p.Creator.ID(), string(filepath.Separator), "_")
}

// IsAvailable reports whether the referenced file can be read right now. The
// result is memoized per Path until Invalidate is called (e.g. once the
// creator finishes).
func (p *Path) IsAvailable(statFn func(path string) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.memoAvail != nil {
		return *p.memoAvail
	}
	var avail bool
	switch {
	case p.Available != nil:
		avail = p.Available()
	case p.Creator == nil:
		avail = statFn(p.RelPath)
	default:
		avail = p.Creator.IsFinished() && statFn(p.AbsPath(p.Creator.Dir()))
	}
	p.memoAvail = &avail
	return avail
}

// Invalidate clears the memoized availability, forcing the next IsAvailable
// call to recheck.
func (p *Path) Invalidate() {
	p.mu.Lock()
	p.memoAvail = nil
	p.mu.Unlock()
}

// AbsPath joins workDir and RelPath (an absolute RelPath is returned as is).
// For a job output workDir is the creator's job directory, since RelPath
// already starts with "output/"; for an external path it is the working
// directory root.
func (p *Path) AbsPath(workDir string) string {
	if filepath.IsAbs(p.RelPath) {
		return p.RelPath
	}
	return filepath.Join(workDir, p.RelPath)
}

// GetCachedPath returns the path a consumer should read from: the real path,
// or — if the Path requests caching and a cache directory is configured —
// a site-local copy path under cacheDir.
func (p *Path) GetCachedPath(workDir, cacheDir string) string {
	real := p.AbsPath(workDir)
	if !p.Cached || cacheDir == "" {
		return real
	}
	return filepath.Join(cacheDir, p.FlatID())
}

// SisHash hashes only (creator identifier, relative path) or the explicit
// override — never filesystem state — so a Path's identity survives across
// runs even though the file it names may not exist yet.
func (p *Path) SisHash() []byte {
	if p.Override != nil {
		return hashutil.Hash(value.Bytes(p.Override))
	}
	creator := value.Value(value.Null{})
	if p.Creator != nil {
		creator = value.Str(p.Creator.ID())
	}
	return hashutil.Hash(value.List{value.ClassRef{Module: "job", Name: "Path"}, creator, value.Str(p.RelPath)})
}

// Variable is a Path specialization whose content is a single value rather
// than an opaque file. Reading blocks (conceptually; callers poll
// IsAvailable) until the producing job finishes, unless Backup is set.
type Variable struct {
	*Path
	Pickle bool
	Backup value.Value
	hasVal bool
	val    value.Value
}

// NewVariable wraps relPath as a Variable handle.
func NewVariable(relPath string, pickle bool) *Variable {
	return &Variable{Path: &Path{RelPath: relPath}, Pickle: pickle}
}

// AsValue marks Variable as a leaf value, same as its embedded Path.
func (*Variable) AsValue() {}

// Set stores the concrete value, making it available to Get without reading
// the backing file — used by the worker side right after computing it, and
// by tests.
func (v *Variable) Set(val value.Value) {
	v.hasVal = true
	v.val = val
}

var errVariableNotSet = errors.New("job: variable not set and no backup configured")

// Get returns the variable's value: the cached/set value if present,
// otherwise the configured Backup, otherwise a typed "not set" error.
func (v *Variable) Get() (value.Value, error) {
	if v.hasVal {
		return v.val, nil
	}
	if v.Backup != nil {
		return v.Backup, nil
	}
	return nil, errVariableNotSet
}

// EncodeLiteral renders a Value as a repr-parsable literal: the textual
// (non-pickled) Variable serialization format, with Python-style nan/inf
// spellings so numeric round trips are exact.
func EncodeLiteral(v value.Value) string {
	switch t := v.(type) {
	case value.Null:
		return "None"
	case value.Bool:
		if t {
			return "True"
		}
		return "False"
	case value.Int:
		return strconv.FormatInt(int64(t), 10)
	case value.Float:
		return formatLiteralFloat(float64(t))
	case value.Str:
		return fmt.Sprintf("%q", string(t))
	case value.List:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = EncodeLiteral(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case value.Map:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = EncodeLiteral(e.Key) + ": " + EncodeLiteral(e.Val)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatLiteralFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// DecodeLiteral parses the textual Variable format back into a Value,
// tolerant of the handful of shapes EncodeLiteral produces plus bare
// nan/inf/-inf tokens (Python's eval would accept them via the float builtin
// restricted globals; we accept them directly).
func DecodeLiteral(s string) (value.Value, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "None":
		return value.Null{}, nil
	case "True":
		return value.Bool(true), nil
	case "False":
		return value.Bool(false), nil
	case "nan":
		return value.Float(math.NaN()), nil
	case "inf":
		return value.Float(math.Inf(1)), nil
	case "-inf":
		return value.Float(math.Inf(-1)), nil
	}
	if strings.HasPrefix(s, "'") || strings.HasPrefix(s, "\"") {
		unquoted, err := strconv.Unquote(strings.ReplaceAll(s, "'", "\""))
		if err != nil {
			return nil, fmt.Errorf("job: decode literal %q: %w", s, err)
		}
		return value.Str(unquoted), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f), nil
	}
	return nil, fmt.Errorf("job: cannot decode literal %q", s)
}
