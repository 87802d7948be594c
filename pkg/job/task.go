package job

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sisyphus-wfm/sisyphus/pkg/value"
)

// UpdateRqmtFunc computes the next attempt's requirements from the initial
// request and the last recorded usage snapshot.
type UpdateRqmtFunc func(initial map[string]float64, lastUsage UsageSnapshot) map[string]float64

// UsageSnapshot mirrors the fields a worker's heartbeat file records, the
// shape update_rqmt reads to decide whether to escalate.
type UsageSnapshot struct {
	UsedTime            float64
	Max                 map[string]float64 // e.g. "rss"
	RequestedResources  map[string]float64
	OutOfMemory         bool
}

// Task is one executable phase of a Job: a start function, an optional
// resume function, a resource hint, an argument list (one task-instance per
// element), and a retry policy.
type Task struct {
	job *Job

	Name           string
	StartFunc      string
	ResumeFunc     string // empty => non-resumable
	Rqmt           map[string]float64
	Args           []value.Value
	Parallel       int // 0 means one task-id per arg
	Mini           bool
	Tries          int
	Continuable    bool // never writes a finish marker; implicitly always runnable
	UpdateRqmt     UpdateRqmtFunc
}

// Job returns the owning job, set by Job.AddTask.
func (t *Task) Job() *Job { return t.job }

// Resumable reports whether a resume function was declared.
func (t *Task) Resumable() bool { return t.ResumeFunc != "" }

// NumTaskIDs returns P, the number of task-ids this task spreads its args
// across: Parallel if set, else one id per arg.
func (t *Task) NumTaskIDs() int {
	if t.Parallel > 0 {
		return t.Parallel
	}
	return len(t.Args)
}

// ArgRange returns the zero-based, half-open [start, end) slice of Args
// owned by task-id t (1-indexed, per §4.4's "task-ids are 1..N"). For N args
// over P ids, q = N/P, r = N%P; the first r ids get q+1 args, the rest get
// q — a deterministic balanced chunking whose ranges partition 0..N-1
// exactly (I7).
func (task *Task) ArgRange(taskID int) (start, end int) {
	n := len(task.Args)
	p := task.NumTaskIDs()
	if p == 0 {
		return 0, 0
	}
	q, r := n/p, n%p
	idx := taskID - 1
	if idx < r {
		start = idx * (q + 1)
		end = start + q + 1
		return
	}
	start = r*(q+1) + (idx-r)*q
	end = start + q
	return
}

// ArgsForTaskID returns the slice of Args owned by the given task-id.
func (task *Task) ArgsForTaskID(taskID int) []value.Value {
	start, end := task.ArgRange(taskID)
	return task.Args[start:end]
}

// DefaultUpdateRqmt is the §4.4 default escalation policy: if wall-time used
// is within 10% of the request, or the prior attempt ran out of memory,
// double the exceeded dimension. clamp, if non-nil, clamps the result (e.g.
// time<=24h => mem<=127).
func DefaultUpdateRqmt(initial map[string]float64, last UsageSnapshot, clamp func(map[string]float64) map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(initial))
	for k, v := range initial {
		out[k] = v
	}
	if t, ok := initial["time"]; ok {
		if last.UsedTime >= t*0.9 {
			out["time"] = t * 2
		}
	}
	if mem, ok := initial["mem"]; ok {
		rss := last.Max["rss"]
		if last.OutOfMemory || rss >= mem-0.25 {
			out["mem"] = mem * 2
		}
	}
	if clamp != nil {
		out = clamp(out)
	}
	return out
}

// NormalizeMem parses a memory requirement that may be a bare float (GiB) or
// a string with a K/M/G/T suffix, returning GiB.
func NormalizeMem(raw value.Value) (float64, bool) {
	switch v := raw.(type) {
	case value.Float:
		return float64(v), true
	case value.Int:
		return float64(v), true
	case value.Str:
		return parseSuffixedQuantity(string(v), map[byte]float64{
			'K': 1.0 / (1024 * 1024), 'M': 1.0 / 1024, 'G': 1, 'T': 1024,
		})
	}
	return 0, false
}

// NormalizeTime parses a wall-time requirement that may be a bare float
// (hours) or an "H:M:S" string, returning hours.
func NormalizeTime(raw value.Value) (float64, bool) {
	switch v := raw.(type) {
	case value.Float:
		return float64(v), true
	case value.Int:
		return float64(v), true
	case value.Str:
		return parseHMS(string(v))
	}
	return 0, false
}

func parseSuffixedQuantity(s string, units map[byte]float64) (float64, bool) {
	if s == "" {
		return 0, false
	}
	last := s[len(s)-1]
	if mult, ok := units[last]; ok {
		num, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, false
		}
		return num * mult, true
	}
	num, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

func parseHMS(s string) (float64, bool) {
	var h, m, sec float64
	n, err := fmt.Sscanf(s, "%f:%f:%f", &h, &m, &sec)
	if err != nil || n == 0 {
		return 0, false
	}
	return h + m/60 + sec/3600, true
}

// ClampEngine applies an engine's time/mem ceilings the way §4.8's
// default limits do, generically over any clamp function shaped like
// config.Settings.CheckEngineLimits.
func ClampEngine(rqmt map[string]float64, maxTime, maxMemHigh, maxMemLow float64) map[string]float64 {
	out := make(map[string]float64, len(rqmt))
	for k, v := range rqmt {
		out[k] = v
	}
	t, ok := out["time"]
	if !ok {
		t = 2
	}
	out["time"] = math.Min(t, maxTime)
	if mem, ok := out["mem"]; ok {
		limit := maxMemLow
		if out["time"] > 24 {
			limit = maxMemHigh
		}
		out["mem"] = math.Min(mem, limit)
	}
	return out
}
