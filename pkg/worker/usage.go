// Package worker implements the short-lived task-instance executor (C10):
// it loads a serialized Job, runs exactly one task instance, and maintains
// a heartbeat/usage-logging thread while it does.
package worker

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot is the usage.<task>.<id> heartbeat record: pid/host/user plus
// resource measurements, continuously overwritten by the logging thread and
// read back by the manager (liveness) and the local engine (crash
// recovery).
type Snapshot struct {
	Max                map[string]float64
	Current            map[string]float64
	PID                int
	User               string
	UsedTime           float64
	Host               string
	CurrentTime        float64
	OutOfMemory        bool
	RequestedResources map[string]float64
}

// EncodeSnapshot renders s as the literal-evaluable mapping format from §6:
// a flat "{key: value, ...}" line, nan/inf spelled the Python way so the
// round trip through pickle-free storage is exact.
func EncodeSnapshot(s Snapshot) string {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, "'max': %s, ", encodeFloatMap(s.Max))
	fmt.Fprintf(&b, "'current': %s, ", encodeFloatMap(s.Current))
	fmt.Fprintf(&b, "'pid': %d, ", s.PID)
	fmt.Fprintf(&b, "'user': %q, ", s.User)
	fmt.Fprintf(&b, "'used_time': %s, ", encodeFloat(s.UsedTime))
	fmt.Fprintf(&b, "'host': %q, ", s.Host)
	fmt.Fprintf(&b, "'current_time': %s, ", encodeFloat(s.CurrentTime))
	fmt.Fprintf(&b, "'out_of_memory': %s, ", encodeBool(s.OutOfMemory))
	fmt.Fprintf(&b, "'requested_resources': %s", encodeFloatMap(s.RequestedResources))
	b.WriteByte('}')
	return b.String()
}

func encodeBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func encodeFloat(f float64) string {
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

func encodeFloatMap(m map[string]float64) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: %s", k, encodeFloat(m[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ParseSnapshot is the inverse of EncodeSnapshot: a tolerant, single-line
// parser for exactly the shape EncodeSnapshot emits.
func ParseSnapshot(line string) (Snapshot, error) {
	fields, err := splitTopLevel(line)
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	for _, f := range fields {
		kv := strings.SplitN(f, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(kv[0]), `'"`)
		val := strings.TrimSpace(kv[1])
		switch key {
		case "max":
			s.Max, _ = parseFloatMap(val)
		case "current":
			s.Current, _ = parseFloatMap(val)
		case "pid":
			s.PID, _ = strconv.Atoi(val)
		case "user":
			s.User = strings.Trim(val, `"'`)
		case "used_time":
			s.UsedTime = parseLiteralFloat(val)
		case "host":
			s.Host = strings.Trim(val, `"'`)
		case "current_time":
			s.CurrentTime = parseLiteralFloat(val)
		case "out_of_memory":
			s.OutOfMemory = val == "True"
		case "requested_resources":
			s.RequestedResources, _ = parseFloatMap(val)
		}
	}
	return s, nil
}

func parseLiteralFloat(s string) float64 {
	switch s {
	case "nan":
		return math.NaN()
	case "inf":
		return math.Inf(1)
	case "-inf":
		return math.Inf(-1)
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseFloatMap(s string) (map[string]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("worker: not a map literal: %q", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	out := map[string]float64{}
	if inner == "" {
		return out, nil
	}
	for _, pair := range strings.Split(inner, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(kv[0]), `"'`)
		out[key] = parseLiteralFloat(strings.TrimSpace(kv[1]))
	}
	return out, nil
}

// splitTopLevel splits a "{...}" line into its top-level "key: value"
// fields, respecting nested braces so a nested map's commas don't split it.
func splitTopLevel(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
		return nil, fmt.Errorf("worker: not a mapping literal: %q", line)
	}
	inner := line[1 : len(line)-1]
	var fields []string
	depth := 0
	start := 0
	for i, r := range inner {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				fields = append(fields, inner[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, inner[start:])
	return fields, nil
}

// WriteAtomic overwrites path's content atomically (write to a temp file in
// the same directory, then rename), matching the §4.11 requirement that the
// usage snapshot is "overwritten atomically".
func WriteAtomic(path, content string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("worker: create %s: %w", tmp, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("worker: write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("worker: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("worker: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadSnapshotFile reads and parses a usage.<task>.<id> file.
func ReadSnapshotFile(path string) (Snapshot, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, time.Time{}, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		return Snapshot{}, time.Time{}, fmt.Errorf("worker: empty snapshot file %s", path)
	}
	snap, err := ParseSnapshot(sc.Text())
	return snap, info.ModTime(), err
}
