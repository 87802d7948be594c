package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// SubmitLog is the append-only per-job ledger at <job-dir>/submit_log. The
// manager is the only writer; engines only read it (via History). Append
// order is total, serialized by the manager per submission batch.
type SubmitLog struct {
	mu   sync.Mutex
	path string
}

// OpenSubmitLog returns a handle to the submit_log file at path (created on
// first Append if absent).
func OpenSubmitLog(path string) *SubmitLog {
	return &SubmitLog{path: path}
}

// Append writes one record in the §6 grammar:
// "([task_id, ...], {key: value, ..., engine_name: name, engine_info: info})".
func (l *SubmitLog) Append(entry SubmitLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("engine: open submit_log: %w", err)
	}
	defer f.Close()
	line := formatSubmitLine(entry)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("engine: append submit_log: %w", err)
	}
	return nil
}

func formatSubmitLine(e SubmitLogEntry) string {
	ids := make([]string, len(e.TaskIDs))
	for i, id := range e.TaskIDs {
		ids[i] = strconv.Itoa(id)
	}
	var kv []string
	for k, v := range e.Rqmt {
		kv = append(kv, fmt.Sprintf("%q: %v", k, v))
	}
	kv = append(kv, fmt.Sprintf("%q: %q", "engine_name", e.EngineName))
	kv = append(kv, fmt.Sprintf("%q: %q", "engine_info", e.EngineInfo))
	return fmt.Sprintf("([%s], {%s})", strings.Join(ids, ", "), strings.Join(kv, ", "))
}

// History reads and parses the submit_log into task_id -> []SubmitLogEntry.
// Every call re-reads the file; no memo is kept here.
// A missing file is not an error: it just means no submissions happened yet.
func (l *SubmitLog) History() (SubmitHistory, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SubmitHistory{}, nil
		}
		return nil, fmt.Errorf("engine: open submit_log: %w", err)
	}
	defer f.Close()

	hist := SubmitHistory{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		entry, ids, ok := parseSubmitLine(sc.Text())
		if !ok {
			continue
		}
		for _, id := range ids {
			hist[id] = append(hist[id], entry)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("engine: scan submit_log: %w", err)
	}
	return hist, nil
}

// parseSubmitLine is a tolerant, line-oriented parser for the grammar
// formatSubmitLine emits; it is not a general Python-literal evaluator.
func parseSubmitLine(line string) (SubmitLogEntry, []int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "([") || !strings.HasSuffix(line, "})") {
		return SubmitLogEntry{}, nil, false
	}
	idsEnd := strings.Index(line, "]")
	if idsEnd < 0 {
		return SubmitLogEntry{}, nil, false
	}
	idsPart := line[2:idsEnd]
	var ids []int
	for _, s := range strings.Split(idsPart, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			ids = append(ids, n)
		}
	}

	mapStart := strings.Index(line, "{")
	mapEnd := strings.LastIndex(line, "}")
	if mapStart < 0 || mapEnd < 0 || mapEnd <= mapStart {
		return SubmitLogEntry{}, nil, false
	}
	entry := SubmitLogEntry{TaskIDs: ids, Rqmt: map[string]float64{}}
	for _, kv := range strings.Split(line[mapStart+1:mapEnd], ",") {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(parts[0]), `"`)
		val := strings.TrimSpace(parts[1])
		switch key {
		case "engine_name":
			entry.EngineName = strings.Trim(val, `"`)
		case "engine_info":
			entry.EngineInfo = strings.Trim(val, `"`)
		default:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				entry.Rqmt[key] = f
			}
		}
	}
	return entry, ids, true
}
