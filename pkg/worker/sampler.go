package worker

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcSampler implements Sampler against /proc via procfs, aggregating
// resource usage over a process and all of its descendants (§4.11 step 4:
// "aggregated over the process and its descendants").
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("worker: open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample sums resident memory, virtual memory, and CPU time across pid and
// every process descending from it at call time. A process that exits
// between the tree walk and the stat read is skipped rather than failing
// the whole sample.
func (s *ProcSampler) Sample(pid int) (rss, vms, cpu float64, err error) {
	pids, err := s.descendants(pid)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, p := range pids {
		proc, err := s.fs.Proc(p)
		if err != nil {
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		rss += float64(stat.ResidentMemory())
		vms += float64(stat.VirtualMemory())
		cpu += stat.CPUTime()
	}
	return rss, vms, cpu, nil
}

// descendants returns pid and every process transitively parented by it,
// found by building a parent->children index over the full process table.
func (s *ProcSampler) descendants(pid int) ([]int, error) {
	all, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("worker: list procs: %w", err)
	}
	byParent := map[int][]int{}
	for _, p := range all {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		byParent[stat.PPID] = append(byParent[stat.PPID], p.PID)
	}
	out := []int{pid}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range byParent[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}
