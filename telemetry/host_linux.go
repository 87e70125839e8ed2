//go:build linux

package telemetry

import (
	"context"
	"fmt"
	"slices"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

func readHost(ctx context.Context, pids []int) (Reading, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Reading{}, fmt.Errorf("sysinfo: %w", err)
	}
	total := float64(uint64(info.Totalram)*uint64(info.Unit)) / mb

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Reading{}, fmt.Errorf("open procfs: %v: %w", err, ErrUnavailable)
	}
	var rss float64
	read := 0
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		p, err := fs.Proc(pid)
		if err != nil {
			// processes come and go between listing and reading
			continue
		}
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		rss += float64(stat.ResidentMemory())
		read++
	}
	if read == 0 {
		return Reading{}, fmt.Errorf("read stat for %d pids: %w", len(pids), ErrUnavailable)
	}
	return Reading{ProcessWorkingSetMB: rss / mb, SystemTotalMB: total}, nil
}

// matchProcs walks the process table once. A process is selected when its
// command name is listed or, with f.Children, when an ancestor is self.
func matchProcs(self int, f ProcessFilter) []int {
	out := []int{self}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return out
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return out
	}
	parent := make(map[int]int, len(procs))
	var named []int
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		parent[p.PID] = stat.PPID
		if p.PID != self && slices.Contains(f.Names, stat.Comm) {
			named = append(named, p.PID)
		}
	}
	out = append(out, named...)
	if !f.Children {
		return out
	}
	for pid := range parent {
		if pid != self && !slices.Contains(named, pid) && descends(pid, self, parent) {
			out = append(out, pid)
		}
	}
	return out
}

func descends(pid, root int, parent map[int]int) bool {
	// bounded so a reused pid cannot loop forever
	for range len(parent) {
		pp, ok := parent[pid]
		if !ok || pp == 0 || pp == pid {
			return false
		}
		if pp == root {
			return true
		}
		pid = pp
	}
	return false
}
