package telemetry

import (
	"context"
	"os"
)

// HostSource sums the resident memory of the host's processes. PIDs lists
// the processes to include; nil means only the current process.
type HostSource struct {
	PIDs func() []int
}

var _ Source = HostSource{}

// Read implements Source.
func (h HostSource) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	pids := []int{os.Getpid()}
	if h.PIDs != nil {
		if p := h.PIDs(); len(p) > 0 {
			pids = p
		}
	}
	return readHost(ctx, pids)
}

// ProcessFilter selects the processes whose memory counts toward the
// gallery's footprint, e.g. the renderer and its media workers. The current
// process is always included.
type ProcessFilter struct {
	// Names are matched exactly against the process command name.
	Names []string
	// Children adds every descendant of the current process.
	Children bool
}

// Empty reports whether f selects only the current process.
func (f ProcessFilter) Empty() bool {
	return len(f.Names) == 0 && !f.Children
}

// Source returns a HostSource reading the processes f selects.
func (f ProcessFilter) Source() HostSource {
	if f.Empty() {
		return HostSource{}
	}
	return HostSource{PIDs: f.PIDs}
}

// PIDs lists the selected processes. It never returns an empty list.
func (f ProcessFilter) PIDs() []int {
	self := os.Getpid()
	if f.Empty() {
		return []int{self}
	}
	return matchProcs(self, f)
}
