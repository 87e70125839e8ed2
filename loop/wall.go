package loop

import (
	"sync"
	"time"
)

// Wall is a Scheduler whose callbacks run on their own timer goroutines.
// It suits components that guard their state with a mutex and must not do
// blocking work on the interactive loop, such as database flushes.
type Wall struct {
	// FrameInterval is the delay used for RequestFrame; zero means
	// DefaultFrameInterval.
	FrameInterval time.Duration
}

var _ Scheduler = Wall{}

type wallTimer struct {
	task
	mu    sync.Mutex
	timer *time.Timer
}

func (t *wallTimer) Stop() bool {
	ok := t.task.Stop()
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	return ok
}

// Now returns the wall clock time.
func (Wall) Now() time.Time { return time.Now() }

// AfterFunc runs fn on a timer goroutine after d.
func (Wall) AfterFunc(d time.Duration, fn func()) Timer {
	t := &wallTimer{task: task{fn: fn}}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, func() { t.run() })
	t.mu.Unlock()
	return t
}

// RequestFrame runs fn after one frame interval.
func (w Wall) RequestFrame(fn func()) Timer {
	d := w.FrameInterval
	if d <= 0 {
		d = DefaultFrameInterval
	}
	return w.AfterFunc(d, fn)
}
