package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler driven explicitly by the caller. Time
// only moves on Advance and frames only run on RunFrame, which makes every
// timer- and frame-driven component reproducible under test and simulation.
type Manual struct {
	now    time.Time
	seq    uint64
	timers []*manualTimer
	frames []*task
}

type manualTimer struct {
	task
	at  time.Time
	seq uint64
}

var _ Scheduler = (*Manual)(nil)

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time { return m.now }

// AfterFunc schedules fn at Now()+d. Negative durations fire on the next Advance.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{task: task{fn: fn}, at: m.now.Add(d), seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// RequestFrame queues fn for the next RunFrame.
func (m *Manual) RequestFrame(fn func()) Timer {
	t := &task{fn: fn}
	m.frames = append(m.frames, t)
	return t
}

// Advance moves the clock forward by d, running every timer that falls due in
// deadline order. Timers scheduled by callbacks run too if they fall within
// the window. It returns the number of callbacks run.
func (m *Manual) Advance(d time.Duration) int {
	end := m.now.Add(d)
	ran := 0
	for {
		t := m.popDue(end)
		if t == nil {
			break
		}
		if t.at.After(m.now) {
			m.now = t.at
		}
		if t.run() {
			ran++
		}
	}
	m.now = end
	return ran
}

// RunFrame runs the frame callbacks queued before the call. Callbacks queued
// while it runs wait for the next frame.
func (m *Manual) RunFrame() int {
	batch := m.frames
	m.frames = nil
	ran := 0
	for _, f := range batch {
		if f.run() {
			ran++
		}
	}
	return ran
}

// RunFrames runs frames until none are pending or max frames have run. It
// returns the number of frames run.
func (m *Manual) RunFrames(max int) int {
	n := 0
	for n < max && m.PendingFrames() > 0 {
		m.RunFrame()
		n++
	}
	return n
}

// PendingTimers counts timers that are neither stopped nor fired.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if t.state.Load() == taskPending {
			n++
		}
	}
	return n
}

// PendingFrames counts queued frame callbacks that are still live.
func (m *Manual) PendingFrames() int {
	n := 0
	for _, f := range m.frames {
		if f.state.Load() == taskPending {
			n++
		}
	}
	return n
}

func (m *Manual) popDue(end time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.state.Load() == taskPending {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	first := m.timers[0]
	if first.at.After(end) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}
