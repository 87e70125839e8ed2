// Package loop provides the single cooperative thread that owns all governor
// state. Timer callbacks, frame callbacks and submitted tasks all run on one
// goroutine, so the components driven by a Scheduler never need locks.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is submitted to a loop that has shut down.
var ErrClosed = errors.New("loop: closed")

// DefaultFrameInterval approximates a 60Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports whether the callback was still
	// pending, i.e. false if it already ran or was already stopped.
	Stop() bool
}

// Scheduler is the contract every time- or frame-driven component depends on.
// Callbacks are always delivered on the scheduler's own thread.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	// RequestFrame runs fn on the next frame tick. Frames requested while a
	// frame is running are deferred to the following frame.
	RequestFrame(fn func()) Timer
}

const (
	taskPending int32 = iota
	taskStopped
	taskFired
)

type task struct {
	fn    func()
	state atomic.Int32
}

func (t *task) Stop() bool {
	return t.state.CompareAndSwap(taskPending, taskStopped)
}

func (t *task) run() bool {
	if !t.state.CompareAndSwap(taskPending, taskFired) {
		return false
	}
	t.fn()
	return true
}

type loopTimer struct {
	task
	owner *Loop
	timer *time.Timer
}

func (t *loopTimer) Stop() bool {
	ok := t.task.Stop()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.owner.forget(t)
	return ok
}

// Option configures a Loop.
type Option func(*Loop)

// WithFrameInterval sets the frame cadence used for RequestFrame callbacks.
func WithFrameInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.frameInterval = d
		}
	}
}

// WithQueueSize sets the capacity of the submission queue.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// Loop is the real Scheduler backed by a dedicated goroutine.
type Loop struct {
	frameInterval time.Duration
	queueSize     int

	tasks   chan func()
	done    chan struct{}
	stopped chan struct{}

	mu     sync.Mutex
	frames []*task
	timers map[*loopTimer]struct{}

	closeOnce sync.Once
}

var _ Scheduler = (*Loop)(nil)

// New starts a loop goroutine. Call Close to stop it.
func New(opts ...Option) *Loop {
	l := &Loop{
		frameInterval: DefaultFrameInterval,
		queueSize:     1024,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		timers:        make(map[*loopTimer]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tasks = make(chan func(), l.queueSize)
	go l.run()
	return l
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{task: task{fn: fn}, owner: l}
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		t.state.Store(taskStopped)
		return t
	default:
	}
	l.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		if err := l.Submit(func() {
			l.forget(t)
			t.run()
		}); err != nil {
			t.task.Stop()
		}
	})
	l.mu.Unlock()
	return t
}

// RequestFrame queues fn for the next frame tick.
func (l *Loop) RequestFrame(fn func()) Timer {
	t := &task{fn: fn}
	l.mu.Lock()
	l.frames = append(l.frames, t)
	l.mu.Unlock()
	return t
}

// Submit queues fn to run on the loop. It blocks while the queue is full and
// must not be called from the loop goroutine itself.
func (l *Loop) Submit(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.tasks <- wrapped:
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop goroutine and cancels every pending timer and frame.
// It is safe to call more than once.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.done)
		timers := l.timers
		l.timers = make(map[*loopTimer]struct{})
		frames := l.frames
		l.frames = nil
		l.mu.Unlock()

		for t := range timers {
			t.task.Stop()
			if t.timer != nil {
				t.timer.Stop()
			}
		}
		for _, f := range frames {
			f.Stop()
		}
		<-l.stopped
	})
}

func (l *Loop) forget(t *loopTimer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		case <-ticker.C:
			l.runFrame()
		}
	}
}

func (l *Loop) runFrame() {
	l.mu.Lock()
	batch := l.frames
	l.frames = nil
	l.mu.Unlock()

	for _, f := range batch {
		f.run()
	}
}
