// Package reveal grows the materialized prefix of the candidate list over
// time so a gallery of thousands of items does not render all at once.
package reveal

import (
	"time"

	"github.com/stevecastle/lowkey-grid/loop"
)

// State is the controller's lifecycle state.
type State int

const (
	StateInitial State = iota
	StateGrowing
	StatePaused
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGrowing:
		return "growing"
	case StatePaused:
		return "paused"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Config holds the reveal pacing options.
type Config struct {
	Initial   int
	BatchSize int
	Interval  time.Duration

	// PauseWhileScrolling skips ticks until ScrollIdle has passed since the
	// last scroll notification.
	PauseWhileScrolling bool
	ScrollIdle          time.Duration

	// A long task observed within LongTaskWindow stretches the next tick
	// interval by LongTaskStretch.
	LongTaskWindow  time.Duration
	LongTaskStretch float64
}

// DefaultConfig returns the pacing used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		Initial:             60,
		BatchSize:           60,
		Interval:            120 * time.Millisecond,
		PauseWhileScrolling: true,
		ScrollIdle:          150 * time.Millisecond,
		LongTaskWindow:      time.Second,
		LongTaskStretch:     2,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Initial < 0 {
		c.Initial = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ScrollIdle <= 0 {
		c.ScrollIdle = def.ScrollIdle
	}
	if c.LongTaskStretch < 1 {
		c.LongTaskStretch = 1
	}
	return c
}

// Controller tracks how many candidates are materialized. It must only be
// used from the scheduler's thread.
type Controller struct {
	sched    loop.Scheduler
	cfg      Config
	onChange func(count int)

	total int
	count int
	state State

	tick      loop.Timer
	idle      loop.Timer
	scrolling bool
	lastLong  time.Time
	closed    bool
}

// New creates a controller in the initial state. onChange, if non-nil, is
// called whenever the materialized count changes.
func New(sched loop.Scheduler, cfg Config, onChange func(count int)) *Controller {
	return &Controller{
		sched:    sched,
		cfg:      cfg.normalized(),
		onChange: onChange,
	}
}

// Count returns the number of materialized candidates.
func (c *Controller) Count() int { return c.count }

// Total returns the current candidate total.
func (c *Controller) Total() int { return c.total }

// State returns the lifecycle state.
func (c *Controller) State() State { return c.state }

// Reset starts over for a fresh candidate list: the count returns to
// min(Initial, total) and growth restarts.
func (c *Controller) Reset(total int) {
	if c.closed {
		return
	}
	c.stopTick()
	if total < 0 {
		total = 0
	}
	c.total = total
	c.setCount(min(c.cfg.Initial, total))
	if c.count >= c.total {
		c.state = StateSettled
		return
	}
	c.state = c.activeState()
	c.schedule()
}

// SetTotal applies a change in the candidate total. A total below the
// materialized count clamps immediately; growth then resumes from the new
// value without replaying.
func (c *Controller) SetTotal(total int) {
	if c.closed {
		return
	}
	if c.state == StateInitial {
		c.Reset(total)
		return
	}
	if total < 0 {
		total = 0
	}
	c.total = total
	if c.count > total {
		c.setCount(total)
	}
	if c.count >= c.total {
		c.stopTick()
		c.state = StateSettled
		return
	}
	if c.state == StateSettled {
		c.state = c.activeState()
	}
	c.schedule()
}

// NotifyScroll reports user scrolling activity.
func (c *Controller) NotifyScroll() {
	if c.closed || !c.cfg.PauseWhileScrolling {
		return
	}
	c.scrolling = true
	if c.state == StateGrowing {
		c.state = StatePaused
		c.stopTick()
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = c.sched.AfterFunc(c.cfg.ScrollIdle, c.scrollSettled)
}

// NotifyLongTask records that the interactive thread was just blocked by a
// long task, which stretches the following tick.
func (c *Controller) NotifyLongTask() {
	c.lastLong = c.sched.Now()
}

// Close cancels all timers. The controller ignores further input.
func (c *Controller) Close() {
	c.stopTick()
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	c.closed = true
}

func (c *Controller) activeState() State {
	if c.scrolling {
		return StatePaused
	}
	return StateGrowing
}

func (c *Controller) setCount(n int) {
	if n == c.count {
		return
	}
	c.count = n
	if c.onChange != nil {
		c.onChange(n)
	}
}

func (c *Controller) stopTick() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
}

func (c *Controller) schedule() {
	if c.closed || c.state != StateGrowing {
		return
	}
	c.stopTick()
	c.tick = c.sched.AfterFunc(c.interval(), c.onTick)
}

func (c *Controller) interval() time.Duration {
	d := c.cfg.Interval
	if !c.lastLong.IsZero() && c.cfg.LongTaskWindow > 0 && c.sched.Now().Sub(c.lastLong) < c.cfg.LongTaskWindow {
		d = time.Duration(float64(d) * c.cfg.LongTaskStretch)
	}
	return d
}

func (c *Controller) onTick() {
	c.tick = nil
	if c.state != StateGrowing {
		return
	}
	c.setCount(min(c.total, c.count+c.cfg.BatchSize))
	if c.count >= c.total {
		c.state = StateSettled
		return
	}
	c.schedule()
}

func (c *Controller) scrollSettled() {
	c.idle = nil
	c.scrolling = false
	if c.state == StatePaused {
		c.state = StateGrowing
		c.schedule()
	}
}
