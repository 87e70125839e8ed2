package reveal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/lowkey-grid/loop"
)

func fixedConfig(initial, batch int, interval time.Duration) Config {
	return Config{Initial: initial, BatchSize: batch, Interval: interval}
}

func TestGrowthIsDeterministic(t *testing.T) {
	tests := []struct {
		total, initial, batch, ticks int
	}{
		{120, 20, 20, 0},
		{120, 20, 20, 1},
		{120, 20, 20, 2},
		{120, 20, 20, 5},
		{120, 20, 20, 9},
		{7, 3, 2, 1},
		{7, 3, 2, 4},
		{10, 50, 10, 0},
	}
	for _, tt := range tests {
		sched := loop.NewManual(time.Unix(0, 0))
		c := New(sched, fixedConfig(tt.initial, tt.batch, time.Second), nil)
		c.Reset(tt.total)
		for i := 0; i < tt.ticks; i++ {
			sched.Advance(time.Second)
		}
		want := min(tt.total, tt.initial+tt.ticks*tt.batch)
		assert.Equal(t, want, c.Count(), "total=%d initial=%d batch=%d ticks=%d", tt.total, tt.initial, tt.batch, tt.ticks)
	}
}

func TestScenarioFilterShrinkClamps(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	var seen []int
	c := New(sched, fixedConfig(20, 20, time.Second), func(n int) { seen = append(seen, n) })

	c.Reset(120)
	sched.Advance(time.Second)
	sched.Advance(time.Second)
	require.Equal(t, 60, c.Count())

	c.SetTotal(15)
	assert.Equal(t, 15, c.Count())
	assert.Equal(t, StateSettled, c.State())
	assert.Equal(t, 0, sched.PendingTimers())
	assert.Equal(t, []int{20, 40, 60, 15}, seen)
}

func TestShrinkThenGrowResumesFromClamp(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	c := New(sched, fixedConfig(10, 10, time.Second), nil)
	c.Reset(100)
	sched.Advance(3 * time.Second)
	require.Equal(t, 40, c.Count())

	c.SetTotal(25)
	require.Equal(t, 25, c.Count())
	c.SetTotal(80)
	assert.Equal(t, 25, c.Count(), "no replay on regrowth")
	assert.Equal(t, StateGrowing, c.State())
	sched.Advance(time.Second)
	assert.Equal(t, 35, c.Count())
}

func TestSettlesAndStopsTimer(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	c := New(sched, fixedConfig(5, 5, time.Second), nil)
	c.Reset(12)
	sched.Advance(10 * time.Second)
	assert.Equal(t, 12, c.Count())
	assert.Equal(t, StateSettled, c.State())
	assert.Equal(t, 0, sched.PendingTimers())
}

func TestScrollPausesGrowth(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	cfg := fixedConfig(10, 10, 100*time.Millisecond)
	cfg.PauseWhileScrolling = true
	cfg.ScrollIdle = 250 * time.Millisecond
	c := New(sched, cfg, nil)
	c.Reset(100)

	c.NotifyScroll()
	assert.Equal(t, StatePaused, c.State())
	sched.Advance(200 * time.Millisecond)
	assert.Equal(t, 10, c.Count())

	// another scroll event restarts the idle window
	c.NotifyScroll()
	sched.Advance(200 * time.Millisecond)
	assert.Equal(t, 10, c.Count())
	assert.Equal(t, 1, sched.PendingTimers(), "only the idle timer is pending")

	sched.Advance(50 * time.Millisecond)
	assert.Equal(t, StateGrowing, c.State())
	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, 20, c.Count())
}

func TestLongTaskStretchesInterval(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	cfg := fixedConfig(0, 10, 100*time.Millisecond)
	cfg.LongTaskWindow = time.Second
	cfg.LongTaskStretch = 3
	c := New(sched, cfg, nil)
	c.Reset(100)

	sched.Advance(100 * time.Millisecond)
	require.Equal(t, 10, c.Count())

	c.NotifyLongTask()
	// the tick already scheduled keeps its deadline; the one after is stretched
	sched.Advance(100 * time.Millisecond)
	require.Equal(t, 20, c.Count())
	sched.Advance(200 * time.Millisecond)
	assert.Equal(t, 20, c.Count())
	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, 30, c.Count())
}

func TestCloseCancelsTimers(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	cfg := fixedConfig(1, 1, time.Second)
	cfg.PauseWhileScrolling = true
	c := New(sched, cfg, nil)
	c.Reset(10)
	c.NotifyScroll()
	c.Close()
	assert.Equal(t, 0, sched.PendingTimers())
	sched.Advance(time.Minute)
	assert.Equal(t, 1, c.Count())
}
