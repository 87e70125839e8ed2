package governor

import (
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/layout"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
	"github.com/stevecastle/lowkey-grid/metrics"
	"github.com/stevecastle/lowkey-grid/play"
	"github.com/stevecastle/lowkey-grid/reveal"
	"github.com/stevecastle/lowkey-grid/stream"
	"github.com/stevecastle/lowkey-grid/telemetry"
	"github.com/stevecastle/lowkey-grid/tracker"
)

type recorder struct {
	events []stream.Event
}

func (r *recorder) Publish(ev stream.Event) { r.events = append(r.events, ev) }

func (r *recorder) last(typ string) (stream.Event, bool) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return stream.Event{}, false
}

func square(n int) []layout.Item {
	items := make([]layout.Item, n)
	for i := range items {
		items[i] = layout.Item{ID: strconv.Itoa(i), Aspect: 1}
	}
	return items
}

// newGallery lays out n square items in 4 columns of 100px with a 400x200
// viewport at the top: items 0-7 are visible and 8-11 are near.
func newGallery(t *testing.T, n int) (*Governor, *loop.Manual, *recorder) {
	t.Helper()
	sched := loop.NewManual(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.Layout = layout.Config{TileWidths: []float64{100}}
	cfg.Reveal = reveal.Config{Initial: n, BatchSize: 10, Interval: 100 * time.Millisecond}
	cfg.Tracker = tracker.Config{Margin: 100, RootMargin: 2000}
	cfg.Play = play.Config{MaxPlaying: 2}
	rec := &recorder{}
	g := New(sched, cfg, logger.NewNoopLogger(), WithPublisher(rec))
	t.Cleanup(g.Close)

	g.SetContainer(400, 0)
	g.SetViewport(geom.Rect{W: 400, H: 200})
	g.SetCandidates(square(n), true)
	sched.Advance(200 * time.Millisecond)
	sched.RunFrames(10)
	require.Equal(t, 4, g.Snapshot().Columns)
	return g, sched, rec
}

func loadAll(g *Governor, from, to int) {
	for i := from; i < to; i++ {
		id := strconv.Itoa(i)
		g.OnStartLoading(id)
		g.OnVideoLoad(id, 0, 0)
	}
}

func TestGovernorClassifiesLayout(t *testing.T) {
	g, _, _ := newGallery(t, 40)

	assert.Equal(t, Visible, g.Proximity("0"))
	assert.Equal(t, Visible, g.Proximity("7"))
	assert.Equal(t, Near, g.Proximity("8"))
	assert.Equal(t, Near, g.Proximity("11"))
	assert.Equal(t, Far, g.Proximity("12"))

	r, ok := g.Geometry("5")
	require.True(t, ok)
	assert.Equal(t, geom.Rect{X: 100, Y: 100, W: 100, H: 100}, r)

	s := g.Snapshot()
	assert.Equal(t, 8, s.Visible)
	assert.Equal(t, 12, s.Near)
	assert.Equal(t, 40, s.Materialized)
	assert.Equal(t, 18, s.Limits.MaxLoaded)
	assert.Equal(t, 3, s.Limits.MaxConcurrentLoading)
}

func TestGovernorCanLoad(t *testing.T) {
	g, _, _ := newGallery(t, 40)

	assert.False(t, g.CanLoad("nope"))
	assert.True(t, g.CanLoad("20"), "far items load while the loader is idle")

	g.OnStartLoading("30")
	g.OnStartLoading("31")
	assert.False(t, g.CanLoad("20"), "far items stop at half the loader slots")
	assert.True(t, g.CanLoad("8"))
	assert.True(t, g.CanLoad("30"), "already loading")

	g.OnStartLoading("32")
	assert.False(t, g.CanLoad("8"))
	assert.True(t, g.CanLoad("1"), "visible items may overflow")

	g.OnLoadError("5", true)
	assert.False(t, g.CanLoad("5"))
	g.OnVideoLoad("5", 0, 0)
	assert.True(t, g.CanLoad("5"))
}

func TestGovernorCleanupSparesPlayingAndVisible(t *testing.T) {
	g, _, rec := newGallery(t, 40)
	loadAll(g, 0, 38)
	require.Equal(t, 38, g.Snapshot().Loaded)
	assert.Equal(t, []string{"0", "1"}, g.Snapshot().Playing)

	victims := g.PerformCleanup()
	require.Len(t, victims, 20)
	for _, id := range victims {
		n, _ := strconv.Atoi(id)
		assert.GreaterOrEqual(t, n, 12, "victim %s is visible or near", id)
		assert.False(t, g.IsPlaying(id))
	}
	assert.Equal(t, 18, g.Snapshot().Loaded)

	ev, ok := rec.last(EventEvict)
	require.True(t, ok)
	assert.ElementsMatch(t, victims, ev.Data)

	assert.Nil(t, g.PerformCleanup(), "nothing over capacity")
}

func TestGovernorCleanupCooldown(t *testing.T) {
	g, sched, rec := newGallery(t, 40)
	loadAll(g, 0, 20)
	require.Len(t, g.PerformCleanup(), 2)

	loadAll(g, 20, 23)
	assert.Nil(t, g.PerformCleanup(), "throttled by the cooldown")
	before := len(rec.events)

	sched.Advance(time.Second)
	ev, ok := rec.last(EventEvict)
	require.True(t, ok)
	assert.Greater(t, len(rec.events), before)
	assert.Len(t, ev.Data, 3)
	assert.Equal(t, 18, g.Snapshot().Loaded)
}

func TestGovernorHoverTakesSlot(t *testing.T) {
	g, _, rec := newGallery(t, 40)
	loadAll(g, 0, 8)
	assert.True(t, g.IsPlaying("0"))
	assert.True(t, g.IsPlaying("1"))

	g.OnHover("5")
	assert.True(t, g.IsPlaying("5"))
	assert.True(t, g.IsPlaying("0"))
	assert.False(t, g.IsPlaying("1"))

	ev, ok := rec.last(EventPlay)
	require.True(t, ok)
	d := ev.Data.(play.Decision)
	assert.Equal(t, []string{"5"}, d.Started)
	assert.Equal(t, []string{"1"}, d.Stopped)

	g.ReportPlayError("5")
	assert.False(t, g.IsPlaying("5"))
	assert.False(t, g.ReportStarted("5"), "errored until a fresh load")
	g.OnVideoLoad("5", 0, 0)
	assert.True(t, g.ReportStarted("5"))
}

func TestGovernorApplySample(t *testing.T) {
	g, _, rec := newGallery(t, 40)
	g.ApplySample(telemetry.Sample{CurrentMB: 1000, TotalMB: 16384, Pressure: 0.1})

	s := g.Snapshot()
	assert.Equal(t, 24, s.Limits.MaxLoaded, "one step up from 18")
	assert.Equal(t, 4, s.Limits.MaxConcurrentLoading)
	_, ok := rec.last(EventLimits)
	assert.True(t, ok)
}

func TestGovernorNextToLoad(t *testing.T) {
	g, _, _ := newGallery(t, 40)
	// 3 loader slots plus an overflow of 2 for visible items
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5"}, g.NextToLoad(10))
	assert.Equal(t, []string{"0", "1"}, g.NextToLoad(2))

	w := g.ActivationWindow(0)
	assert.Equal(t, 0, w.Start)
	assert.Equal(t, 16, w.Len())
}

func TestGovernorRevealAndShrink(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.Reveal = reveal.Config{Initial: 20, BatchSize: 20, Interval: 100 * time.Millisecond}
	g := New(sched, cfg, logger.NewNoopLogger())
	defer g.Close()

	g.SetCandidates(square(120), true)
	assert.Equal(t, 20, g.Snapshot().Materialized)
	sched.Advance(200 * time.Millisecond)
	assert.Equal(t, 60, g.Snapshot().Materialized)

	g.SetCandidates(square(15), false)
	assert.Equal(t, 15, g.Snapshot().Materialized)
	assert.Equal(t, 15, g.Snapshot().Total)
}

func TestGovernorDiscardsRemovedItems(t *testing.T) {
	g, sched, _ := newGallery(t, 40)
	loadAll(g, 0, 4)
	g.SetCandidates(square(40)[2:], false)
	sched.RunFrames(10)

	s := g.Snapshot()
	assert.Equal(t, 2, s.Loaded)
	assert.False(t, g.IsPlaying("0"))
	assert.False(t, g.CanLoad("0"))
}

func TestGovernorCloseStopsTimers(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	g := New(sched, DefaultConfig(), logger.NewNoopLogger())
	g.SetContainer(800, 2)
	g.SetCandidates(square(500), true)
	g.Close()

	assert.Equal(t, 0, sched.PendingTimers())
	assert.Equal(t, 0, sched.PendingFrames())
	g.SetCandidates(square(5), true)
	assert.Equal(t, 0, sched.PendingFrames())
}

func TestGovernorAppliesMeasuredAspect(t *testing.T) {
	g, sched, _ := newGallery(t, 40)
	r, ok := g.Geometry("20")
	require.True(t, ok)
	require.Equal(t, geom.Rect{X: 0, Y: 500, W: 100, H: 100}, r)

	g.OnStartLoading("20")
	g.OnVideoLoad("20", 200, 100)
	sched.RunFrames(10)
	r, _ = g.Geometry("20")
	assert.Equal(t, geom.Rect{X: 0, Y: 500, W: 100, H: 50}, r, "loaded dimensions reshape the tile")

	g.SetCandidates(square(40), false)
	sched.RunFrames(10)
	r, _ = g.Geometry("20")
	assert.Equal(t, 50.0, r.H, "measurement outlives a candidate refresh")

	g.SetCandidates(square(20), false)
	g.SetCandidates(square(40), false)
	sched.Advance(time.Second)
	sched.RunFrames(10)
	r, ok = g.Geometry("20")
	require.True(t, ok)
	assert.Equal(t, 100.0, r.H, "a discarded item forgets its measurement")
}

func TestGovernorSwapsSameSizedCandidates(t *testing.T) {
	g, sched, _ := newGallery(t, 40)
	swapped := make([]layout.Item, 40)
	for i := range swapped {
		swapped[i] = layout.Item{ID: "x" + strconv.Itoa(i), Aspect: 1}
	}
	g.SetCandidates(swapped, false)
	require.Equal(t, 40, g.Snapshot().Materialized)
	sched.RunFrames(10)

	_, ok := g.Geometry("x0")
	assert.True(t, ok)
	_, ok = g.Geometry("0")
	assert.False(t, ok)
	assert.Equal(t, Visible, g.Proximity("x0"))
}

func TestGovernorMetricsArePerGallery(t *testing.T) {
	sched := loop.NewManual(time.Unix(0, 0))
	left, right := DefaultConfig(), DefaultConfig()
	left.Gallery, right.Gallery = "left", "right"
	a := New(sched, left, logger.NewNoopLogger())
	b := New(sched, right, logger.NewNoopLogger())
	defer b.Close()

	a.SetCandidates(square(4), true)
	b.SetCandidates(square(4), true)
	loadAll(a, 0, 3)
	loadAll(b, 0, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.LoadedItems.WithLabelValues("left")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoadedItems.WithLabelValues("right")))

	a.Close()
	assert.False(t, metrics.LoadedItems.DeleteLabelValues("left"), "closed gallery stops reporting")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoadedItems.WithLabelValues("right")))
}
