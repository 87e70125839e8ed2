package layout

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
)

type mapAspects map[string]float64

func (m mapAspects) Aspect(id string) (float64, bool) {
	a, ok := m[id]
	return a, ok
}

func testConfig() Config {
	return Config{
		TileWidths:     []float64{100},
		ChunkSize:      200,
		ResizeDebounce: 100 * time.Millisecond,
		ScrollSettle:   200 * time.Millisecond,
	}
}

func newEngine(t *testing.T, width float64, aspects AspectSource) (*Engine, *loop.Manual) {
	t.Helper()
	sched := loop.NewManual(time.Unix(0, 0))
	e := New(sched, testConfig(), aspects, logger.NewNoopLogger())
	e.SetContainerWidth(width)
	sched.Advance(100 * time.Millisecond)
	sched.RunFrames(10)
	return e, sched
}

func items(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{ID: fmt.Sprintf("i%04d", i), Aspect: 1}
	}
	return out
}

func TestShortestColumnPacking(t *testing.T) {
	e, sched := newEngine(t, 300, nil)
	var orders [][]string
	e.OnOrder(func(o []string) { orders = append(orders, o) })

	e.SetItems([]Item{
		{ID: "a", Aspect: 1},
		{ID: "b", Aspect: 0.5},
		{ID: "c", Aspect: 1},
		{ID: "d", Aspect: 1},
		{ID: "e", Aspect: 1},
	})
	sched.RunFrames(10)

	require.Equal(t, 3, e.Columns())
	assert.Equal(t, 100.0, e.TileWidth())

	want := map[string]geom.Rect{
		"a": {X: 0, Y: 0, W: 100, H: 100},
		"b": {X: 100, Y: 0, W: 100, H: 200},
		"c": {X: 200, Y: 0, W: 100, H: 100},
		"d": {X: 0, Y: 100, W: 100, H: 100},
		"e": {X: 200, Y: 100, W: 100, H: 100},
	}
	for id, r := range want {
		got, ok := e.Geometry(id)
		require.True(t, ok, id)
		assert.Equal(t, r, got, id)
	}
	assert.Equal(t, 200.0, e.ContentHeight())
	require.Len(t, orders, 1)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, orders[0])
}

func TestPassIsChunkedAcrossFrames(t *testing.T) {
	e, sched := newEngine(t, 400, nil)
	var results []Result
	e.OnLayout(func(r Result) { results = append(results, r) })

	e.SetItems(items(450))
	assert.Equal(t, 1, sched.RunFrame())
	assert.True(t, e.Busy())
	sched.RunFrame()
	assert.Empty(t, results)
	sched.RunFrame()

	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Chunks)
	assert.Len(t, results[0].Placements, 450)
	assert.False(t, e.Busy())
}

func TestRequestsCoalesceIntoOneFollowUp(t *testing.T) {
	e, sched := newEngine(t, 400, nil)
	passes := 0
	e.OnLayout(func(Result) { passes++ })

	e.SetItems(items(450))
	sched.RunFrame()
	for i := 0; i < 5; i++ {
		e.Request()
	}
	e.SetZoom(0)
	sched.RunFrames(20)
	assert.Equal(t, 2, passes)
	assert.Equal(t, 0, sched.PendingFrames())
}

func TestOrderEmittedOnlyOnChange(t *testing.T) {
	e, sched := newEngine(t, 300, nil)
	var emitted int
	e.OnOrder(func([]string) { emitted++ })

	e.SetItems(items(10))
	sched.RunFrames(5)
	e.SetItems(items(10))
	sched.RunFrames(5)
	assert.Equal(t, 1, emitted)

	e.SetItems(items(11))
	sched.RunFrames(5)
	assert.Equal(t, 2, emitted)
}

func TestInvalidAspectFallsBack(t *testing.T) {
	e, sched := newEngine(t, 100, mapAspects{"learned": 2, "bogus": math.Inf(1)})
	e.SetItems([]Item{
		{ID: "zero"},
		{ID: "nan", Aspect: math.NaN()},
		{ID: "neg", Aspect: -3},
		{ID: "wide", Aspect: 100},
		{ID: "learned"},
		{ID: "bogus"},
	})
	sched.RunFrames(5)

	height := func(id string) float64 {
		r, ok := e.Geometry(id)
		require.True(t, ok, id)
		return r.H
	}
	assert.Equal(t, 100.0, height("zero"))
	assert.Equal(t, 100.0, height("nan"))
	assert.Equal(t, 100.0, height("neg"))
	assert.Equal(t, 20.0, height("wide"))
	assert.Equal(t, 50.0, height("learned"))
	assert.Equal(t, 100.0, height("bogus"))
}

func TestMeasuredAspectOverridesSupplied(t *testing.T) {
	e, sched := newEngine(t, 100, mapAspects{"a": 4})
	passes := 0
	e.OnLayout(func(Result) { passes++ })
	e.SetItems([]Item{{ID: "a", Aspect: 1}, {ID: "b"}})
	sched.RunFrames(5)

	height := func(id string) float64 {
		r, ok := e.Geometry(id)
		require.True(t, ok, id)
		return r.H
	}
	require.Equal(t, 100.0, height("a"))

	e.SetAspect("a", 2)
	e.SetAspect("b", 0.5)
	sched.RunFrames(5)
	assert.Equal(t, 50.0, height("a"))
	assert.Equal(t, 200.0, height("b"))
	assert.Equal(t, 2, passes)

	e.SetAspect("a", 2)
	assert.Equal(t, 0, sched.PendingFrames(), "same ratio does not relayout")

	e.SetItems([]Item{{ID: "a", Aspect: 1}, {ID: "b"}})
	sched.RunFrames(5)
	assert.Equal(t, 50.0, height("a"), "measurement survives a new item list")

	e.SetAspect("a", math.NaN())
	sched.RunFrames(5)
	assert.Equal(t, 100.0, height("a"), "cleared measurement restores the supplied aspect")
}

func TestResizeIsDebounced(t *testing.T) {
	e, sched := newEngine(t, 300, nil)
	passes := 0
	e.OnLayout(func(Result) { passes++ })
	e.SetItems(items(6))
	sched.RunFrames(5)
	require.Equal(t, 1, passes)

	e.SetContainerWidth(350)
	sched.Advance(50 * time.Millisecond)
	e.SetContainerWidth(400)
	sched.Advance(50 * time.Millisecond)
	e.SetContainerWidth(500)
	sched.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, sched.PendingFrames())

	sched.Advance(time.Millisecond)
	sched.RunFrames(5)
	assert.Equal(t, 2, passes)
	assert.Equal(t, 5, e.Columns())
}

func TestScrollDefersInvalidationUntilSettled(t *testing.T) {
	e, sched := newEngine(t, 300, nil)
	passes := 0
	e.OnLayout(func(Result) { passes++ })
	e.SetItems(items(6))
	sched.RunFrames(5)

	e.NotifyScroll()
	sched.Advance(300 * time.Millisecond)
	assert.Equal(t, 0, sched.PendingFrames(), "scroll alone does not relayout")

	e.NotifyScroll()
	e.InvalidateAspect("i0001")
	assert.Equal(t, 0, sched.PendingFrames())
	sched.Advance(200 * time.Millisecond)
	sched.RunFrames(5)
	assert.Equal(t, 2, passes)
}

func TestCloseCancelsEverything(t *testing.T) {
	e, sched := newEngine(t, 300, nil)
	e.SetItems(items(500))
	sched.RunFrame()
	e.SetContainerWidth(600)
	e.NotifyScroll()
	e.Close()
	assert.Equal(t, 0, sched.PendingFrames())
	assert.Equal(t, 0, sched.PendingTimers())
	assert.False(t, e.Busy())
}
