// Package layout places gallery tiles in a shortest-column-first masonry.
//
// Passes are cut into fixed-size chunks that run on successive frame
// callbacks, so a pass over thousands of items never blocks the loop for more
// than one chunk. Requests that arrive while a pass is running coalesce into a
// single follow-up pass.
package layout

import (
	"math"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
)

// Item is one candidate to place. Aspect is width/height; zero means unknown.
type Item struct {
	ID     string
	Aspect float64
}

// AspectSource supplies learned aspect ratios for items without one.
type AspectSource interface {
	Aspect(id string) (float64, bool)
}

// Config controls tile sizing and pass pacing.
type Config struct {
	TileWidths    []float64
	Gap           float64
	ChunkSize     int
	DefaultAspect float64
	MinAspect     float64
	MaxAspect     float64

	ResizeDebounce time.Duration
	ScrollSettle   time.Duration
}

// DefaultConfig returns the layout defaults.
func DefaultConfig() Config {
	return Config{
		TileWidths:     []float64{120, 180, 240, 320, 420},
		Gap:            4,
		ChunkSize:      200,
		DefaultAspect:  1,
		MinAspect:      0.2,
		MaxAspect:      5,
		ResizeDebounce: 150 * time.Millisecond,
		ScrollSettle:   300 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if len(c.TileWidths) == 0 {
		c.TileWidths = def.TileWidths
	}
	if c.Gap < 0 {
		c.Gap = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MinAspect <= 0 {
		c.MinAspect = def.MinAspect
	}
	if c.MaxAspect < c.MinAspect {
		c.MaxAspect = math.Max(def.MaxAspect, c.MinAspect)
	}
	if c.DefaultAspect <= 0 {
		c.DefaultAspect = def.DefaultAspect
	}
	c.DefaultAspect = clamp(c.DefaultAspect, c.MinAspect, c.MaxAspect)
	if c.ResizeDebounce <= 0 {
		c.ResizeDebounce = def.ResizeDebounce
	}
	if c.ScrollSettle <= 0 {
		c.ScrollSettle = def.ScrollSettle
	}
	return c
}

// Placement is the geometry assigned to one item.
type Placement struct {
	ID     string    `json:"id"`
	Index  int       `json:"index"`
	Column int       `json:"column"`
	Rect   geom.Rect `json:"rect"`
}

// Result summarizes a completed pass.
type Result struct {
	Columns    int
	TileWidth  float64
	Height     float64
	Placements []Placement
	Chunks     int
	// Cost is the wall time spent placing items, excluding frame waits.
	Cost time.Duration
}

type pass struct {
	items      []Item
	cols       int
	tileWidth  float64
	heights    []float64
	placements []Placement
	next       int
	chunks     int
	cost       time.Duration
}

// Engine must only be used from the scheduler's thread.
type Engine struct {
	sched   loop.Scheduler
	cfg     Config
	log     logger.Logger
	aspects AspectSource

	items []Item
	width float64
	zoom  int

	scheduled bool
	cur       *pass
	followUp  bool
	frame     loop.Timer

	aspectCache map[string]float64
	measured    map[string]float64
	stale       bool

	resize loop.Timer
	settle loop.Timer

	geometry   map[string]geom.Rect
	placements []Placement
	order      []string
	columns    int
	tileWidth  float64
	height     float64

	onOrder  []func([]string)
	onLayout []func(Result)
	closed   bool
}

// New creates an engine. aspects may be nil.
func New(sched loop.Scheduler, cfg Config, aspects AspectSource, log logger.Logger) *Engine {
	cfg = cfg.normalized()
	return &Engine{
		sched:       sched,
		cfg:         cfg,
		log:         log,
		aspects:     aspects,
		zoom:        len(cfg.TileWidths) / 2,
		aspectCache: make(map[string]float64),
		measured:    make(map[string]float64),
		geometry:    make(map[string]geom.Rect),
	}
}

// OnOrder registers a listener for visual order changes.
func (e *Engine) OnOrder(fn func(order []string)) { e.onOrder = append(e.onOrder, fn) }

// OnLayout registers a listener called after every completed pass.
func (e *Engine) OnLayout(fn func(Result)) { e.onLayout = append(e.onLayout, fn) }

// SetItems replaces the candidate list and requests a pass.
func (e *Engine) SetItems(items []Item) {
	e.items = slices.Clone(items)
	e.Request()
}

// SetContainerWidth records a new container width. Width changes drop cached
// measurements and schedule a debounced pass.
func (e *Engine) SetContainerWidth(w float64) {
	if e.closed || w == e.width || math.IsNaN(w) {
		return
	}
	e.width = w
	clear(e.aspectCache)
	if e.resize != nil {
		e.resize.Stop()
	}
	e.resize = e.sched.AfterFunc(e.cfg.ResizeDebounce, func() {
		e.resize = nil
		e.Request()
	})
}

// SetZoom selects a tile width level, clamped to the configured levels.
func (e *Engine) SetZoom(level int) {
	level = max(0, min(level, len(e.cfg.TileWidths)-1))
	if level == e.zoom {
		return
	}
	e.zoom = level
	e.Request()
}

// Zoom returns the current zoom level.
func (e *Engine) Zoom() int { return e.zoom }

// NotifyScroll reports scrolling. Scrolling never relayouts by itself, but a
// pending aspect invalidation is applied once scrolling settles.
func (e *Engine) NotifyScroll() {
	if e.closed {
		return
	}
	if e.settle != nil {
		e.settle.Stop()
	}
	e.settle = e.sched.AfterFunc(e.cfg.ScrollSettle, func() {
		e.settle = nil
		if e.stale {
			e.Request()
		}
	})
}

// InvalidateAspect drops the cached ratio for id, e.g. after its media
// reported real dimensions. While scrolling the relayout waits for the scroll
// to settle.
func (e *Engine) InvalidateAspect(id string) {
	delete(e.aspectCache, id)
	e.stale = true
	if e.settle == nil {
		e.Request()
	}
}

// SetAspect records the measured ratio of id. It overrides the item's own
// aspect and any learned hint. A ratio that is not finite and positive drops
// the measurement.
func (e *Engine) SetAspect(id string, ratio float64) {
	if validAspect(ratio) {
		ratio = clamp(ratio, e.cfg.MinAspect, e.cfg.MaxAspect)
		if prev, ok := e.measured[id]; ok && prev == ratio {
			return
		}
		e.measured[id] = ratio
	} else {
		if _, ok := e.measured[id]; !ok {
			return
		}
		delete(e.measured, id)
	}
	e.InvalidateAspect(id)
}

// Request asks for a layout pass. A request made while a pass is running
// results in exactly one follow-up pass.
func (e *Engine) Request() {
	if e.closed {
		return
	}
	if e.cur != nil {
		e.followUp = true
		return
	}
	if e.scheduled {
		return
	}
	e.scheduled = true
	e.frame = e.sched.RequestFrame(e.step)
}

// Busy reports whether a pass is scheduled or running.
func (e *Engine) Busy() bool { return e.scheduled || e.cur != nil }

// Geometry returns the committed rectangle for id.
func (e *Engine) Geometry(id string) (geom.Rect, bool) {
	r, ok := e.geometry[id]
	return r, ok
}

// Placements returns the committed placements in index order.
func (e *Engine) Placements() []Placement { return e.placements }

// Order returns the last emitted visual order.
func (e *Engine) Order() []string { return slices.Clone(e.order) }

// Columns returns the committed column count.
func (e *Engine) Columns() int { return e.columns }

// TileWidth returns the committed column width.
func (e *Engine) TileWidth() float64 { return e.tileWidth }

// ContentHeight returns the height of the tallest column.
func (e *Engine) ContentHeight() float64 { return e.height }

// Close cancels the frame chain and every debounce timer.
func (e *Engine) Close() {
	e.closed = true
	for _, t := range []loop.Timer{e.frame, e.resize, e.settle} {
		if t != nil {
			t.Stop()
		}
	}
	e.frame, e.resize, e.settle = nil, nil, nil
	e.cur = nil
	e.scheduled = false
	e.followUp = false
}

func (e *Engine) step() {
	e.frame = nil
	if e.closed {
		return
	}
	if e.cur == nil {
		e.scheduled = false
		e.cur = e.begin()
	}
	p := e.cur
	started := time.Now()
	end := min(p.next+e.cfg.ChunkSize, len(p.items))
	for ; p.next < end; p.next++ {
		e.place(p, p.items[p.next], p.next)
	}
	p.chunks++
	p.cost += time.Since(started)

	if p.next < len(p.items) {
		e.frame = e.sched.RequestFrame(e.step)
		return
	}
	e.commit(p)
}

func (e *Engine) begin() *pass {
	target := e.cfg.TileWidths[e.zoom]
	cols, tw := 1, target
	if e.width > 0 {
		cols = max(1, int(math.Floor((e.width+e.cfg.Gap)/(target+e.cfg.Gap))))
		tw = (e.width - e.cfg.Gap*float64(cols-1)) / float64(cols)
	}
	e.stale = false
	return &pass{
		items:      e.items,
		cols:       cols,
		tileWidth:  tw,
		heights:    make([]float64, cols),
		placements: make([]Placement, 0, len(e.items)),
	}
}

func (e *Engine) place(p *pass, it Item, index int) {
	col := 0
	for c := 1; c < p.cols; c++ {
		if p.heights[c] < p.heights[col] {
			col = c
		}
	}
	h := p.tileWidth / e.aspectFor(it)
	r := geom.Rect{
		X: float64(col) * (p.tileWidth + e.cfg.Gap),
		Y: p.heights[col],
		W: p.tileWidth,
		H: h,
	}
	p.heights[col] += h + e.cfg.Gap
	p.placements = append(p.placements, Placement{ID: it.ID, Index: index, Column: col, Rect: r})
}

func (e *Engine) aspectFor(it Item) float64 {
	if a, ok := e.aspectCache[it.ID]; ok {
		return a
	}
	if a, ok := e.measured[it.ID]; ok {
		e.aspectCache[it.ID] = a
		return a
	}
	a := it.Aspect
	if !validAspect(a) && e.aspects != nil {
		if learned, ok := e.aspects.Aspect(it.ID); ok {
			a = learned
		}
	}
	if !validAspect(a) {
		a = e.cfg.DefaultAspect
	}
	a = clamp(a, e.cfg.MinAspect, e.cfg.MaxAspect)
	e.aspectCache[it.ID] = a
	return a
}

func (e *Engine) commit(p *pass) {
	e.cur = nil
	e.columns = p.cols
	e.tileWidth = p.tileWidth
	e.height = 0
	for _, h := range p.heights {
		e.height = math.Max(e.height, h)
	}
	if e.height > 0 && len(p.items) > 0 {
		e.height -= e.cfg.Gap
	}
	e.placements = p.placements
	e.geometry = make(map[string]geom.Rect, len(p.placements))
	for _, pl := range p.placements {
		e.geometry[pl.ID] = pl.Rect
	}

	order := visualOrder(p.placements)
	changed := !slices.Equal(order, e.order)
	e.order = order

	e.log.Debug("layout pass complete",
		zap.Int("items", len(p.items)),
		zap.Int("columns", p.cols),
		zap.Int("chunks", p.chunks),
		zap.Duration("cost", p.cost),
		zap.Bool("orderChanged", changed))

	if changed {
		for _, fn := range e.onOrder {
			fn(slices.Clone(order))
		}
	}
	res := Result{
		Columns:    p.cols,
		TileWidth:  p.tileWidth,
		Height:     e.height,
		Placements: p.placements,
		Chunks:     p.chunks,
		Cost:       p.cost,
	}
	for _, fn := range e.onLayout {
		fn(res)
	}

	if e.followUp && !e.closed {
		e.followUp = false
		e.Request()
	}
}

// visualOrder sorts top-to-bottom, then left-to-right.
func visualOrder(ps []Placement) []string {
	sorted := slices.Clone(ps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Rect.Y != sorted[j].Rect.Y {
			return sorted[i].Rect.Y < sorted[j].Rect.Y
		}
		return sorted[i].Rect.X < sorted[j].Rect.X
	})
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = p.ID
	}
	return out
}

func validAspect(a float64) bool {
	return a > 0 && !math.IsInf(a, 0) && !math.IsNaN(a)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
