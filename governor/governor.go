// Package governor owns the per-gallery resource state and ties the layout
// engine, tracker, reveal controller, capacity planner and play arbiter
// together. A Governor must only be used from its scheduler's thread; other
// goroutines reach it through loop.Loop.Do.
package governor

import (
	"math"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stevecastle/lowkey-grid/activation"
	"github.com/stevecastle/lowkey-grid/capacity"
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

// Event types published by the governor.
const (
	EventLimits = "limits"
	EventEvict  = "evict"
	EventPlay   = "play"
	EventOrder  = "order"
	EventReveal = "reveal"
)

// Publisher receives decision events. stream.Hub implements it.
type Publisher interface {
	Publish(stream.Event)
}

// AspectStore supplies learned aspect ratios and records measured ones.
type AspectStore interface {
	layout.AspectSource
	Learn(key string, ratio float64) error
}

// Config gathers the configuration of every collaborator.
type Config struct {
	Reveal          reveal.Config
	Tracker         tracker.Config
	Layout          layout.Config
	Capacity        capacity.Config
	LongTasks       capacity.LongTaskConfig
	Admission       AdmissionConfig
	Play            play.Config
	CleanupCooldown time.Duration
	// Gallery labels this governor's metrics.
	Gallery string
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Reveal:          reveal.DefaultConfig(),
		Tracker:         tracker.DefaultConfig(),
		Layout:          layout.DefaultConfig(),
		Capacity:        capacity.DefaultConfig(),
		LongTasks:       capacity.DefaultLongTaskConfig(),
		Admission:       DefaultAdmissionConfig(),
		Play:            play.Config{MaxPlaying: 6, OverrunTolerance: play.DefaultOverrunTolerance},
		CleanupCooldown: 750 * time.Millisecond,
		Gallery:         DefaultGallery,
	}
}

// DefaultGallery is the metrics label used when Config.Gallery is empty.
const DefaultGallery = "default"

type item struct {
	id      string
	aspect  float64
	handle  tracker.Handle
	loading bool
	loaded  bool
	failed  bool
}

// Governor is the single owned controller for one gallery view.
type Governor struct {
	sched loop.Scheduler
	cfg   Config
	log   logger.Logger
	pub   Publisher
	stats *metrics.Recorder

	aspects AspectStore
	layout  *layout.Engine
	tracker *tracker.Tracker
	reveal  *reveal.Controller
	planner *capacity.Planner
	arbiter *play.Arbiter
	long    *capacity.LongTaskMonitor

	candidates []layout.Item
	items      map[string]*item
	loaded     int
	loading    int
	sample     telemetry.Sample

	cleanup      *rate.Limiter
	cleanupRetry loop.Timer
	closed       bool
}

// Option customizes a Governor.
type Option func(*Governor)

// WithPublisher sends decision events to p.
func WithPublisher(p Publisher) Option {
	return func(g *Governor) { g.pub = p }
}

// WithAspects uses s for learned aspect ratios.
func WithAspects(s AspectStore) Option {
	return func(g *Governor) { g.aspects = s }
}

// New wires a governor on sched.
func New(sched loop.Scheduler, cfg Config, log logger.Logger, opts ...Option) *Governor {
	if cfg.CleanupCooldown <= 0 {
		cfg.CleanupCooldown = DefaultConfig().CleanupCooldown
	}
	if cfg.Gallery == "" {
		cfg.Gallery = DefaultGallery
	}
	cfg.Admission = cfg.Admission.normalized()
	g := &Governor{
		sched:   sched,
		cfg:     cfg,
		log:     log,
		stats:   metrics.For(cfg.Gallery),
		items:   make(map[string]*item),
		cleanup: rate.NewLimiter(rate.Every(cfg.CleanupCooldown), 1),
	}
	for _, opt := range opts {
		opt(g)
	}

	var aspects layout.AspectSource
	if g.aspects != nil {
		aspects = g.aspects
	}
	g.layout = layout.New(sched, cfg.Layout, aspects, log)
	g.tracker = tracker.New(sched, cfg.Tracker)
	g.reveal = reveal.New(sched, cfg.Reveal, g.onReveal)
	g.planner = capacity.NewPlanner(cfg.Capacity, log)
	g.arbiter = play.New(cfg.Play)
	g.long = capacity.NewLongTaskMonitor(cfg.LongTasks)

	g.layout.OnLayout(g.onLayout)
	g.layout.OnOrder(g.onOrder)
	g.tracker.OnFlush(func([]tracker.Change) { g.reconcilePlay() })

	g.updateGauges()
	return g
}

// SetCandidates replaces the candidate list. Items that remain keep their
// load state; the rest are discarded. reset restarts progressive reveal for a
// fresh gallery; otherwise the materialized count only clamps down.
func (g *Governor) SetCandidates(items []layout.Item, reset bool) {
	if g.closed {
		return
	}
	next := make(map[string]*item, len(items))
	list := make([]layout.Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := next[it.ID]; dup {
			continue
		}
		cur, ok := g.items[it.ID]
		if !ok {
			cur = &item{id: it.ID, aspect: it.Aspect}
		}
		next[it.ID] = cur
		list = append(list, it)
	}
	for id, it := range g.items {
		if _, keep := next[id]; keep {
			continue
		}
		if it.handle != "" {
			g.tracker.Unobserve(it.handle)
		}
		g.arbiter.Remove(id)
		g.layout.SetAspect(id, 0)
	}
	g.items = next
	g.candidates = list
	g.recount()

	prev := g.reveal.Count()
	if reset {
		g.arbiter.Reset()
		g.reveal.Reset(len(list))
	} else {
		g.reveal.SetTotal(len(list))
	}
	// A changed count already reached the layout through onReveal.
	if g.reveal.Count() == prev {
		g.layout.SetItems(g.candidates[:prev])
	}
	g.log.Info("candidates updated",
		zap.Int("total", len(list)),
		zap.Int("materialized", g.reveal.Count()),
		zap.Bool("reset", reset))
	g.recomputeLimits()
}

// SetViewport moves the viewport. A vertical move counts as scrolling.
func (g *Governor) SetViewport(vp geom.Rect) {
	if g.closed {
		return
	}
	prev := g.tracker.Viewport()
	g.tracker.SetViewport(vp)
	if prev.Y != vp.Y && !prev.Empty() {
		g.reveal.NotifyScroll()
		g.layout.NotifyScroll()
	}
}

// SetContainer applies a new container width and zoom level.
func (g *Governor) SetContainer(width float64, zoom int) {
	if g.closed {
		return
	}
	g.layout.SetZoom(zoom)
	g.layout.SetContainerWidth(width)
}

// SetNearMargin changes the proximity margin.
func (g *Governor) SetNearMargin(px float64) {
	g.tracker.SetMargin(px)
}

// SetMaxPlaying changes the playback cap, which also moves the capacity floor.
func (g *Governor) SetMaxPlaying(n int) {
	g.arbiter.SetMaxPlaying(n)
	g.reconcilePlay()
	g.recomputeLimits()
}

// Proximity returns the current classification of id. Pending visibility
// notifications are flushed first.
func (g *Governor) Proximity(id string) Proximity {
	g.tracker.Flush()
	return g.proximity(id)
}

func (g *Governor) proximity(id string) Proximity {
	switch {
	case g.tracker.IsVisible(id):
		return Visible
	case g.tracker.IsNear(id):
		return Near
	default:
		return Far
	}
}

// CanLoad reports whether id may begin loading now.
func (g *Governor) CanLoad(id string) bool {
	ok := g.canLoad(id)
	g.stats.ObserveAdmission(ok)
	return ok
}

func (g *Governor) canLoad(id string) bool {
	it, known := g.items[id]
	if !known || it.failed || g.closed {
		return false
	}
	if it.loaded || it.loading {
		return true
	}
	g.tracker.Flush()
	return Admit(g.proximity(id), g.load(), g.planner.Limits(), g.cfg.Admission)
}

// OnStartLoading records that the renderer began loading id.
func (g *Governor) OnStartLoading(id string) {
	it, ok := g.items[id]
	if !ok || it.loading || it.loaded {
		return
	}
	it.loading = true
	g.loading++
	g.updateGauges()
}

// OnStopLoading records that loading id was abandoned.
func (g *Governor) OnStopLoading(id string) {
	it, ok := g.items[id]
	if !ok || !it.loading {
		return
	}
	it.loading = false
	g.loading--
	g.updateGauges()
}

// OnVideoLoad records that id finished loading. Positive dimensions teach
// the aspect store the real ratio. A fresh load clears an earlier play error.
func (g *Governor) OnVideoLoad(id string, width, height int) {
	it, ok := g.items[id]
	if !ok {
		return
	}
	if it.loading {
		it.loading = false
		g.loading--
	}
	if !it.loaded {
		it.loaded = true
		g.loaded++
	}
	it.failed = false
	g.arbiter.ClearError(id)
	if width > 0 && height > 0 {
		ratio := float64(width) / float64(height)
		if g.aspects != nil {
			if err := g.aspects.Learn(id, ratio); err != nil {
				g.log.Debug("aspect hint rejected", zap.String("id", id), zap.Error(err))
			}
		}
		if math.Abs(ratio-it.aspect) > 1e-3 {
			it.aspect = ratio
			g.layout.SetAspect(id, ratio)
		}
	}
	g.updateGauges()
	g.reconcilePlay()
}

// OnLoadError records a failed load. Permanent failures are never admitted
// again until the item reports a successful load.
func (g *Governor) OnLoadError(id string, permanent bool) {
	it, ok := g.items[id]
	if !ok {
		return
	}
	if it.loading {
		it.loading = false
		g.loading--
	}
	if it.loaded {
		it.loaded = false
		g.loaded--
	}
	it.failed = it.failed || permanent
	g.arbiter.Remove(id)
	g.updateGauges()
	g.reconcilePlay()
}

// OnHover gives id playback priority; "" clears the override.
func (g *Governor) OnHover(id string) {
	g.arbiter.MarkHover(id)
	g.reconcilePlay()
}

// ReportStarted records that id began playing. It reports false when the
// pool is at its overrun limit or the item is not loaded.
func (g *Governor) ReportStarted(id string) bool {
	it, ok := g.items[id]
	if !ok || !it.loaded {
		return false
	}
	started := g.arbiter.ReportStarted(id)
	g.updateGauges()
	return started
}

// ReportPlayError drops id from the playing set.
func (g *Governor) ReportPlayError(id string) {
	g.arbiter.ReportPlayError(id)
	g.updateGauges()
	g.publish(EventPlay, play.Decision{Playing: g.arbiter.Playing(), Stopped: []string{id}})
}

// IsPlaying reports whether id holds a playback slot.
func (g *Governor) IsPlaying(id string) bool { return g.arbiter.IsPlaying(id) }

// PerformCleanup releases loaded items while over capacity. It runs at most
// once per cooldown; a throttled call schedules one retry whose victims are
// published as an evict event. Victims are removed from tracking before
// return; the caller releases their resources.
func (g *Governor) PerformCleanup() []string {
	if g.closed || g.loaded <= g.planner.Limits().MaxLoaded {
		return nil
	}
	now := g.sched.Now()
	if !g.cleanup.AllowN(now, 1) {
		if g.cleanupRetry == nil {
			wait := time.Duration((1 - g.cleanup.TokensAt(now)) * float64(g.cfg.CleanupCooldown))
			g.cleanupRetry = g.sched.AfterFunc(max(wait, time.Millisecond), func() {
				g.cleanupRetry = nil
				g.PerformCleanup()
			})
		}
		return nil
	}
	g.tracker.Flush()
	victims := PlanEviction(g.evictionOrder(), g.planner.Limits().MaxLoaded, func(id string) Flags {
		return Flags{
			Playing: g.arbiter.IsPlaying(id),
			Visible: g.tracker.IsVisible(id),
			Near:    g.tracker.IsNear(id),
		}
	})
	if len(victims) == 0 {
		return nil
	}
	for _, id := range victims {
		g.items[id].loaded = false
		g.loaded--
		g.arbiter.Remove(id)
	}
	g.stats.Evictions.Add(float64(len(victims)))
	g.log.Debug("evicted items",
		zap.Int("count", len(victims)),
		zap.Int("loaded", g.loaded),
		zap.Int("maxLoaded", g.planner.Limits().MaxLoaded))
	g.updateGauges()
	g.publish(EventEvict, victims)
	return victims
}

// evictionOrder lists loaded ids farthest from the viewport first, so equal
// scores release the least useful items.
func (g *Governor) evictionOrder() []string {
	vp := g.tracker.Viewport()
	center := vp.Y + vp.H/2
	type dist struct {
		id string
		d  float64
	}
	ds := make([]dist, 0, g.loaded)
	for _, it := range g.items {
		if !it.loaded {
			continue
		}
		d := math.Inf(1)
		if r, ok := g.layout.Geometry(it.id); ok {
			d = math.Abs(r.Y + r.H/2 - center)
		}
		ds = append(ds, dist{it.id, d})
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].d != ds[j].d {
			return ds[i].d > ds[j].d
		}
		return ds[i].id < ds[j].id
	})
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.id
	}
	return out
}

// ApplySample feeds a telemetry sample to the capacity planner and runs a
// cleanup if the new limits leave the gallery over capacity.
func (g *Governor) ApplySample(s telemetry.Sample) {
	if g.closed {
		return
	}
	g.sample = s
	g.recomputeLimits()
	g.PerformCleanup()
}

// OnLongTask reports a task that blocked the interactive thread for d.
func (g *Governor) OnLongTask(d time.Duration) {
	if d < g.long.Threshold() {
		return
	}
	g.reveal.NotifyLongTask()
	if g.long.Record(d) {
		g.log.Debug("long tasks sustained", zap.Duration("last", d))
	}
}

// Geometry returns the committed rectangle for id.
func (g *Governor) Geometry(id string) (geom.Rect, bool) {
	return g.layout.Geometry(id)
}

// ActivationWindow returns the near-viewport slice of the visual order.
// target overrides the default size when > 0.
func (g *Governor) ActivationWindow(target int) activation.Window {
	return activation.Compute(g.layout.Order(), g.activationMetrics(target))
}

func (g *Governor) activationMetrics(target int) activation.Metrics {
	vp := g.tracker.Viewport()
	cols := max(1, g.layout.Columns())
	tileH := g.layout.TileWidth()
	if n := len(g.layout.Placements()); n > 0 && g.layout.ContentHeight() > 0 {
		rows := (n + cols - 1) / cols
		tileH = g.layout.ContentHeight() / float64(rows)
	}
	rows := 1
	if tileH > 0 && vp.H > 0 {
		rows = max(1, int(math.Ceil(vp.H/tileH)))
	}
	return activation.Metrics{
		Columns:     cols,
		TileHeight:  tileH,
		ScrollTop:   vp.Y,
		VisibleRows: rows,
		Target:      target,
	}
}

// NextToLoad returns up to n ids from the activation window that would be
// admitted now, visible first, then near, then far.
func (g *Governor) NextToLoad(n int) []string {
	if n <= 0 || g.closed {
		return nil
	}
	g.tracker.Flush()
	win := g.ActivationWindow(0)
	var buckets [3][]string
	for _, id := range win.IDs {
		it, ok := g.items[id]
		if !ok || it.loaded || it.loading || it.failed {
			continue
		}
		p := g.proximity(id)
		buckets[p] = append(buckets[p], id)
	}
	load := g.load()
	limits := g.planner.Limits()
	var out []string
	for _, p := range []Proximity{Visible, Near, Far} {
		for _, id := range buckets[p] {
			if len(out) >= n {
				return out
			}
			if !Admit(p, load, limits, g.cfg.Admission) {
				break
			}
			out = append(out, id)
			load.Loading++
		}
	}
	return out
}

// Snapshot is a read-only view of the governor state.
type Snapshot struct {
	Limits       capacity.Limits  `json:"limits"`
	Sample       telemetry.Sample `json:"sample"`
	Total        int              `json:"total"`
	Materialized int              `json:"materialized"`
	RevealState  string           `json:"revealState"`
	Loaded       int              `json:"loaded"`
	Loading      int              `json:"loading"`
	Visible      int              `json:"visible"`
	Near         int              `json:"near"`
	Playing      []string         `json:"playing"`
	MaxPlaying   int              `json:"maxPlaying"`
	Hovered      string           `json:"hovered,omitempty"`
	Columns      int              `json:"columns"`
	TileWidth    float64          `json:"tileWidth"`
	Height       float64          `json:"height"`
	LayoutBusy   bool             `json:"layoutBusy"`
	LongTasks    bool             `json:"longTasks"`
}

// Snapshot returns the current state.
func (g *Governor) Snapshot() Snapshot {
	return Snapshot{
		Limits:       g.planner.Limits(),
		Sample:       g.sample,
		Total:        len(g.candidates),
		Materialized: g.reveal.Count(),
		RevealState:  g.reveal.State().String(),
		Loaded:       g.loaded,
		Loading:      g.loading,
		Visible:      g.tracker.VisibleCount(),
		Near:         len(g.tracker.NearIDs()),
		Playing:      g.arbiter.Playing(),
		MaxPlaying:   g.arbiter.MaxPlaying(),
		Hovered:      g.arbiter.Hovered(),
		Columns:      g.layout.Columns(),
		TileWidth:    g.layout.TileWidth(),
		Height:       g.layout.ContentHeight(),
		LayoutBusy:   g.layout.Busy(),
		LongTasks:    g.long.Sustained(),
	}
}

// Close cancels every timer and frame chain.
func (g *Governor) Close() {
	if g.closed {
		return
	}
	g.closed = true
	if g.cleanupRetry != nil {
		g.cleanupRetry.Stop()
		g.cleanupRetry = nil
	}
	g.reveal.Close()
	g.layout.Close()
	g.tracker.Close()
	g.stats.Forget()
}

func (g *Governor) load() Load {
	return Load{Loaded: g.loaded, Loading: g.loading}
}

func (g *Governor) recount() {
	g.loaded, g.loading = 0, 0
	for _, it := range g.items {
		if it.loaded {
			g.loaded++
		}
		if it.loading {
			g.loading++
		}
	}
	g.updateGauges()
}

func (g *Governor) recomputeLimits() {
	limits, changed := g.planner.Update(capacity.Inputs{
		CurrentMB:          g.sample.CurrentMB,
		TotalMB:            g.sample.TotalMB,
		Pressure:           g.sample.Pressure,
		LongTasksSustained: g.long.Sustained(),
		ExternalMaxPlaying: g.arbiter.MaxPlaying(),
		TotalCandidates:    len(g.candidates),
	})
	g.stats.MemoryPressure.Set(g.sample.Pressure)
	if changed {
		g.stats.MaxLoaded.Set(float64(limits.MaxLoaded))
		g.stats.MaxConcurrentLoading.Set(float64(limits.MaxConcurrentLoading))
		g.publish(EventLimits, limits)
	}
}

func (g *Governor) onReveal(count int) {
	g.stats.MaterializedItems.Set(float64(count))
	if count <= len(g.candidates) {
		g.layout.SetItems(g.candidates[:count])
	}
	g.publish(EventReveal, map[string]any{
		"count": count,
		"total": len(g.candidates),
		"state": g.reveal.State().String(),
	})
}

func (g *Governor) onLayout(res layout.Result) {
	g.stats.ObserveLayoutPass(res.Cost)
	placed := make(map[string]struct{}, len(res.Placements))
	for _, p := range res.Placements {
		it, ok := g.items[p.ID]
		if !ok {
			continue
		}
		placed[p.ID] = struct{}{}
		if it.handle == "" {
			it.handle = tracker.NewHandle()
			g.tracker.Observe(it.handle, p.ID, p.Rect, nil)
			continue
		}
		g.tracker.UpdateBounds(it.handle, p.Rect)
	}
	for id, it := range g.items {
		if _, ok := placed[id]; !ok && it.handle != "" {
			g.tracker.Unobserve(it.handle)
			it.handle = ""
		}
	}
	g.tracker.Refresh()
}

func (g *Governor) onOrder(order []string) {
	g.publish(EventOrder, map[string]any{
		"count":   len(order),
		"columns": g.layout.Columns(),
	})
	g.reconcilePlay()
}

// visibleInOrder lists visible ids in visual order.
func (g *Governor) visibleInOrder() []string {
	var out []string
	for _, id := range g.layout.Order() {
		if g.tracker.IsVisible(id) {
			out = append(out, id)
		}
	}
	return out
}

func (g *Governor) reconcilePlay() {
	if g.closed {
		return
	}
	loaded := make(map[string]bool, g.loaded)
	for id, it := range g.items {
		if it.loaded {
			loaded[id] = true
		}
	}
	d, ran := g.arbiter.Reconcile(g.visibleInOrder(), loaded)
	g.updateGauges()
	if ran && (len(d.Started) > 0 || len(d.Stopped) > 0) {
		g.publish(EventPlay, d)
	}
}

func (g *Governor) updateGauges() {
	g.stats.LoadedItems.Set(float64(g.loaded))
	g.stats.LoadingItems.Set(float64(g.loading))
	g.stats.PlayingItems.Set(float64(g.arbiter.Count()))
}

func (g *Governor) publish(typ string, data any) {
	if g.pub == nil {
		return
	}
	if ids, ok := data.([]string); ok {
		data = slices.Clone(ids)
	}
	g.pub.Publish(stream.Event{Type: typ, Data: data})
}
