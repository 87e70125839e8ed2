// Package tracker multiplexes a single spatial observer across every rendered
// tile and keeps a cached visible/near flag per item id.
//
// The observer half is passive: it only notices targets whose relation to the
// observation root (the viewport grown by RootMargin) may have changed when
// the viewport moves. Raw notifications are buffered and flushed at most once
// per frame, and the flag computation applies the runtime-adjustable near
// margin, so changing the margin never rebuilds the observer.
package tracker

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/loop"
)

// Handle identifies one observed element.
type Handle string

// NewHandle mints a unique handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Entry is the raw notification delivered to a target's callback.
type Entry struct {
	Handle       Handle
	ID           string
	Bounds       geom.Rect
	Viewport     geom.Rect
	Intersecting bool
	Time         time.Time
}

// Callback fires when the visibility of an observed element changes.
type Callback func(visible bool, entry Entry)

// Change describes a flag transition produced by a flush or an Unobserve.
type Change struct {
	ID             string
	Visible        bool
	Near           bool
	VisibleChanged bool
	NearChanged    bool
}

// Listener receives the batch of flag changes from one flush.
type Listener func(changes []Change)

// Config controls the proximity margins, in content pixels.
type Config struct {
	// Margin is the near margin applied when computing flags.
	Margin float64
	// RootMargin is the observer's own root margin. It only bounds which
	// targets the passive observer reports on; it grows automatically if
	// Margin is raised past it.
	RootMargin float64
}

// DefaultConfig returns the margins used when none are configured.
func DefaultConfig() Config {
	return Config{Margin: 600, RootMargin: 1200}
}

type target struct {
	handle Handle
	id     string
	bounds geom.Rect
	cb     Callback
	inRoot bool
}

// Tracker must only be used from the scheduler's thread.
type Tracker struct {
	sched loop.Scheduler

	viewport   geom.Rect
	margin     float64
	rootMargin float64

	targets map[Handle]*target
	handles map[string]Handle
	visible map[string]bool
	near    map[string]bool

	pending      map[Handle]struct{}
	pendingOrder []Handle
	frame        loop.Timer

	listeners []Listener
}

// New creates an empty tracker.
func New(sched loop.Scheduler, cfg Config) *Tracker {
	if cfg.Margin < 0 {
		cfg.Margin = 0
	}
	if cfg.RootMargin < cfg.Margin {
		cfg.RootMargin = cfg.Margin
	}
	return &Tracker{
		sched:      sched,
		margin:     cfg.Margin,
		rootMargin: cfg.RootMargin,
		targets:    make(map[Handle]*target),
		handles:    make(map[string]Handle),
		visible:    make(map[string]bool),
		near:       make(map[string]bool),
		pending:    make(map[Handle]struct{}),
	}
}

// OnFlush registers a listener for flag changes.
func (t *Tracker) OnFlush(l Listener) {
	t.listeners = append(t.listeners, l)
}

// Observe registers an element. Observing an id that is already tracked under
// another handle replaces the earlier registration.
func (t *Tracker) Observe(h Handle, id string, bounds geom.Rect, cb Callback) {
	if prev, ok := t.handles[id]; ok && prev != h {
		delete(t.targets, prev)
		t.dropPending(prev)
	}
	if old, ok := t.targets[h]; ok && old.id != id {
		t.Unobserve(h)
	}
	tg := &target{handle: h, id: id, bounds: bounds, cb: cb}
	tg.inRoot = bounds.Intersects(t.root())
	t.targets[h] = tg
	t.handles[id] = h
	t.enqueue(h)
}

// UpdateBounds records new geometry for an element. The passive observer does
// not notice geometry changes on its own; call Refresh afterwards.
func (t *Tracker) UpdateBounds(h Handle, bounds geom.Rect) {
	if tg, ok := t.targets[h]; ok {
		tg.bounds = bounds
	}
}

// Unobserve deregisters an element and clears both flags for its id.
func (t *Tracker) Unobserve(h Handle) {
	tg, ok := t.targets[h]
	if !ok {
		return
	}
	delete(t.targets, h)
	t.dropPending(h)
	if t.handles[tg.id] != h {
		return
	}
	delete(t.handles, tg.id)
	wasVisible, wasNear := t.visible[tg.id], t.near[tg.id]
	delete(t.visible, tg.id)
	delete(t.near, tg.id)
	if wasVisible || wasNear {
		t.notify([]Change{{ID: tg.id, VisibleChanged: wasVisible, NearChanged: wasNear}})
	}
}

// SetViewport moves the viewport rectangle. Targets whose relation to the
// observation root may have changed are queued for the next frame flush.
func (t *Tracker) SetViewport(vp geom.Rect) {
	t.viewport = vp
	root := t.root()
	for h, tg := range t.targets {
		in := tg.bounds.Intersects(root)
		if in || tg.inRoot {
			t.enqueue(h)
		}
		tg.inRoot = in
	}
}

// Viewport returns the current viewport rectangle.
func (t *Tracker) Viewport() geom.Rect { return t.viewport }

// Margin returns the near margin.
func (t *Tracker) Margin() float64 { return t.margin }

// SetMargin changes the near margin. Tracked targets around the viewport are
// re-evaluated on the next frame.
func (t *Tracker) SetMargin(px float64) {
	if px < 0 {
		px = 0
	}
	t.margin = px
	if px > t.rootMargin {
		t.rootMargin = px
	}
	root := t.root()
	for h, tg := range t.targets {
		tg.inRoot = tg.bounds.Intersects(root)
		if tg.inRoot || t.near[tg.id] {
			t.enqueue(h)
		}
	}
}

// Refresh re-evaluates every target against the current viewport right away.
func (t *Tracker) Refresh() {
	root := t.root()
	for h, tg := range t.targets {
		tg.inRoot = tg.bounds.Intersects(root)
		t.enqueue(h)
	}
	t.Flush()
}

// Flush applies buffered notifications immediately instead of waiting for the
// next frame. Admission decisions call it so they never read stale flags.
func (t *Tracker) Flush() {
	if t.frame != nil {
		t.frame.Stop()
		t.frame = nil
	}
	if len(t.pendingOrder) == 0 {
		return
	}
	order := t.pendingOrder
	t.pendingOrder = nil
	clear(t.pending)

	now := t.sched.Now()
	nearRect := t.viewport.Expand(t.margin)
	var changes []Change
	for _, h := range order {
		tg, ok := t.targets[h]
		if !ok {
			continue
		}
		vis := tg.bounds.Intersects(t.viewport)
		nr := tg.bounds.Intersects(nearRect)
		prevVis, prevNear := t.visible[tg.id], t.near[tg.id]
		setFlag(t.visible, tg.id, vis)
		setFlag(t.near, tg.id, nr)
		if vis == prevVis && nr == prevNear {
			continue
		}
		changes = append(changes, Change{
			ID:             tg.id,
			Visible:        vis,
			Near:           nr,
			VisibleChanged: vis != prevVis,
			NearChanged:    nr != prevNear,
		})
		if vis != prevVis && tg.cb != nil {
			tg.cb(vis, Entry{
				Handle:       h,
				ID:           tg.id,
				Bounds:       tg.bounds,
				Viewport:     t.viewport,
				Intersecting: vis,
				Time:         now,
			})
		}
	}
	if len(changes) > 0 {
		t.notify(changes)
	}
}

// Pending reports whether notifications are waiting for a flush.
func (t *Tracker) Pending() bool { return len(t.pendingOrder) > 0 }

// IsVisible reports the cached visible flag.
func (t *Tracker) IsVisible(id string) bool { return t.visible[id] }

// IsNear reports the cached near flag. Visible items are also near.
func (t *Tracker) IsNear(id string) bool { return t.near[id] }

// VisibleIDs returns the visible ids in sorted order.
func (t *Tracker) VisibleIDs() []string { return sortedKeys(t.visible) }

// NearIDs returns the near ids in sorted order.
func (t *Tracker) NearIDs() []string { return sortedKeys(t.near) }

// VisibleCount returns the number of visible ids.
func (t *Tracker) VisibleCount() int { return len(t.visible) }

// Len returns the number of observed elements.
func (t *Tracker) Len() int { return len(t.targets) }

// HandleFor returns the handle currently registered for id.
func (t *Tracker) HandleFor(id string) (Handle, bool) {
	h, ok := t.handles[id]
	return h, ok
}

// Close cancels the pending frame flush.
func (t *Tracker) Close() {
	if t.frame != nil {
		t.frame.Stop()
		t.frame = nil
	}
}

func (t *Tracker) root() geom.Rect {
	return t.viewport.Expand(t.rootMargin)
}

func (t *Tracker) enqueue(h Handle) {
	if _, ok := t.pending[h]; !ok {
		t.pending[h] = struct{}{}
		t.pendingOrder = append(t.pendingOrder, h)
	}
	if t.frame == nil {
		t.frame = t.sched.RequestFrame(func() {
			t.frame = nil
			t.Flush()
		})
	}
}

func (t *Tracker) dropPending(h Handle) {
	if _, ok := t.pending[h]; !ok {
		return
	}
	delete(t.pending, h)
	for i, p := range t.pendingOrder {
		if p == h {
			t.pendingOrder = append(t.pendingOrder[:i], t.pendingOrder[i+1:]...)
			break
		}
	}
}

func (t *Tracker) notify(changes []Change) {
	for _, l := range t.listeners {
		l(changes)
	}
}

func setFlag(m map[string]bool, id string, v bool) {
	if v {
		m[id] = true
	} else {
		delete(m, id)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
