// Package play arbitrates the scarce pool of concurrently playing videos.
package play

import (
	"math"
	"slices"
	"sort"
)

// DefaultOverrunTolerance is the transient overrun allowed between
// reconciliations, as a fraction of the cap.
const DefaultOverrunTolerance = 0.10

// Config configures an Arbiter.
type Config struct {
	MaxPlaying       int
	OverrunTolerance float64
}

// Decision is the outcome of a reconciliation.
type Decision struct {
	Playing []string `json:"playing"`
	Started []string `json:"started,omitempty"`
	Stopped []string `json:"stopped,omitempty"`
}

// Arbiter owns the playing set. It must only be used from the scheduler's
// thread.
type Arbiter struct {
	max       int
	tolerance float64

	playing map[string]struct{}
	errored map[string]struct{}
	hovered string

	lastVisible int
	lastLoaded  int
	force       bool
}

// New creates an arbiter with an empty pool.
func New(cfg Config) *Arbiter {
	if cfg.MaxPlaying < 0 {
		cfg.MaxPlaying = 0
	}
	if cfg.OverrunTolerance <= 0 || math.IsNaN(cfg.OverrunTolerance) {
		cfg.OverrunTolerance = DefaultOverrunTolerance
	}
	return &Arbiter{
		max:         cfg.MaxPlaying,
		tolerance:   cfg.OverrunTolerance,
		playing:     make(map[string]struct{}),
		errored:     make(map[string]struct{}),
		lastVisible: -1,
		lastLoaded:  -1,
	}
}

// MaxPlaying returns the cap.
func (a *Arbiter) MaxPlaying() int { return a.max }

// SetMaxPlaying changes the cap and forces the next reconciliation.
func (a *Arbiter) SetMaxPlaying(n int) {
	n = max(0, n)
	if n != a.max {
		a.max = n
		a.force = true
	}
}

// OverrunLimit is the most ids the pool holds between reconciliations.
func (a *Arbiter) OverrunLimit() int {
	return int(math.Floor(float64(a.max) * (1 + a.tolerance)))
}

// Hovered returns the hover override, or "".
func (a *Arbiter) Hovered() string { return a.hovered }

// MarkHover sets the priority override; "" clears it. It takes effect at
// the next reconciliation.
func (a *Arbiter) MarkHover(id string) {
	if id != a.hovered {
		a.hovered = id
		a.force = true
	}
}

// IsPlaying reports whether id holds a slot.
func (a *Arbiter) IsPlaying(id string) bool {
	_, ok := a.playing[id]
	return ok
}

// Playing returns the playing ids in sorted order.
func (a *Arbiter) Playing() []string {
	out := make([]string, 0, len(a.playing))
	for id := range a.playing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of playing ids.
func (a *Arbiter) Count() int { return len(a.playing) }

// ReportStarted records that id began playing outside a reconciliation. It
// is refused once the pool reaches the overrun limit, and for ids whose last
// attempt errored.
func (a *Arbiter) ReportStarted(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := a.playing[id]; ok {
		return true
	}
	if _, bad := a.errored[id]; bad {
		return false
	}
	if len(a.playing) >= a.OverrunLimit() {
		return false
	}
	a.playing[id] = struct{}{}
	return true
}

// ReportPlayError drops id from the pool. It is not re-admitted until
// ClearError is called after a fresh load completes.
func (a *Arbiter) ReportPlayError(id string) {
	delete(a.playing, id)
	a.errored[id] = struct{}{}
}

// ClearError makes id eligible again.
func (a *Arbiter) ClearError(id string) {
	delete(a.errored, id)
}

// Errored reports whether id is excluded after a play error.
func (a *Arbiter) Errored(id string) bool {
	_, ok := a.errored[id]
	return ok
}

// Remove drops id from the pool without marking it errored, e.g. on
// eviction.
func (a *Arbiter) Remove(id string) {
	delete(a.playing, id)
}

// Reset forgets everything except the cap.
func (a *Arbiter) Reset() {
	clear(a.playing)
	clear(a.errored)
	a.hovered = ""
	a.lastVisible, a.lastLoaded = -1, -1
	a.force = true
}

// Reconcile recomputes the playing set from the visible ids, in display
// order, and the loaded set. It only runs when the size of either input
// changed since the last run or a forcing change happened; otherwise it
// returns false.
func (a *Arbiter) Reconcile(visible []string, loaded map[string]bool) (Decision, bool) {
	if !a.force && len(visible) == a.lastVisible && len(loaded) == a.lastLoaded {
		return Decision{}, false
	}
	a.force = false
	a.lastVisible, a.lastLoaded = len(visible), len(loaded)

	target := Target(visible, loaded, a.hovered, a.errored, a.max)
	want := make(map[string]struct{}, len(target))
	var d Decision
	for _, id := range target {
		want[id] = struct{}{}
		if _, ok := a.playing[id]; !ok {
			d.Started = append(d.Started, id)
		}
	}
	for id := range a.playing {
		if _, ok := want[id]; !ok {
			d.Stopped = append(d.Stopped, id)
		}
	}
	sort.Strings(d.Stopped)
	a.playing = want
	d.Playing = slices.Clone(target)
	return d, true
}

// Target ranks visible∩loaded with hovered first and returns at most max
// ids. Errored ids are skipped.
func Target(visible []string, loaded map[string]bool, hovered string, errored map[string]struct{}, limit int) []string {
	if limit <= 0 {
		return nil
	}
	eligible := func(id string) bool {
		if !loaded[id] {
			return false
		}
		_, bad := errored[id]
		return !bad
	}
	out := make([]string, 0, limit)
	if hovered != "" && eligible(hovered) && slices.Contains(visible, hovered) {
		out = append(out, hovered)
	}
	for _, id := range visible {
		if len(out) >= limit {
			break
		}
		if id == hovered || !eligible(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
