package governor

import (
	"sort"
)

// Flags are the per-item inputs of the eviction score.
type Flags struct {
	Playing bool
	Visible bool
	Near    bool
}

// Score ranks how valuable a loaded item is; lower scores go first.
func Score(f Flags) int {
	s := 0
	if f.Playing {
		s += 4
	}
	if f.Visible {
		s += 2
	}
	if f.Near {
		s++
	}
	return s
}

// PlanEviction picks victims among loaded until len(loaded)-maxLoaded are
// selected or no evictable item remains. Playing and visible items are never
// selected. Equal scores keep the order of loaded, so callers pass the least
// useful items first.
func PlanEviction(loaded []string, maxLoaded int, flags func(id string) Flags) []string {
	if maxLoaded < 0 || flags == nil {
		return nil
	}
	over := len(loaded) - maxLoaded
	if over <= 0 {
		return nil
	}
	type scored struct {
		id    string
		score int
	}
	candidates := make([]scored, 0, len(loaded))
	for _, id := range loaded {
		f := flags(id)
		if f.Playing || f.Visible {
			continue
		}
		candidates = append(candidates, scored{id: id, score: Score(f)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	n := min(over, len(candidates))
	victims := make([]string, n)
	for i := range n {
		victims[i] = candidates[i].id
	}
	return victims
}
