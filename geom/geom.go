// Package geom holds the small amount of 2D geometry shared by the layout
// engine, the visibility tracker and the activation window.
package geom

import "math"

// Rect is an axis-aligned rectangle in content coordinates (pixels, y down).
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.X + r.W }

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.H }

// Empty reports whether the rectangle has no area or holds non-finite values.
func (r Rect) Empty() bool {
	if !finite(r.X) || !finite(r.Y) || !finite(r.W) || !finite(r.H) {
		return true
	}
	return r.W <= 0 || r.H <= 0
}

// Intersects reports whether r and o overlap with positive area.
func (r Rect) Intersects(o Rect) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.X < o.Right() && o.X < r.Right() && r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Expand grows the rectangle by margin on every side. Negative margins shrink
// it; the result never has negative size.
func (r Rect) Expand(margin float64) Rect {
	out := Rect{X: r.X - margin, Y: r.Y - margin, W: r.W + 2*margin, H: r.H + 2*margin}
	if out.W < 0 {
		out.W = 0
	}
	if out.H < 0 {
		out.H = 0
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
