// Package activation computes the bounded near-viewport slice of the visual
// order that drives admission priority.
package activation

import (
	"math"
	"slices"
)

// MaxWindow is the hard upper bound on the window size.
const MaxWindow = 600

// Metrics describes the viewport in layout terms.
type Metrics struct {
	Columns     int
	TileHeight  float64
	ScrollTop   float64
	VisibleRows int
	// Target overrides the default size of columns*visibleRows*2 when > 0.
	Target int
	// BufferRows defaults to max(1, visibleRows/2) when <= 0.
	BufferRows int
}

// Window is a contiguous slice of the visual order, [Start, End).
type Window struct {
	IDs    []string `json:"ids"`
	Start  int      `json:"start"`
	End    int      `json:"end"`
	Target int      `json:"target"`
}

// Len returns the number of ids in the window.
func (w Window) Len() int { return w.End - w.Start }

// Compute returns the activation window for order under m.
func Compute(order []string, m Metrics) Window {
	total := len(order)
	if total == 0 {
		if m.Target > 0 {
			return Window{Target: min(m.Target, MaxWindow)}
		}
		return Window{}
	}

	cols := max(1, m.Columns)
	rows := max(1, m.VisibleRows)

	target := m.Target
	if target <= 0 {
		target = cols * rows * 2
	}
	target = max(1, min(target, MaxWindow, total))

	firstRow := 0
	if m.TileHeight > 0 && m.ScrollTop > 0 && !math.IsInf(m.ScrollTop, 0) {
		firstRow = int(m.ScrollTop / m.TileHeight)
	}
	buffer := m.BufferRows
	if buffer <= 0 {
		buffer = max(1, rows/2)
	}

	start := max(0, (firstRow-buffer)*cols)
	if start > total {
		start = total
	}
	end := start + target
	if end > total {
		end = total
		start = max(0, end-target)
	}
	return Window{
		IDs:    slices.Clone(order[start:end]),
		Start:  start,
		End:    end,
		Target: target,
	}
}
