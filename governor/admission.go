package governor

import (
	"math"

	"github.com/stevecastle/lowkey-grid/capacity"
)

// AdmissionConfig holds the fairness constants of the admission gate.
type AdmissionConfig struct {
	// Visible items may overflow the loader cap by
	// max(VisibleOverflowMin, VisibleOverflowFraction*cap).
	VisibleOverflowFraction float64 `json:"visibleOverflowFraction"`
	VisibleOverflowMin      int     `json:"visibleOverflowMin"`
	// Far items only load while fewer than FarHeadroomFraction*cap loads are
	// in flight.
	FarHeadroomFraction float64 `json:"farHeadroomFraction"`
}

// DefaultAdmissionConfig returns the tuned defaults.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		VisibleOverflowFraction: 0.25,
		VisibleOverflowMin:      2,
		FarHeadroomFraction:     0.5,
	}
}

func (c AdmissionConfig) normalized() AdmissionConfig {
	def := DefaultAdmissionConfig()
	if c.VisibleOverflowFraction < 0 || math.IsNaN(c.VisibleOverflowFraction) {
		c.VisibleOverflowFraction = def.VisibleOverflowFraction
	}
	if c.VisibleOverflowMin < 0 {
		c.VisibleOverflowMin = def.VisibleOverflowMin
	}
	if c.FarHeadroomFraction <= 0 || c.FarHeadroomFraction > 1 || math.IsNaN(c.FarHeadroomFraction) {
		c.FarHeadroomFraction = def.FarHeadroomFraction
	}
	return c
}

// Proximity classifies an item relative to the viewport.
type Proximity int

const (
	Far Proximity = iota
	Near
	Visible
)

func (p Proximity) String() string {
	switch p {
	case Visible:
		return "visible"
	case Near:
		return "near"
	default:
		return "far"
	}
}

// Load is the resource usage the gate looks at.
type Load struct {
	Loaded  int
	Loading int
}

// VisibleOverflow is how far visible items may exceed the loader cap.
func VisibleOverflow(maxLoading int, cfg AdmissionConfig) int {
	return max(cfg.VisibleOverflowMin, int(math.Floor(cfg.VisibleOverflowFraction*float64(maxLoading))))
}

// Admit decides whether an item at proximity p may begin loading. The order
// of preference is visible, then near, then far. Malformed input denies.
func Admit(p Proximity, load Load, limits capacity.Limits, cfg AdmissionConfig) bool {
	cfg = cfg.normalized()
	if load.Loaded < 0 || load.Loading < 0 || limits.MaxLoaded < 0 || limits.MaxConcurrentLoading < 0 {
		return false
	}
	if load.Loaded >= limits.MaxLoaded && p != Visible {
		return false
	}
	if p == Visible {
		return load.Loading <= limits.MaxConcurrentLoading+VisibleOverflow(limits.MaxConcurrentLoading, cfg)
	}
	if load.Loading >= limits.MaxConcurrentLoading {
		return false
	}
	if p == Near {
		return true
	}
	// reserve the rest of the loader slots for near and visible traffic
	return float64(load.Loading) < cfg.FarHeadroomFraction*float64(limits.MaxConcurrentLoading)
}
