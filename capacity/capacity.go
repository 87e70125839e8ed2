// Package capacity derives the load limits from memory telemetry, a device
// heuristic and the external playback cap.
//
// Everything here is a pure function of the previous limits and new inputs,
// except Planner, which only keeps the previous limits and logs changes.
package capacity

import (
	"math"
	"sort"
)

// Tier maps a minimum device memory size to a coarse base cap.
type Tier struct {
	MinDeviceMB float64 `json:"minDeviceMB"`
	BaseCap     int     `json:"baseCap"`
}

// Config holds every tuning constant of the derivation.
type Config struct {
	Tiers []Tier `json:"tiers"`

	SafeFraction     float64 `json:"safeFraction"`
	HardCapMB        float64 `json:"hardCapMB"`
	PerItemCostMB    float64 `json:"perItemCostMB"`
	GrowHeadroomMB   float64 `json:"growHeadroomMB"`
	ShrinkHeadroomMB float64 `json:"shrinkHeadroomMB"`

	PressureDerateStart float64 `json:"pressureDerateStart"`
	DerateFloor         float64 `json:"derateFloor"`
	LongTaskDerate      float64 `json:"longTaskDerate"`

	MaxStep       int `json:"maxStep"`
	Floor         int `json:"floor"`
	PreloadBuffer int `json:"preloadBuffer"`
	TotalBuffer   int `json:"totalBuffer"`

	LoadingFraction float64 `json:"loadingFraction"`
	LoadingFloor    int     `json:"loadingFloor"`
	LoadingCeiling  int     `json:"loadingCeiling"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{MinDeviceMB: 16384, BaseCap: 160},
			{MinDeviceMB: 8192, BaseCap: 120},
			{MinDeviceMB: 4096, BaseCap: 80},
			{MinDeviceMB: 2048, BaseCap: 48},
			{MinDeviceMB: 0, BaseCap: 32},
		},
		SafeFraction:        0.6,
		HardCapMB:           4096,
		PerItemCostMB:       24,
		GrowHeadroomMB:      192,
		ShrinkHeadroomMB:    64,
		PressureDerateStart: 0.55,
		DerateFloor:         0.4,
		LongTaskDerate:      0.75,
		MaxStep:             6,
		Floor:               12,
		PreloadBuffer:       4,
		TotalBuffer:         8,
		LoadingFraction:     0.2,
		LoadingFloor:        2,
		LoadingCeiling:      8,
	}
}

// Normalized fills unusable values from DefaultConfig.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if len(c.Tiers) == 0 {
		c.Tiers = def.Tiers
	}
	c.Tiers = append([]Tier(nil), c.Tiers...)
	sort.SliceStable(c.Tiers, func(i, j int) bool { return c.Tiers[i].MinDeviceMB > c.Tiers[j].MinDeviceMB })
	if !(c.SafeFraction > 0 && c.SafeFraction <= 1) {
		c.SafeFraction = def.SafeFraction
	}
	if c.HardCapMB <= 0 {
		c.HardCapMB = def.HardCapMB
	}
	if c.PerItemCostMB <= 0 {
		c.PerItemCostMB = def.PerItemCostMB
	}
	if c.GrowHeadroomMB < 0 {
		c.GrowHeadroomMB = 0
	}
	if c.ShrinkHeadroomMB < 0 {
		c.ShrinkHeadroomMB = 0
	}
	if c.GrowHeadroomMB < c.ShrinkHeadroomMB {
		c.GrowHeadroomMB = c.ShrinkHeadroomMB
	}
	if !(c.PressureDerateStart >= 0 && c.PressureDerateStart < 1) {
		c.PressureDerateStart = def.PressureDerateStart
	}
	if !(c.DerateFloor > 0 && c.DerateFloor <= 1) {
		c.DerateFloor = def.DerateFloor
	}
	if !(c.LongTaskDerate > 0 && c.LongTaskDerate <= 1) {
		c.LongTaskDerate = def.LongTaskDerate
	}
	if c.MaxStep <= 0 {
		c.MaxStep = def.MaxStep
	}
	if c.Floor <= 0 {
		c.Floor = def.Floor
	}
	if c.PreloadBuffer < 0 {
		c.PreloadBuffer = 0
	}
	if c.TotalBuffer < 0 {
		c.TotalBuffer = 0
	}
	if !(c.LoadingFraction > 0 && c.LoadingFraction <= 1) {
		c.LoadingFraction = def.LoadingFraction
	}
	if c.LoadingFloor <= 0 {
		c.LoadingFloor = def.LoadingFloor
	}
	if c.LoadingCeiling < c.LoadingFloor {
		c.LoadingCeiling = max(c.LoadingFloor, def.LoadingCeiling)
	}
	return c
}

// Limits is the governor's capacity state.
type Limits struct {
	MaxLoaded            int `json:"maxLoaded"`
	MaxConcurrentLoading int `json:"maxConcurrentLoading"`
	// BudgetCap is the memory-budget cap after hysteresis, kept so the next
	// derivation can tell growth from shrinkage.
	BudgetCap int `json:"budgetCap"`
}

// Inputs is everything one derivation looks at.
type Inputs struct {
	CurrentMB float64
	TotalMB   float64
	Pressure  float64

	LongTasksSustained bool

	// ExternalMaxPlaying raises the floor to ExternalMaxPlaying+PreloadBuffer
	// when > 0.
	ExternalMaxPlaying int
	TotalCandidates    int
}

// BaseCap picks the device tier for totalMB. An unknown total uses the
// smallest tier.
func BaseCap(totalMB float64, cfg Config) int {
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		return cfg.Floor
	}
	if totalMB > 0 && !math.IsInf(totalMB, 0) {
		for _, t := range tiers {
			if totalMB >= t.MinDeviceMB {
				return t.BaseCap
			}
		}
	}
	return tiers[len(tiers)-1].BaseCap
}

// BudgetCap computes how many items fit in the memory budget. Growing past
// prev requires GrowHeadroomMB spare; shrinking below prev happens as soon
// as ShrinkHeadroomMB is no longer spare. Between the two prev is kept. A
// prev of zero means no previous value.
func BudgetCap(prev int, currentMB, totalMB float64, cfg Config) int {
	budget := cfg.HardCapMB
	if totalMB > 0 {
		budget = math.Min(totalMB*cfg.SafeFraction, cfg.HardCapMB)
	}
	avail := budget - currentMB
	grow := capFor(avail-cfg.GrowHeadroomMB, cfg.PerItemCostMB)
	shrink := capFor(avail-cfg.ShrinkHeadroomMB, cfg.PerItemCostMB)
	switch {
	case prev <= 0:
		return shrink
	case grow > prev:
		return grow
	case shrink < prev:
		return shrink
	default:
		return prev
	}
}

func capFor(mb, perItem float64) int {
	if math.IsNaN(mb) || mb <= 0 {
		return 0
	}
	return int(math.Floor(mb / perItem))
}

// Derate returns the multiplier in [DerateFloor, 1] applied for memory
// pressure and sustained long tasks.
func Derate(pressure float64, longTasks bool, cfg Config) float64 {
	d := 1.0
	if pressure > cfg.PressureDerateStart {
		span := 1 - cfg.PressureDerateStart
		over := math.Min(1, (pressure-cfg.PressureDerateStart)/span)
		d = 1 - over*(1-cfg.DerateFloor)
	}
	if longTasks {
		d *= cfg.LongTaskDerate
	}
	return math.Max(cfg.DerateFloor, d)
}

// Next derives the limits for in from prev. Telemetry-driven movement of
// MaxLoaded is limited to MaxStep; the candidate ceiling and the floors apply
// at once, and the floors win over the ceiling.
func Next(prev Limits, in Inputs, cfg Config) Limits {
	if math.IsNaN(in.Pressure) {
		in.Pressure = 1
	}
	if math.IsNaN(in.CurrentMB) || in.CurrentMB < 0 {
		in.CurrentMB = 0
	}
	base := BaseCap(in.TotalMB, cfg)
	budget := BudgetCap(prev.BudgetCap, in.CurrentMB, in.TotalMB, cfg)
	d := Derate(in.Pressure, in.LongTasksSustained, cfg)

	target := int(math.Floor(float64(min(base, budget)) * d))
	if prev.MaxLoaded > 0 {
		target = max(prev.MaxLoaded-cfg.MaxStep, min(prev.MaxLoaded+cfg.MaxStep, target))
	}
	target = min(target, max(0, in.TotalCandidates)+cfg.TotalBuffer)
	floor := cfg.Floor
	if in.ExternalMaxPlaying > 0 {
		floor = max(floor, in.ExternalMaxPlaying+cfg.PreloadBuffer)
	}
	target = max(target, floor)

	loading := int(math.Floor(float64(target) * cfg.LoadingFraction * d))
	loading = max(cfg.LoadingFloor, min(cfg.LoadingCeiling, loading))
	loading = max(1, min(loading, target))

	return Limits{MaxLoaded: target, MaxConcurrentLoading: loading, BudgetCap: budget}
}
