// Package telemetry samples process and system memory and smooths the
// resulting pressure ratio.
package telemetry

import (
	"context"
	"errors"
	"math"
	"runtime"
	"time"

	"github.com/pbnjay/memory"
)

var (
	// ErrUnavailable is returned by sources that cannot read host memory on
	// this platform.
	ErrUnavailable = errors.New("telemetry: host memory unavailable")
)

const mb = 1024 * 1024

// DefaultAlpha is the EWMA weight given to the newest reading.
const DefaultAlpha = 0.3

// Reading is one raw memory measurement in megabytes.
type Reading struct {
	ProcessWorkingSetMB float64 `json:"processWorkingSetMB"`
	SystemTotalMB       float64 `json:"systemTotalMB"`
	// Fallback is set when the reading came from the in-process heap
	// estimate instead of host telemetry.
	Fallback bool `json:"fallback"`
}

// Source reads memory on demand.
type Source interface {
	Read(ctx context.Context) (Reading, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Reading, error)

func (f SourceFunc) Read(ctx context.Context) (Reading, error) { return f(ctx) }

// Sample is the smoothed telemetry state handed to the capacity planner.
type Sample struct {
	CurrentMB float64   `json:"currentMB"`
	TotalMB   float64   `json:"totalMB"`
	Pressure  float64   `json:"pressure"`
	Fallback  bool      `json:"fallback"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

// Smooth folds a reading into prev with an exponentially weighted moving
// average of current/total. The first reading seeds the average. A reading
// without a usable total keeps the previous pressure.
func Smooth(prev Sample, r Reading, alpha float64, at time.Time) Sample {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultAlpha
	}
	next := Sample{
		CurrentMB: finiteOr(r.ProcessWorkingSetMB, prev.CurrentMB),
		TotalMB:   positiveOr(r.SystemTotalMB, prev.TotalMB),
		Pressure:  prev.Pressure,
		Fallback:  r.Fallback,
		Count:     prev.Count + 1,
		At:        at,
	}
	if !(r.SystemTotalMB > 0) || math.IsInf(r.SystemTotalMB, 0) || next.TotalMB <= 0 || next.CurrentMB < 0 {
		return next
	}
	raw := clamp01(next.CurrentMB / next.TotalMB)
	if prev.Count == 0 {
		next.Pressure = raw
	} else {
		next.Pressure = clamp01(alpha*raw + (1-alpha)*prev.Pressure)
	}
	return next
}

// HeapEstimate reports this process's runtime footprint against the machine
// total. It is the fallback when host telemetry fails.
func HeapEstimate() Reading {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Reading{
		ProcessWorkingSetMB: float64(m.Sys) / mb,
		SystemTotalMB:       float64(memory.TotalMemory()) / mb,
		Fallback:            true,
	}
}

func finiteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// positiveOr returns v when it is a usable total, def otherwise.
func positiveOr(v, def float64) float64 {
	if v > 0 && !math.IsInf(v, 0) {
		return v
	}
	return def
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
