package capacity

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/logger"
)

// Planner keeps the current limits between recomputations. It must only be
// used from the scheduler's thread.
type Planner struct {
	cfg    Config
	log    logger.Logger
	limits Limits
	last   Inputs
}

// NewPlanner seeds the planner with the floor so admission works before the
// first telemetry tick.
func NewPlanner(cfg Config, log logger.Logger) *Planner {
	cfg = cfg.Normalized()
	loading := max(1, min(cfg.LoadingCeiling, cfg.LoadingFloor))
	return &Planner{
		cfg:    cfg,
		log:    log,
		limits: Limits{MaxLoaded: cfg.Floor, MaxConcurrentLoading: loading},
	}
}

// Config returns the normalized configuration.
func (p *Planner) Config() Config { return p.cfg }

// Limits returns the current limits.
func (p *Planner) Limits() Limits { return p.limits }

// Inputs returns the inputs of the last recomputation.
func (p *Planner) Inputs() Inputs { return p.last }

// Update recomputes the limits and reports whether they changed.
func (p *Planner) Update(in Inputs) (Limits, bool) {
	next := Next(p.limits, in, p.cfg)
	p.last = in
	changed := next.MaxLoaded != p.limits.MaxLoaded || next.MaxConcurrentLoading != p.limits.MaxConcurrentLoading
	if changed {
		p.log.Info("capacity limits changed",
			zap.Int("maxLoaded", next.MaxLoaded),
			zap.Int("previousMaxLoaded", p.limits.MaxLoaded),
			zap.Int("maxConcurrentLoading", next.MaxConcurrentLoading),
			zap.Int("budgetCap", next.BudgetCap),
			zap.Float64("pressure", in.Pressure),
			zap.String("current", humanize.IBytes(uint64(max(0, in.CurrentMB)*1024*1024))),
			zap.Bool("longTasks", in.LongTasksSustained))
	}
	p.limits = next
	return next, changed
}
