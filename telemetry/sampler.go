package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/logger"
)

// Config controls sampling cadence and smoothing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Alpha    float64
}

// DefaultConfig samples every two seconds.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, Timeout: 500 * time.Millisecond, Alpha: DefaultAlpha}
}

// Sampler reads a Source periodically and keeps the smoothed Sample. Read
// failures fall back to HeapEstimate and are only logged at debug level.
type Sampler struct {
	src Source
	cfg Config
	log logger.Logger
	now func() time.Time

	mu   sync.Mutex
	last Sample
}

// NewSampler creates a sampler. A nil src uses HostSource{}.
func NewSampler(src Source, cfg Config, log logger.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if !(cfg.Alpha > 0 && cfg.Alpha <= 1) {
		cfg.Alpha = def.Alpha
	}
	if src == nil {
		src = HostSource{}
	}
	return &Sampler{src: src, cfg: cfg, log: log, now: time.Now}
}

// Last returns the most recent smoothed sample.
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Sample performs one read and folds it into the smoothed state.
func (s *Sampler) Sample(ctx context.Context) Sample {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	r, err := s.src.Read(rctx)
	cancel()
	if err != nil {
		s.log.Debug("host telemetry unavailable, using heap estimate", zap.Error(err))
		r = HeapEstimate()
	}

	s.mu.Lock()
	prev := s.last
	s.last = Smooth(prev, r, s.cfg.Alpha, s.now())
	next := s.last
	s.mu.Unlock()

	if prev.Fallback != next.Fallback || prev.Count == 0 {
		s.log.Info("memory telemetry",
			zap.String("current", humanize.IBytes(uint64(next.CurrentMB*mb))),
			zap.String("total", humanize.IBytes(uint64(next.TotalMB*mb))),
			zap.Float64("pressure", next.Pressure),
			zap.Bool("fallback", next.Fallback))
	}
	return next
}

// Run samples immediately and then on every interval, handing each sample to
// deliver, until ctx is done.
func (s *Sampler) Run(ctx context.Context, deliver func(Sample)) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		deliver(s.Sample(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
