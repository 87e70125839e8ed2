package capacity

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// LongTaskConfig defines when long tasks count as sustained: Count tasks of
// at least Threshold within Window.
type LongTaskConfig struct {
	Threshold time.Duration `json:"threshold"`
	Window    time.Duration `json:"window"`
	Count     int           `json:"count"`
}

// DefaultLongTaskConfig treats three 50ms+ tasks in ten seconds as sustained.
func DefaultLongTaskConfig() LongTaskConfig {
	return LongTaskConfig{Threshold: 50 * time.Millisecond, Window: 10 * time.Second, Count: 3}
}

const longTaskCategory = "long-task"

// LongTaskMonitor tracks long tasks on the interactive thread with a sliding
// window limiter. Long tasks are sustained while the limiter is saturated.
type LongTaskMonitor struct {
	cfg     LongTaskConfig
	limiter *catrate.Limiter
	now     func() time.Time

	mu    sync.Mutex
	until time.Time
}

// NewLongTaskMonitor creates a monitor; zero fields use the defaults.
func NewLongTaskMonitor(cfg LongTaskConfig) *LongTaskMonitor {
	def := DefaultLongTaskConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	return &LongTaskMonitor{
		cfg:     cfg,
		limiter: catrate.NewLimiter(map[time.Duration]int{cfg.Window: cfg.Count}),
		now:     time.Now,
	}
}

// Record registers a task of duration d and reports whether long tasks are
// now sustained. Tasks shorter than the threshold are ignored.
func (m *LongTaskMonitor) Record(d time.Duration) bool {
	if d >= m.cfg.Threshold {
		if next, _ := m.limiter.Allow(longTaskCategory); !next.IsZero() {
			m.mu.Lock()
			if next.After(m.until) {
				m.until = next
			}
			m.mu.Unlock()
		}
	}
	return m.Sustained()
}

// Sustained reports whether the long-task window is currently saturated.
func (m *LongTaskMonitor) Sustained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.until)
}

// Threshold returns the minimum duration counted as a long task.
func (m *LongTaskMonitor) Threshold() time.Duration { return m.cfg.Threshold }
