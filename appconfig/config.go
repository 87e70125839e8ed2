// Package appconfig loads and saves the daemon's JSON configuration file.
package appconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/stevecastle/lowkey-grid/auth"
	"github.com/stevecastle/lowkey-grid/capacity"
	"github.com/stevecastle/lowkey-grid/governor"
	"github.com/stevecastle/lowkey-grid/hints"
	"github.com/stevecastle/lowkey-grid/layout"
	"github.com/stevecastle/lowkey-grid/platform"
	"github.com/stevecastle/lowkey-grid/play"
	"github.com/stevecastle/lowkey-grid/reveal"
	"github.com/stevecastle/lowkey-grid/telemetry"
	"github.com/stevecastle/lowkey-grid/tracker"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the on-disk configuration. Durations are stored in
// milliseconds.
type Config struct {
	DBPath      string `json:"dbPath"`
	HintsDBPath string `json:"hintsDbPath"`
	JWTSecret   string `json:"jwtSecret"`
	// Gallery names this instance in metrics.
	Gallery     string `json:"gallery"`

	Server ServerConfig `json:"server"`
	Log    LogConfig    `json:"log"`

	Reveal    RevealConfig             `json:"reveal"`
	Telemetry TelemetryConfig          `json:"telemetry"`
	Capacity  capacity.Config          `json:"capacity"`
	LongTasks LongTaskConfig           `json:"longTasks"`
	Admission governor.AdmissionConfig `json:"admission"`
	Play      PlayConfig               `json:"play"`
	Layout    LayoutConfig             `json:"layout"`
	Tracker   TrackerConfig            `json:"tracker"`
	Hints     HintsConfig              `json:"hints"`

	CleanupCooldownMs int `json:"cleanupCooldownMs"`
}

type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"corsOrigins"`
	AuthEnabled bool     `json:"authEnabled"`
}

type LogConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

type RevealConfig struct {
	Initial             int   `json:"initial"`
	BatchSize           int   `json:"batchSize"`
	IntervalMs          int   `json:"intervalMs"`
	PauseWhileScrolling *bool `json:"pauseWhileScrolling"`
	ScrollIdleMs        int   `json:"scrollIdleMs"`
}

type TelemetryConfig struct {
	IntervalMs int     `json:"intervalMs"`
	TimeoutMs  int     `json:"timeoutMs"`
	Alpha      float64 `json:"alpha"`

	// ProcessNames adds processes with these command names to the
	// measured footprint.
	ProcessNames []string `json:"processNames"`

	// IncludeChildren adds the daemon's descendants.
	IncludeChildren bool `json:"includeChildren"`
}

type LongTaskConfig struct {
	ThresholdMs int `json:"thresholdMs"`
	WindowMs    int `json:"windowMs"`
	Count       int `json:"count"`
}

type PlayConfig struct {
	MaxPlaying       int     `json:"maxPlaying"`
	OverrunTolerance float64 `json:"overrunTolerance"`
}

type LayoutConfig struct {
	TileWidths       []float64 `json:"tileWidths"`
	Gap              float64   `json:"gap"`
	ChunkSize        int       `json:"chunkSize"`
	DefaultAspect    float64   `json:"defaultAspect"`
	ResizeDebounceMs int       `json:"resizeDebounceMs"`
	ScrollSettleMs   int       `json:"scrollSettleMs"`
}

type TrackerConfig struct {
	Margin     float64 `json:"margin"`
	RootMargin float64 `json:"rootMargin"`
}

type HintsConfig struct {
	MaxEntries   int `json:"maxEntries"`
	FlushDelayMs int `json:"flushDelayMs"`
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// DefaultPath returns the config file location in the data directory.
func DefaultPath() string {
	return platform.JoinData("config.json")
}

// Default returns a Config populated from each package's defaults. The
// JWT secret is left empty; Load generates one.
func Default() Config {
	rv := reveal.DefaultConfig()
	tm := telemetry.DefaultConfig()
	lt := capacity.DefaultLongTaskConfig()
	lay := layout.DefaultConfig()
	tr := tracker.DefaultConfig()
	hc := hints.DefaultConfig()
	gov := governor.DefaultConfig()
	pause := rv.PauseWhileScrolling

	return Config{
		DBPath:      platform.JoinData("media.db"),
		HintsDBPath: platform.JoinData("hints.db"),
		Gallery:     gov.Gallery,
		Server:      ServerConfig{Addr: "127.0.0.1:8090"},
		Log:         LogConfig{Format: "json", Level: "info"},
		Reveal: RevealConfig{
			Initial:             rv.Initial,
			BatchSize:           rv.BatchSize,
			IntervalMs:          ms(rv.Interval),
			PauseWhileScrolling: &pause,
			ScrollIdleMs:        ms(rv.ScrollIdle),
		},
		Telemetry: TelemetryConfig{IntervalMs: ms(tm.Interval), TimeoutMs: ms(tm.Timeout), Alpha: tm.Alpha},
		Capacity:  capacity.DefaultConfig(),
		LongTasks: LongTaskConfig{ThresholdMs: ms(lt.Threshold), WindowMs: ms(lt.Window), Count: lt.Count},
		Admission: governor.DefaultAdmissionConfig(),
		Play:      PlayConfig{MaxPlaying: gov.Play.MaxPlaying, OverrunTolerance: gov.Play.OverrunTolerance},
		Layout: LayoutConfig{
			TileWidths:       lay.TileWidths,
			Gap:              lay.Gap,
			ChunkSize:        lay.ChunkSize,
			DefaultAspect:    lay.DefaultAspect,
			ResizeDebounceMs: ms(lay.ResizeDebounce),
			ScrollSettleMs:   ms(lay.ScrollSettle),
		},
		Tracker:           TrackerConfig{Margin: tr.Margin, RootMargin: tr.RootMargin},
		Hints:             HintsConfig{MaxEntries: hc.MaxEntries, FlushDelayMs: ms(hc.FlushDelay)},
		CleanupCooldownMs: ms(gov.CleanupCooldown),
	}
}

// fillDefaults replaces zero values with the defaults and reports whether
// anything changed.
func fillDefaults(c *Config) bool {
	def := Default()
	changed := false
	str := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
			changed = true
		}
	}
	num := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
			changed = true
		}
	}
	flt := func(dst *float64, v float64) {
		if *dst == 0 {
			*dst = v
			changed = true
		}
	}

	str(&c.DBPath, def.DBPath)
	str(&c.HintsDBPath, def.HintsDBPath)
	str(&c.Server.Addr, def.Server.Addr)
	str(&c.Log.Format, def.Log.Format)
	str(&c.Log.Level, def.Log.Level)

	num(&c.Reveal.Initial, def.Reveal.Initial)
	num(&c.Reveal.BatchSize, def.Reveal.BatchSize)
	num(&c.Reveal.IntervalMs, def.Reveal.IntervalMs)
	num(&c.Reveal.ScrollIdleMs, def.Reveal.ScrollIdleMs)
	if c.Reveal.PauseWhileScrolling == nil {
		c.Reveal.PauseWhileScrolling = def.Reveal.PauseWhileScrolling
		changed = true
	}

	str(&c.Gallery, def.Gallery)
	num(&c.Telemetry.IntervalMs, def.Telemetry.IntervalMs)
	num(&c.Telemetry.TimeoutMs, def.Telemetry.TimeoutMs)
	flt(&c.Telemetry.Alpha, def.Telemetry.Alpha)

	if len(c.Capacity.Tiers) == 0 {
		changed = true
	}
	c.Capacity = c.Capacity.Normalized()

	num(&c.LongTasks.ThresholdMs, def.LongTasks.ThresholdMs)
	num(&c.LongTasks.WindowMs, def.LongTasks.WindowMs)
	num(&c.LongTasks.Count, def.LongTasks.Count)

	flt(&c.Admission.VisibleOverflowFraction, def.Admission.VisibleOverflowFraction)
	num(&c.Admission.VisibleOverflowMin, def.Admission.VisibleOverflowMin)
	flt(&c.Admission.FarHeadroomFraction, def.Admission.FarHeadroomFraction)

	num(&c.Play.MaxPlaying, def.Play.MaxPlaying)
	flt(&c.Play.OverrunTolerance, def.Play.OverrunTolerance)

	if len(c.Layout.TileWidths) == 0 {
		c.Layout.TileWidths = def.Layout.TileWidths
		changed = true
	}
	flt(&c.Layout.Gap, def.Layout.Gap)
	num(&c.Layout.ChunkSize, def.Layout.ChunkSize)
	flt(&c.Layout.DefaultAspect, def.Layout.DefaultAspect)
	num(&c.Layout.ResizeDebounceMs, def.Layout.ResizeDebounceMs)
	num(&c.Layout.ScrollSettleMs, def.Layout.ScrollSettleMs)

	flt(&c.Tracker.Margin, def.Tracker.Margin)
	flt(&c.Tracker.RootMargin, def.Tracker.RootMargin)

	num(&c.Hints.MaxEntries, def.Hints.MaxEntries)
	num(&c.Hints.FlushDelayMs, def.Hints.FlushDelayMs)

	num(&c.CleanupCooldownMs, def.CleanupCooldownMs)
	return changed
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("%w: dbPath is empty", ErrInvalidConfig)
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr is empty", ErrInvalidConfig)
	case c.Server.AuthEnabled && c.JWTSecret == "":
		return fmt.Errorf("%w: server.authEnabled requires jwtSecret", ErrInvalidConfig)
	case c.Capacity.SafeFraction <= 0 || c.Capacity.SafeFraction > 1:
		return fmt.Errorf("%w: capacity.safeFraction %v outside (0, 1]", ErrInvalidConfig, c.Capacity.SafeFraction)
	case c.Admission.FarHeadroomFraction < 0 || c.Admission.FarHeadroomFraction > 1:
		return fmt.Errorf("%w: admission.farHeadroomFraction %v outside [0, 1]", ErrInvalidConfig, c.Admission.FarHeadroomFraction)
	case c.Play.MaxPlaying < 1:
		return fmt.Errorf("%w: play.maxPlaying must be at least 1", ErrInvalidConfig)
	case c.Telemetry.Alpha < 0 || c.Telemetry.Alpha > 1:
		return fmt.Errorf("%w: telemetry.alpha %v outside [0, 1]", ErrInvalidConfig, c.Telemetry.Alpha)
	}
	for _, w := range c.Layout.TileWidths {
		if w <= 0 {
			return fmt.Errorf("%w: layout.tileWidths contains %v", ErrInvalidConfig, w)
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	switch c.Log.Level {
	case "none", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// GovernorConfig converts the file settings into a governor.Config.
func (c Config) GovernorConfig() governor.Config {
	g := governor.DefaultConfig()
	g.Reveal = reveal.Config{
		Initial:             c.Reveal.Initial,
		BatchSize:           c.Reveal.BatchSize,
		Interval:            dur(c.Reveal.IntervalMs),
		PauseWhileScrolling: c.Reveal.PauseWhileScrolling == nil || *c.Reveal.PauseWhileScrolling,
		ScrollIdle:          dur(c.Reveal.ScrollIdleMs),
		LongTaskWindow:      g.Reveal.LongTaskWindow,
		LongTaskStretch:     g.Reveal.LongTaskStretch,
	}
	g.Tracker = tracker.Config{Margin: c.Tracker.Margin, RootMargin: c.Tracker.RootMargin}
	g.Layout.TileWidths = c.Layout.TileWidths
	g.Layout.Gap = c.Layout.Gap
	g.Layout.ChunkSize = c.Layout.ChunkSize
	g.Layout.DefaultAspect = c.Layout.DefaultAspect
	g.Layout.ResizeDebounce = dur(c.Layout.ResizeDebounceMs)
	g.Layout.ScrollSettle = dur(c.Layout.ScrollSettleMs)
	g.Capacity = c.Capacity
	g.LongTasks = capacity.LongTaskConfig{
		Threshold: dur(c.LongTasks.ThresholdMs),
		Window:    dur(c.LongTasks.WindowMs),
		Count:     c.LongTasks.Count,
	}
	g.Admission = c.Admission
	g.Play = play.Config{MaxPlaying: c.Play.MaxPlaying, OverrunTolerance: c.Play.OverrunTolerance}
	g.CleanupCooldown = dur(c.CleanupCooldownMs)
	g.Gallery = c.Gallery
	return g
}

// TelemetrySampler converts the sampler settings.
func (c Config) TelemetrySampler() telemetry.Config {
	return telemetry.Config{
		Interval: dur(c.Telemetry.IntervalMs),
		Timeout:  dur(c.Telemetry.TimeoutMs),
		Alpha:    c.Telemetry.Alpha,
	}
}

// TelemetryProcesses selects the processes the sampler measures.
func (c Config) TelemetryProcesses() telemetry.ProcessFilter {
	return telemetry.ProcessFilter{
		Names:    slices.Clone(c.Telemetry.ProcessNames),
		Children: c.Telemetry.IncludeChildren,
	}
}

// HintsStore converts the aspect hint settings.
func (c Config) HintsStore() hints.Config {
	h := hints.DefaultConfig()
	h.MaxEntries = c.Hints.MaxEntries
	h.FlushDelay = dur(c.Hints.FlushDelayMs)
	return h
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj, srcObj map[string]json.RawMessage
			if json.Unmarshal(existing, &dstObj) != nil || json.Unmarshal(v, &srcObj) != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// Load reads the config at path, or DefaultPath when path is empty. A
// missing file is created from the defaults. Missing fields are filled in
// and written back, so the file always lists every setting.
func Load(path string) (Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create config directory: %w", err)
	}

	var c Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return Config{}, path, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	needsSave := fillDefaults(&c) || err != nil
	if c.JWTSecret == "" {
		c.JWTSecret = auth.NewSecret()
		needsSave = true
	}
	if err := c.Validate(); err != nil {
		return Config{}, path, err
	}
	for _, db := range []string{c.DBPath, c.HintsDBPath} {
		if err := os.MkdirAll(filepath.Dir(db), 0o755); err != nil {
			return Config{}, path, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if needsSave {
		if err := Save(path, c); err != nil {
			return Config{}, path, err
		}
	}
	return c, path, nil
}

// Save writes c to path. Keys already in the file that Config does not
// know about are preserved.
func Save(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(path); err == nil {
		var tmp map[string]json.RawMessage
		if json.Unmarshal(existing, &tmp) == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return fmt.Errorf("failed to map config JSON: %w", err)
	}
	deepMergeJSON(base, incoming)

	merged, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, merged, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
