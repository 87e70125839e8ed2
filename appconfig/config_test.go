package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/lowkey-grid/governor"
	"github.com/stevecastle/lowkey-grid/platform"
)

func TestDefault(t *testing.T) {
	t.Setenv(platform.HomeEnv, t.TempDir())
	c := Default()

	assert.Equal(t, "127.0.0.1:8090", c.Server.Addr)
	assert.Equal(t, filepath.Join(platform.GetDataDir(), "media.db"), c.DBPath)
	assert.Empty(t, c.JWTSecret)
	require.NotNil(t, c.Reveal.PauseWhileScrolling)
	assert.True(t, *c.Reveal.PauseWhileScrolling)
	assert.Equal(t, 750, c.CleanupCooldownMs)
	assert.NoError(t, c.Validate())
}

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(platform.HomeEnv, dir)

	c, path, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.json"), path)
	assert.Len(t, c.JWTSecret, 64)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, c.JWTSecret, onDisk.JWTSecret)
	assert.Equal(t, c.Capacity, onDisk.Capacity)

	again, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.JWTSecret, again.JWTSecret, "secret is stable across loads")
}

func TestLoadFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(platform.HomeEnv, dir)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9000"},
		"play": {"maxPlaying": 3},
		"reveal": {"pauseWhileScrolling": false},
		"pluginSettings": {"keep": true}
	}`), 0o600))

	c, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, 3, c.Play.MaxPlaying)
	assert.False(t, *c.Reveal.PauseWhileScrolling)
	assert.Equal(t, Default().Layout.TileWidths, c.Layout.TileWidths)
	assert.NotEmpty(t, c.JWTSecret)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "pluginSettings", "unknown keys survive a save")
	assert.Contains(t, raw, "capacity")
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, _, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	require.NoError(t, os.WriteFile(path, []byte(`{"log": {"level": "loud"}}`), 0o600))
	_, _, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	t.Setenv(platform.HomeEnv, t.TempDir())
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"auth without secret", func(c *Config) { c.Server.AuthEnabled = true }},
		{"safe fraction", func(c *Config) { c.Capacity.SafeFraction = 1.5 }},
		{"far headroom", func(c *Config) { c.Admission.FarHeadroomFraction = -0.1 }},
		{"max playing", func(c *Config) { c.Play.MaxPlaying = 0 }},
		{"tile width", func(c *Config) { c.Layout.TileWidths = []float64{100, 0} }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"alpha", func(c *Config) { c.Telemetry.Alpha = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestGovernorConfig(t *testing.T) {
	t.Setenv(platform.HomeEnv, t.TempDir())
	c := Default()
	c.Reveal.IntervalMs = 250
	c.Play.MaxPlaying = 2
	c.Tracker.Margin = 900
	c.CleanupCooldownMs = 100

	g := c.GovernorConfig()
	assert.Equal(t, 250*time.Millisecond, g.Reveal.Interval)
	assert.Equal(t, 2, g.Play.MaxPlaying)
	assert.Equal(t, 900.0, g.Tracker.Margin)
	assert.Equal(t, 100*time.Millisecond, g.CleanupCooldown)

	def := governor.DefaultConfig()
	assert.Equal(t, def.Capacity, Default().GovernorConfig().Capacity)
	assert.Equal(t, def.LongTasks, Default().GovernorConfig().LongTasks)
	assert.Equal(t, def.Reveal, Default().GovernorConfig().Reveal)

	assert.Equal(t, governor.DefaultGallery, g.Gallery)
	assert.Equal(t, 2*time.Second, c.TelemetrySampler().Interval)
	assert.True(t, c.TelemetryProcesses().Empty())
	assert.Equal(t, 2*time.Second, c.HintsStore().FlushDelay)
}

func TestLoadGalleryAndProcesses(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(platform.HomeEnv, dir)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gallery": "wall",
		"telemetry": {"processNames": ["ffmpeg", "chrome"], "includeChildren": true}
	}`), 0o600))

	c, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wall", c.GovernorConfig().Gallery)
	procs := c.TelemetryProcesses()
	assert.Equal(t, []string{"ffmpeg", "chrome"}, procs.Names)
	assert.True(t, procs.Children)
	assert.False(t, procs.Empty())
	assert.Equal(t, Default().Telemetry.IntervalMs, c.Telemetry.IntervalMs)
}

func TestDeepMergeJSON(t *testing.T) {
	dst := map[string]json.RawMessage{
		"a":      json.RawMessage(`1`),
		"nested": json.RawMessage(`{"x": 1, "y": 2}`),
	}
	src := map[string]json.RawMessage{
		"b":      json.RawMessage(`2`),
		"nested": json.RawMessage(`{"y": 3}`),
	}
	deepMergeJSON(dst, src)

	var nested map[string]int
	require.NoError(t, json.Unmarshal(dst["nested"], &nested))
	assert.Equal(t, map[string]int{"x": 1, "y": 3}, nested)
	assert.JSONEq(t, `2`, string(dst["b"]))
	assert.JSONEq(t, `1`, string(dst["a"]))
}

func TestIsJSONObject(t *testing.T) {
	assert.True(t, isJSONObject([]byte(`  {"a":1}`)))
	assert.False(t, isJSONObject([]byte(`[1]`)))
	assert.False(t, isJSONObject(nil))
}
