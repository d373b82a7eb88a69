package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	cfg := m.Get()
	assert.Equal(t, ExhaustionSkip, cfg.Validation.Exhaustion)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, DefaultLyricsTitle, cfg.Targets[0].Title)
	assert.Equal(t, 1, cfg.Present.SyncInterval)
}

func TestParseFillsDefaultsAndDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
targets:
  - name: lyrics
    title: CLyricRenderWnd
validation:
  max_attempts: 3
  exhaustion: accept-stale
  retry_yield: 5ms
locate:
  initial_backoff: 1s
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Validation.MaxAttempts)
	assert.Equal(t, ExhaustionAcceptStale, cfg.Validation.Exhaustion)
	assert.Equal(t, 5*time.Millisecond, cfg.Validation.RetryYield)
	assert.Equal(t, time.Second, cfg.Locate.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Locate.MaxBackoff)
	assert.Equal(t, ColorSpaceSRGB, cfg.Device.ColorSpace)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown policy": "validation:\n  exhaustion: flash\n",
		"empty title":    "targets:\n  - name: a\n    title: \"\"\n",
		"duplicate name": "targets:\n  - {name: a, title: x}\n  - {name: a, title: y}\n",
		"bad surface":    "present:\n  surface: d3d\n",
		"bad colorspace": "device:\n  color_space: p3\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestOverrideDoesNotPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Override(func(c *Config) { c.Server.Port = 9191 }))
	assert.Equal(t, 9191, m.Get().Server.Port)

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, reloaded.Get().Server.Port)
}

func TestOverrideSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Override(func(c *Config) { c.LogLevel = "debug" }))

	cfg := Defaults()
	cfg.Validation.MaxAttempts = 3
	require.NoError(t, writeYAML(path, cfg))
	require.NoError(t, m.Reload())

	got := m.Get()
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, 3, got.Validation.MaxAttempts)
}

func TestUpdateKeepsOverrideOutOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Override(func(c *Config) { c.Server.Port = 9191 }))

	var seen *Config
	m.OnChange(func(c *Config) { seen = c })

	cfg := Defaults()
	cfg.Validation.Exhaustion = ExhaustionAcceptStale
	require.NoError(t, m.Update(cfg))

	require.NotNil(t, seen)
	assert.Equal(t, 9191, seen.Server.Port)
	assert.Equal(t, ExhaustionAcceptStale, m.Get().Validation.Exhaustion)

	onDisk, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, onDisk.Get().Server.Port)
	assert.Equal(t, ExhaustionAcceptStale, onDisk.Get().Validation.Exhaustion)
}

func TestOverrideRejectsInvalid(t *testing.T) {
	m := NewMemoryManager(nil)
	err := m.Override(func(c *Config) { c.Validation.Exhaustion = "nope" })
	assert.Error(t, err)
	assert.Equal(t, ExhaustionSkip, m.Get().Validation.Exhaustion)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMemoryManager(nil)
	cfg := m.Get()
	cfg.Targets[0].Title = "mutated"
	assert.Equal(t, DefaultLyricsTitle, m.Get().Targets[0].Title)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	m.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Watch(ctx))

	cfg := m.Get()
	cfg.Validation.MaxAttempts = 42
	require.NoError(t, writeYAML(path, cfg))

	select {
	case c := <-changed:
		assert.Equal(t, 42, c.Validation.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func writeYAML(path string, cfg *Config) error {
	m := &Manager{configPath: path, config: cfg}
	return m.Save()
}
