package config

import (
	"fmt"
	"strings"
	"time"
)

// ExhaustionPolicy decides what a region shows when every capture attempt was poisoned
type ExhaustionPolicy string

const (
	// ExhaustionSkip leaves the previously composited content in place
	ExhaustionSkip ExhaustionPolicy = "skip"
	// ExhaustionAcceptStale forwards the last captured buffer regardless of poisoning
	ExhaustionAcceptStale ExhaustionPolicy = "accept-stale"
)

// ColorSpace selects the pixel format family shared by every texture and the render target
type ColorSpace string

const (
	ColorSpaceSRGB   ColorSpace = "srgb"
	ColorSpaceLinear ColorSpace = "linear"
)

// CaptureMethod selects the capture backend
type CaptureMethod string

const (
	CaptureMethodAuto   CaptureMethod = "auto"
	CaptureMethodNative CaptureMethod = "native"
	CaptureMethodScreen CaptureMethod = "screen"
)

// Surface names
const (
	SurfaceMJPEG = "mjpeg"
	SurfaceX11   = "x11"
	SurfaceWin32 = "win32"
)

// Target is one tracked window, stacked in config order
type Target struct {
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title" yaml:"title"`
}

// ValidationConfig controls poison detection retries
type ValidationConfig struct {
	MaxAttempts int              `json:"max_attempts" yaml:"max_attempts"`
	Exhaustion  ExhaustionPolicy `json:"exhaustion" yaml:"exhaustion"`
	RetryYield  time.Duration    `json:"retry_yield" yaml:"retry_yield"`
	SingleShot  bool             `json:"single_shot" yaml:"single_shot"`
}

// LocateConfig controls the backoff used while target windows are missing
type LocateConfig struct {
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
}

// CaptureConfig selects the capture backend and worker model
type CaptureConfig struct {
	Method     CaptureMethod `json:"method" yaml:"method"`
	Parallel   bool          `json:"parallel" yaml:"parallel"`
	MaxWorkers int           `json:"max_workers" yaml:"max_workers"`
}

// DeviceConfig controls texture upload and device recreation
type DeviceConfig struct {
	ColorSpace    ColorSpace `json:"color_space" yaml:"color_space"`
	RecreateAfter int        `json:"recreate_after" yaml:"recreate_after"`
}

// Padding is added around the stacked regions
type Padding struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// PresentConfig describes the presentation surface
type PresentConfig struct {
	Surface          string  `json:"surface" yaml:"surface"`
	SyncInterval     int     `json:"sync_interval" yaml:"sync_interval"`
	RefreshHz        int     `json:"refresh_hz" yaml:"refresh_hz"`
	Padding          Padding `json:"padding" yaml:"padding"`
	JPEGQuality      int     `json:"jpeg_quality" yaml:"jpeg_quality"`
	MaxEventsPerTick int     `json:"max_events_per_tick" yaml:"max_events_per_tick"`
	WindowTitle      string  `json:"window_title" yaml:"window_title"`
	// Labels draws region names and dispositions onto streamed frames only
	Labels           bool    `json:"labels" yaml:"labels"`
}

// ServerConfig controls the HTTP API and stream
type ServerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// Config represents the application configuration
type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogPretty  bool             `json:"log_pretty" yaml:"log_pretty"`
	Targets    []Target         `json:"targets" yaml:"targets"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Locate     LocateConfig     `json:"locate" yaml:"locate"`
	Capture    CaptureConfig    `json:"capture" yaml:"capture"`
	Device     DeviceConfig     `json:"device" yaml:"device"`
	Present    PresentConfig    `json:"present" yaml:"present"`
	Server     ServerConfig     `json:"server" yaml:"server"`
}

// Default markers of the karaoke client's lyric and score windows
const (
	DefaultLyricsTitle = "CLyricRenderWnd"
	DefaultScoreTitle  = "CScoreRenderWnd"
)

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogPretty: true,
		Targets: []Target{
			{Name: "lyrics", Title: DefaultLyricsTitle},
			{Name: "score", Title: DefaultScoreTitle},
		},
		Validation: ValidationConfig{
			MaxAttempts: 8,
			Exhaustion:  ExhaustionSkip,
			RetryYield:  2 * time.Millisecond,
		},
		Locate: LocateConfig{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			MaxAttempts:    30,
		},
		Capture: CaptureConfig{
			Method:     CaptureMethodAuto,
			MaxWorkers: 4,
		},
		Device: DeviceConfig{
			ColorSpace:    ColorSpaceSRGB,
			RecreateAfter: 3,
		},
		Present: PresentConfig{
			Surface:          SurfaceMJPEG,
			SyncInterval:     1,
			RefreshHz:        60,
			JPEGQuality:      90,
			MaxEventsPerTick: 64,
			WindowTitle:      "KG Capture",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// normalize fills zero values from defaults so partial files stay usable
func (c *Config) normalize() {
	d := Defaults()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Targets == nil {
		c.Targets = d.Targets
	}
	if c.Validation.MaxAttempts <= 0 {
		c.Validation.MaxAttempts = d.Validation.MaxAttempts
	}
	if c.Validation.Exhaustion == "" {
		c.Validation.Exhaustion = d.Validation.Exhaustion
	}
	if c.Locate.InitialBackoff <= 0 {
		c.Locate.InitialBackoff = d.Locate.InitialBackoff
	}
	if c.Locate.MaxBackoff <= 0 {
		c.Locate.MaxBackoff = d.Locate.MaxBackoff
	}
	if c.Locate.MaxAttempts <= 0 {
		c.Locate.MaxAttempts = d.Locate.MaxAttempts
	}
	if c.Capture.Method == "" {
		c.Capture.Method = d.Capture.Method
	}
	if c.Capture.MaxWorkers <= 0 {
		c.Capture.MaxWorkers = d.Capture.MaxWorkers
	}
	if c.Device.ColorSpace == "" {
		c.Device.ColorSpace = d.Device.ColorSpace
	}
	if c.Device.RecreateAfter <= 0 {
		c.Device.RecreateAfter = d.Device.RecreateAfter
	}
	if c.Present.Surface == "" {
		c.Present.Surface = d.Present.Surface
	}
	if c.Present.RefreshHz <= 0 {
		c.Present.RefreshHz = d.Present.RefreshHz
	}
	if c.Present.JPEGQuality <= 0 || c.Present.JPEGQuality > 100 {
		c.Present.JPEGQuality = d.Present.JPEGQuality
	}
	if c.Present.MaxEventsPerTick <= 0 {
		c.Present.MaxEventsPerTick = d.Present.MaxEventsPerTick
	}
	if c.Present.WindowTitle == "" {
		c.Present.WindowTitle = d.Present.WindowTitle
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
}

// Validate reports settings the pipeline cannot run with
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("target %d has an empty title", i)
		}
		if t.Name == "" {
			return fmt.Errorf("target %d has an empty name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
	}
	switch c.Validation.Exhaustion {
	case ExhaustionSkip, ExhaustionAcceptStale:
	default:
		return fmt.Errorf("unknown exhaustion policy %q (use %q or %q)",
			c.Validation.Exhaustion, ExhaustionSkip, ExhaustionAcceptStale)
	}
	switch c.Device.ColorSpace {
	case ColorSpaceSRGB, ColorSpaceLinear:
	default:
		return fmt.Errorf("unknown color space %q", c.Device.ColorSpace)
	}
	switch c.Capture.Method {
	case CaptureMethodAuto, CaptureMethodNative, CaptureMethodScreen:
	default:
		return fmt.Errorf("unknown capture method %q", c.Capture.Method)
	}
	switch c.Present.Surface {
	case SurfaceMJPEG, SurfaceX11, SurfaceWin32:
	default:
		return fmt.Errorf("unknown surface %q", c.Present.Surface)
	}
	if c.Present.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must be >= 0")
	}
	if c.Present.Padding.Width < 0 || c.Present.Padding.Height < 0 {
		return fmt.Errorf("padding must be >= 0")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	cp := *c
	cp.Targets = append([]Target(nil), c.Targets...)
	return &cp
}
