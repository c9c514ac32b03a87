// Package config loads and validates the bridge configuration. Values
// outside their documented ranges are clamped into range rather than
// rejected; view entries missing an id or a url are dropped.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// View is a named dashboard view to render. A view is immutable for the
// lifetime of a rendering session; replacing the URL replaces the session's
// view configuration.
type View struct {
	ID      string
	URL     string
	Name    string
	Enabled bool
	BusyFPS int
}

// UnmarshalYAML decodes a view entry, defaulting enabled to true when the
// key is absent.
func (v *View) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID      string `yaml:"id"`
		URL     string `yaml:"url"`
		Name    string `yaml:"name"`
		Enabled *bool  `yaml:"enabled"`
		BusyFPS int    `yaml:"busyFps"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v.ID = raw.ID
	v.URL = raw.URL
	v.Name = raw.Name
	v.Enabled = raw.Enabled == nil || *raw.Enabled
	v.BusyFPS = raw.BusyFPS
	return nil
}

// MinCaptureInterval derives the per-view minimum capture interval from
// busyFps. A busy view may never be captured faster than this.
func (v View) MinCaptureInterval() time.Duration {
	fps := v.BusyFPS
	if fps < 1 {
		fps = 10
	}
	if fps > 20 {
		fps = 20
	}
	ms := 1000 / fps
	if ms < 50 {
		ms = 50
	}
	return time.Duration(ms) * time.Millisecond
}

// Config holds every recognised option. Durations are expressed in
// milliseconds to match the on-disk format.
type Config struct {
	ListenHost string `yaml:"listenHost"`
	ListenPort int    `yaml:"listenPort"`
	AuthToken  string `yaml:"authToken"`

	CanvasWidth  int `yaml:"canvasWidth"`
	CanvasHeight int `yaml:"canvasHeight"`

	CaptureMinIntervalMs int  `yaml:"captureMinIntervalMs"`
	CaptureMaxIntervalMs int  `yaml:"captureMaxIntervalMs"`
	AutoReloadMs         int  `yaml:"autoReloadMs"`
	CacheBustOnReload    bool `yaml:"cacheBustOnReload"`

	// DefaultView names the view served by the legacy /frame.png endpoint
	// when no viewId parameter is given. ActiveView is its older alias; it
	// applies when DefaultView is empty or does not name an enabled view.
	DefaultView string `yaml:"defaultView"`
	ActiveView  string `yaml:"activeView"`

	MaxActiveViews              int `yaml:"maxActiveViews"`
	InactiveGraceMs             int `yaml:"inactiveGraceMs"`
	ClosePageAfterInactiveMs    int `yaml:"closePageAfterInactiveMs"`
	CloseBrowserAfterInactiveMs int `yaml:"closeBrowserAfterInactiveMs"`

	// StateFile is where host adapter state keys are persisted. Empty
	// disables adapter state entirely.
	StateFile string `yaml:"stateFile"`

	Views []View `yaml:"views"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		ListenHost:                  "0.0.0.0",
		ListenPort:                  8787,
		CanvasWidth:                 384,
		CanvasHeight:                64,
		CaptureMinIntervalMs:        200,
		CaptureMaxIntervalMs:        2000,
		AutoReloadMs:                0,
		MaxActiveViews:              2,
		InactiveGraceMs:             5000,
		ClosePageAfterInactiveMs:    15000,
		CloseBrowserAfterInactiveMs: 30000,
	}
}

// Load reads a YAML config file on top of the defaults and normalises the
// result. Absent keys keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg.Normalize()
	return &cfg, nil
}

// Normalize clamps every numeric option into its documented range and drops
// view entries missing an id or url.
func (c *Config) Normalize() {
	c.ListenPort = clamp(c.ListenPort, 1, 65535, 8787)
	c.CanvasWidth = clamp(c.CanvasWidth, 1, 8192, 384)
	c.CanvasHeight = clamp(c.CanvasHeight, 1, 8192, 64)
	c.CaptureMinIntervalMs = clamp(c.CaptureMinIntervalMs, 50, 60000, 200)
	c.CaptureMaxIntervalMs = clamp(c.CaptureMaxIntervalMs, c.CaptureMinIntervalMs, 600000, 2000)
	if c.CaptureMaxIntervalMs < c.CaptureMinIntervalMs {
		c.CaptureMaxIntervalMs = c.CaptureMinIntervalMs
	}
	c.AutoReloadMs = clampZero(c.AutoReloadMs, 3600000)
	c.MaxActiveViews = clamp(c.MaxActiveViews, 1, 10, 2)
	c.InactiveGraceMs = clampZero(c.InactiveGraceMs, 600000)
	c.ClosePageAfterInactiveMs = clampZero(c.ClosePageAfterInactiveMs, 3600000)
	c.CloseBrowserAfterInactiveMs = clampZero(c.CloseBrowserAfterInactiveMs, 3600000)

	views := c.Views[:0]
	for _, v := range c.Views {
		if v.ID == "" || v.URL == "" {
			continue
		}
		v.BusyFPS = clamp(v.BusyFPS, 1, 20, 10)
		views = append(views, v)
	}
	c.Views = views
}

// ViewByID returns the configuration for the given view id.
func (c *Config) ViewByID(id string) (View, bool) {
	for _, v := range c.Views {
		if v.ID == id {
			return v, true
		}
	}
	return View{}, false
}

// DefaultViewID resolves the view served when a request names no view:
// defaultView, then the legacy activeView, then the first enabled view.
func (c *Config) DefaultViewID() string {
	for _, id := range []string{c.DefaultView, c.ActiveView} {
		if id == "" {
			continue
		}
		if v, ok := c.ViewByID(id); ok && v.Enabled {
			return v.ID
		}
	}
	for _, v := range c.Views {
		if v.Enabled {
			return v.ID
		}
	}
	return ""
}

// SetDefaultView replaces the default view id. Used when the host adapter
// writes control.activeView.
func (c *Config) SetDefaultView(id string) {
	c.DefaultView = id
}

// InactiveGrace and friends expose the millisecond options as durations.
func (c *Config) InactiveGrace() time.Duration {
	return time.Duration(c.InactiveGraceMs) * time.Millisecond
}

func (c *Config) ClosePageAfterInactive() time.Duration {
	return time.Duration(c.ClosePageAfterInactiveMs) * time.Millisecond
}

func (c *Config) CloseBrowserAfterInactive() time.Duration {
	return time.Duration(c.CloseBrowserAfterInactiveMs) * time.Millisecond
}

func (c *Config) CaptureMinInterval() time.Duration {
	return time.Duration(c.CaptureMinIntervalMs) * time.Millisecond
}

func (c *Config) CaptureMaxInterval() time.Duration {
	return time.Duration(c.CaptureMaxIntervalMs) * time.Millisecond
}

func (c *Config) AutoReload() time.Duration {
	return time.Duration(c.AutoReloadMs) * time.Millisecond
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampZero clamps a value whose range legitimately starts at zero.
func clampZero(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
