package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	cfg.Normalize()

	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 8787, cfg.ListenPort)
	assert.Equal(t, 384, cfg.CanvasWidth)
	assert.Equal(t, 64, cfg.CanvasHeight)
	assert.Equal(t, 200, cfg.CaptureMinIntervalMs)
	assert.Equal(t, 2000, cfg.CaptureMaxIntervalMs)
	assert.Equal(t, 0, cfg.AutoReloadMs)
	assert.Equal(t, 2, cfg.MaxActiveViews)
	assert.Equal(t, 5000, cfg.InactiveGraceMs)
}

func TestNormalizeClampsRanges(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 70000
	cfg.MaxActiveViews = 99
	cfg.CaptureMinIntervalMs = 1
	cfg.CaptureMaxIntervalMs = 9999999
	cfg.InactiveGraceMs = -5
	cfg.Normalize()

	assert.Equal(t, 65535, cfg.ListenPort)
	assert.Equal(t, 10, cfg.MaxActiveViews)
	assert.Equal(t, 50, cfg.CaptureMinIntervalMs)
	assert.Equal(t, 600000, cfg.CaptureMaxIntervalMs)
	assert.Equal(t, 0, cfg.InactiveGraceMs)
}

func TestNormalizeKeepsMaxAboveMin(t *testing.T) {
	cfg := Default()
	cfg.CaptureMinIntervalMs = 5000
	cfg.CaptureMaxIntervalMs = 100
	cfg.Normalize()

	assert.GreaterOrEqual(t, cfg.CaptureMaxIntervalMs, cfg.CaptureMinIntervalMs)
}

func TestNormalizeDropsMalformedViews(t *testing.T) {
	cfg := Default()
	cfg.Views = []View{
		{ID: "ok", URL: "http://x/a", Enabled: true},
		{ID: "", URL: "http://x/b", Enabled: true},
		{ID: "nourl", Enabled: true},
	}
	cfg.Normalize()

	require.Len(t, cfg.Views, 1)
	assert.Equal(t, "ok", cfg.Views[0].ID)
	assert.Equal(t, 10, cfg.Views[0].BusyFPS)
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
listenPort: 9000
authToken: secret
views:
  - id: kitchen
    url: http://dash.local/vis/index.html?project=kitchen
  - id: hall
    url: http://dash.local/hall
    enabled: false
    busyFps: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	require.Len(t, cfg.Views, 2)
	assert.True(t, cfg.Views[0].Enabled)
	assert.False(t, cfg.Views[1].Enabled)
	assert.Equal(t, 5, cfg.Views[1].BusyFPS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMinCaptureInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, View{BusyFPS: 10}.MinCaptureInterval())
	assert.Equal(t, 50*time.Millisecond, View{BusyFPS: 20}.MinCaptureInterval())
	assert.Equal(t, time.Second, View{BusyFPS: 1}.MinCaptureInterval())
	// Out-of-range values fall back into range.
	assert.Equal(t, 100*time.Millisecond, View{}.MinCaptureInterval())
	assert.Equal(t, 50*time.Millisecond, View{BusyFPS: 99}.MinCaptureInterval())
}

func TestDefaultViewID(t *testing.T) {
	cfg := Default()
	cfg.Views = []View{
		{ID: "a", URL: "http://x/a", Enabled: false},
		{ID: "b", URL: "http://x/b", Enabled: true},
		{ID: "c", URL: "http://x/c", Enabled: true},
	}

	// First enabled view when nothing is configured.
	assert.Equal(t, "b", cfg.DefaultViewID())

	// The legacy alias applies when defaultView is empty.
	cfg.ActiveView = "c"
	assert.Equal(t, "c", cfg.DefaultViewID())

	cfg.DefaultView = "b"
	assert.Equal(t, "b", cfg.DefaultViewID())

	// A disabled default falls through.
	cfg.DefaultView = "a"
	assert.Equal(t, "c", cfg.DefaultViewID())

	cfg.Views = nil
	assert.Equal(t, "", cfg.DefaultViewID())
}
