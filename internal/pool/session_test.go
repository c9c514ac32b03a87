package pool

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Views = []config.View{
		{ID: "A", URL: "http://dash.local/widget", Enabled: true, BusyFPS: 10},
	}
	cfg.Normalize()
	return &cfg
}

// harness builds a session with a fake page attached and a controllable
// clock, without starting the loop; tests drive step() directly.
type harness struct {
	s      *session
	page   *fakePage
	clock  *fakeClock
	frames []frame.Frame
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
		cfg.Normalize()
	}

	h := &harness{
		page:  &fakePage{url: "http://dash.local/widget", png: []byte("png-1"), dirty: true},
		clock: newFakeClock(),
	}

	view, ok := cfg.ViewByID("A")
	require.True(t, ok)

	h.s = newSession(view, cfg, zap.NewNop(),
		func(f frame.Frame, _ string) { h.frames = append(h.frames, f) },
		func() (Page, error) { return h.page, nil },
		h.clock.Now,
	)
	h.s.page = h.page
	h.s.subscribers = 1
	return h
}

func TestStepCapturesWhenDirty(t *testing.T) {
	h := newHarness(t, nil)

	h.s.step()

	require.Len(t, h.frames, 1)
	assert.Equal(t, frame.ETag([]byte("png-1")), h.frames[0].ETag)
	assert.Len(t, h.frames[0].ETag, 42)
}

func TestStepSuppressesIdenticalFrames(t *testing.T) {
	h := newHarness(t, nil)

	h.s.step()
	require.Len(t, h.frames, 1)

	// Identical pixels on a probe capture must not publish again.
	h.clock.Advance(3 * time.Second)
	h.s.step()
	assert.Len(t, h.frames, 1)
}

func TestStepPublishesChangedFrames(t *testing.T) {
	h := newHarness(t, nil)

	h.s.step()
	h.page.setPNG([]byte("png-2"))
	h.page.setDirty()
	h.clock.Advance(3 * time.Second)
	h.s.step()

	require.Len(t, h.frames, 2)
	assert.NotEqual(t, h.frames[0].ETag, h.frames[1].ETag)
}

func TestProbeStaysWithinBounds(t *testing.T) {
	h := newHarness(t, nil)

	min := h.s.minInterval
	max := h.s.maxInterval

	for i := 0; i < 20; i++ {
		h.clock.Advance(max)
		h.s.step()
		probe := h.s.status().ProbeMs
		assert.GreaterOrEqual(t, probe, min.Milliseconds())
		assert.LessOrEqual(t, probe, max.Milliseconds())
	}

	// A dirty capture resets the probe to the minimum.
	h.page.setPNG([]byte("png-2"))
	h.page.setDirty()
	h.clock.Advance(max)
	h.s.step()
	assert.Equal(t, min.Milliseconds(), h.s.status().ProbeMs)
}

func TestBurstThrottleDelaysCapture(t *testing.T) {
	h := newHarness(t, nil)

	h.s.step()
	require.Len(t, h.frames, 1)

	// A change right after the last capture must wait out the per-view
	// minimum interval instead of capturing immediately.
	h.page.setPNG([]byte("png-2"))
	h.page.setDirty()
	h.clock.Advance(10 * time.Millisecond)
	sleep := h.s.step()

	assert.Equal(t, h.s.minInterval, sleep)
	assert.Len(t, h.frames, 1)

	h.clock.Advance(h.s.minInterval)
	h.s.step()
	assert.Len(t, h.frames, 2)
}

func TestStepAbsorbsScreenshotErrors(t *testing.T) {
	h := newHarness(t, nil)

	h.page.mu.Lock()
	h.page.shotErr = assert.AnError
	h.page.mu.Unlock()

	sleep := h.s.step()

	assert.Equal(t, errorSleep, sleep)
	assert.Empty(t, h.frames)
	assert.NotEmpty(t, h.s.status().LastError)
}

func TestAutoReloadTriggersPeriodically(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AutoReloadMs = 1000
	})

	h.s.step() // first iteration reloads: the reload clock starts at zero
	first := h.s.status().LastReloadTs
	require.NotZero(t, first)
	assert.Equal(t, 1, h.page.reloadCount())

	h.clock.Advance(500 * time.Millisecond)
	h.s.step()
	assert.Equal(t, 1, h.page.reloadCount())

	h.clock.Advance(600 * time.Millisecond)
	h.s.step()
	assert.Equal(t, 2, h.page.reloadCount())
	assert.Greater(t, h.s.status().LastReloadTs, first)
}

func TestReloadCacheBustsNavigation(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.CacheBustOnReload = true
	})

	h.s.requestReload()
	h.s.step()

	assert.Zero(t, h.page.reloadCount())
	nav := h.page.lastNavigation()
	require.NotEmpty(t, nav)
	u, err := url.Parse(nav)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get("hb_ts"))
}

func TestTickClosesPageAfterInactivity(t *testing.T) {
	h := newHarness(t, nil)

	h.s.unsubscribe(h.clock.Now())
	grace := h.s.inactiveGrace
	closeAfter := h.s.closePageAfter

	h.s.tick(h.clock.Now())
	assert.True(t, h.s.status().PageOpen)

	h.clock.Advance(grace + closeAfter + time.Second)
	h.s.tick(h.clock.Now())

	assert.False(t, h.s.status().PageOpen)
	h.page.mu.Lock()
	closed := h.page.closed
	h.page.mu.Unlock()
	assert.True(t, closed)
}

func TestTickNavigatesWhenURLDiffers(t *testing.T) {
	h := newHarness(t, nil)

	h.page.mu.Lock()
	h.page.url = "about:blank"
	h.page.mu.Unlock()

	h.s.tick(h.clock.Now())

	assert.Equal(t, "http://dash.local/widget", h.page.lastNavigation())
}

func TestSetViewResetsProbeAndIntervals(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 5; i++ {
		h.clock.Advance(h.s.maxInterval)
		h.s.step()
	}
	require.Greater(t, h.s.status().ProbeMs, h.s.minInterval.Milliseconds())

	view := h.s.currentView()
	view.BusyFPS = 20
	h.s.setView(view)

	assert.Equal(t, int64(50), h.s.status().ProbeMs)
	assert.Equal(t, 50*time.Millisecond, h.s.minInterval)
}

func TestCacheBustURL(t *testing.T) {
	now := time.UnixMilli(1234567890)

	t.Run("disabled is a no-op", func(t *testing.T) {
		assert.Equal(t, "http://x/y?a=1", cacheBustURL("http://x/y?a=1", now, false))
	})

	t.Run("vis index is exempt", func(t *testing.T) {
		raw := "http://dash.local/vis/index.html?project=main"
		assert.Equal(t, raw, cacheBustURL(raw, now, true))
		upper := "http://dash.local/VIS/Index.HTML?project=main"
		assert.Equal(t, upper, cacheBustURL(upper, now, true))
	})

	t.Run("appends hb_ts and nothing else", func(t *testing.T) {
		busted := cacheBustURL("http://dash.local/widget?a=1", now, true)
		u, err := url.Parse(busted)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "1234567890", q.Get("hb_ts"))
		assert.Equal(t, "1", q.Get("a"))
		assert.Len(t, q, 2)
	})

	t.Run("replaces a prior hb_ts", func(t *testing.T) {
		busted := cacheBustURL("http://dash.local/widget?hb_ts=1", now, true)
		u, err := url.Parse(busted)
		require.NoError(t, err)
		assert.Equal(t, []string{"1234567890"}, u.Query()["hb_ts"])
	})
}

func TestURLEquivalentIgnoresCacheBust(t *testing.T) {
	assert.True(t, urlEquivalent("http://x/y?a=1&hb_ts=5", "http://x/y?a=1"))
	assert.True(t, urlEquivalent("http://x/y", "http://x/y"))
	assert.False(t, urlEquivalent("http://x/y?a=2", "http://x/y?a=1"))
	assert.False(t, urlEquivalent("http://x/z", "http://x/y"))
}
