package pool

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
)

const (
	// quietSleep is the pause between loop iterations that do no work.
	quietSleep = 200 * time.Millisecond

	// errorSleep is the pause after an absorbed browser error.
	errorSleep = time.Second

	// burstWindow is how long after an observed change the capture rate is
	// held down to the per-view minimum interval.
	burstWindow = 2 * time.Second

	// probeBackoff is the multiplier applied to the probe interval after a
	// capture that produced no new pixels.
	probeBackoff = 1.5
)

// session drives the rendering pipeline for exactly one view. Its mutable
// state is written by its own loop and by the pool's activation paths,
// always under mu; the loop holds mu only across state reads and writes,
// never across browser calls.
type session struct {
	id      string
	logger  *zap.Logger
	onFrame func(frame.Frame, string)
	newPage func() (Page, error)
	now     func() time.Time

	autoReload     time.Duration
	cacheBust      bool
	inactiveGrace  time.Duration
	closePageAfter time.Duration

	mu           sync.Mutex
	view         config.View
	page         Page
	subscribers  int
	lastHTTPSeen time.Time
	lastInactive time.Time
	wantCapture  bool
	wantReload   bool
	minInterval  time.Duration
	maxInterval  time.Duration
	probe        time.Duration
	lastReload   time.Time
	lastCapture  time.Time
	lastChange   time.Time
	lastErr      string
	lastFrame    *frame.Frame

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func newSession(view config.View, cfg *config.Config, logger *zap.Logger, onFrame func(frame.Frame, string), newPage func() (Page, error), now func() time.Time) *session {
	s := &session{
		id:             view.ID,
		logger:         logger,
		onFrame:        onFrame,
		newPage:        newPage,
		now:            now,
		autoReload:     cfg.AutoReload(),
		cacheBust:      cfg.CacheBustOnReload,
		inactiveGrace:  cfg.InactiveGrace(),
		closePageAfter: cfg.ClosePageAfterInactive(),
		view:           view,
		maxInterval:    cfg.CaptureMaxInterval(),
	}
	s.applyIntervalsLocked(view)
	s.probe = s.minInterval
	return s
}

// applyIntervalsLocked derives the capture intervals from the view's
// busyFps, keeping the maximum at or above the minimum.
func (s *session) applyIntervalsLocked(view config.View) {
	s.minInterval = view.MinCaptureInterval()
	if s.maxInterval < s.minInterval {
		s.maxInterval = s.minInterval
	}
}

// start launches the capture loop if it is not already running.
func (s *session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
}

// stop halts the loop, waits for it to exit, and closes the page. The
// session shell survives for a later revival.
func (s *session) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	<-done

	s.mu.Lock()
	page := s.page
	s.page = nil
	s.mu.Unlock()
	if page != nil {
		page.Close()
	}
}

// suspend halts the loop and discards the page reference without closing
// it; used when the owning browser is being torn down and the page handles
// are already dying with it.
func (s *session) suspend() {
	s.mu.Lock()
	if !s.running {
		s.page = nil
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)
	<-done

	s.mu.Lock()
	s.page = nil
	s.mu.Unlock()
}

func (s *session) subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers++
	s.lastInactive = time.Time{}
	s.wantCapture = true
}

func (s *session) unsubscribe(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers > 0 {
		s.subscribers--
	}
	if s.subscribers == 0 {
		s.lastInactive = now
	}
}

func (s *session) touchHTTP(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHTTPSeen = now
	s.lastInactive = time.Time{}
	s.wantCapture = true
}

// setView replaces the view configuration. The next loop iteration
// observes the new view; navigation happens on the next tick when the open
// page's URL no longer matches.
func (s *session) setView(view config.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	s.applyIntervalsLocked(view)
	s.probe = s.minInterval
	s.wantCapture = true
}

func (s *session) requestCapture() {
	s.mu.Lock()
	s.wantCapture = true
	s.mu.Unlock()
}

func (s *session) requestReload() {
	s.mu.Lock()
	s.wantReload = true
	s.mu.Unlock()
}

func (s *session) currentView() config.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// wanted reports whether the view counts as active: it has subscribers, or
// HTTP/inactivity activity within the grace window.
func (s *session) wanted(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantedLocked(now)
}

func (s *session) wantedLocked(now time.Time) bool {
	if s.subscribers > 0 {
		return true
	}
	last := s.lastActivityLocked()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= s.inactiveGrace
}

func (s *session) lastActivityLocked() time.Time {
	last := s.lastHTTPSeen
	if s.lastInactive.After(last) {
		last = s.lastInactive
	}
	return last
}

// tick is the activation gate, run on every maintenance pass and
// synchronously on subscribe and HTTP touch. It closes pages that have
// outlived their inactivity allowance and (re)opens and points the page
// for wanted views.
func (s *session) tick(now time.Time) {
	s.mu.Lock()
	want := s.wantedLocked(now)
	page := s.page
	view := s.view

	if !want {
		if page != nil && now.Sub(s.lastActivityLocked()) >= s.closePageAfter {
			s.page = nil
			s.mu.Unlock()
			page.Close()
			s.logger.Info("page closed after inactivity", zap.String("view", s.id))
			return
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if page == nil {
		p, err := s.newPage()
		if err != nil {
			s.recordError("open page", err)
			return
		}
		if err := p.Navigate(view.URL); err != nil {
			s.recordError("navigate", err)
		}
		s.mu.Lock()
		if s.page == nil {
			s.page = p
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		p.Close()
		return
	}

	cur, err := page.CurrentURL()
	if err != nil {
		s.recordError("read location", err)
		return
	}
	if !urlEquivalent(cur, view.URL) {
		if err := page.Navigate(view.URL); err != nil {
			s.recordError("navigate", err)
		}
	}
}

// loop is the cooperative capture loop. Each iteration computes a sleep
// from the current state; stop interrupts at any sleep.
func (s *session) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		d := s.step()
		select {
		case <-stopCh:
			return
		case <-time.After(d):
		}
	}
}

// step performs one loop iteration and returns how long to sleep before
// the next one.
func (s *session) step() time.Duration {
	now := s.now()

	s.mu.Lock()
	if !s.wantedLocked(now) || s.page == nil {
		s.mu.Unlock()
		return quietSleep
	}
	page := s.page
	view := s.view

	if s.wantReload || (s.autoReload > 0 && now.Sub(s.lastReload) >= s.autoReload) {
		s.wantReload = false
		s.mu.Unlock()
		s.reload(page, view, now)
		return quietSleep
	}

	capture := s.wantCapture
	s.wantCapture = false
	probe := s.probe
	lastCapture := s.lastCapture
	minInterval := s.minInterval
	s.mu.Unlock()

	if !capture {
		dirty, err := page.ConsumeDirty()
		if err != nil {
			return s.absorb("dirty check", err)
		}
		if dirty {
			capture = true
			s.mu.Lock()
			s.lastChange = now
			s.probe = s.minInterval
			s.mu.Unlock()
		} else if now.Sub(lastCapture) >= probe {
			capture = true
		}
	}

	if !capture {
		return quietSleep
	}

	s.mu.Lock()
	withinBurst := !s.lastChange.IsZero() && now.Sub(s.lastChange) <= burstWindow
	s.mu.Unlock()
	if withinBurst && !lastCapture.IsZero() && now.Sub(lastCapture) < minInterval {
		return minInterval
	}

	if err := page.WaitPaint(); err != nil {
		return s.absorb("paint debounce", err)
	}

	png, err := page.Screenshot()
	if err != nil {
		return s.absorb("screenshot", err)
	}

	s.publish(png, s.now())
	return quietSleep
}

// publish mints the frame, compares its ETag against the previous one, and
// either emits it or backs the probe interval off.
func (s *session) publish(png []byte, now time.Time) {
	f := frame.New(png, now)

	s.mu.Lock()
	s.lastCapture = now
	changed := s.lastFrame == nil || s.lastFrame.ETag != f.ETag
	if changed {
		s.lastFrame = &f
		s.probe = s.minInterval
		s.lastChange = now
	} else {
		next := time.Duration(float64(s.probe) * probeBackoff)
		if next > s.maxInterval {
			next = s.maxInterval
		}
		s.probe = next
	}
	onFrame := s.onFrame
	s.mu.Unlock()

	if changed && onFrame != nil {
		onFrame(f, s.id)
	}
}

// reload performs a forced or periodic reload, cache-busting the URL when
// configured. Failures are absorbed.
func (s *session) reload(page Page, view config.View, now time.Time) {
	target := cacheBustURL(view.URL, now, s.cacheBust)

	cur, err := page.CurrentURL()
	if err != nil {
		s.recordError("read location", err)
		return
	}

	if target != cur {
		err = page.Navigate(target)
	} else {
		err = page.Reload()
	}
	if err != nil {
		s.recordError("reload", err)
	}

	if err := page.MarkDirty(); err != nil {
		s.logger.Debug("mark dirty after reload", zap.String("view", s.id), zap.Error(err))
	}

	s.mu.Lock()
	s.lastReload = now
	s.wantCapture = true
	s.probe = s.minInterval
	s.mu.Unlock()
}

// absorb records a loop error and returns the recovery sleep.
func (s *session) absorb(op string, err error) time.Duration {
	s.recordError(op, err)
	return errorSleep
}

func (s *session) recordError(op string, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.logger.Warn(op+" failed", zap.String("view", s.id), zap.Error(err))
}

// Status is a point-in-time snapshot of one session for /status.json.
type Status struct {
	View          string `json:"view"`
	Name          string `json:"name,omitempty"`
	URL           string `json:"url"`
	PageOpen      bool   `json:"pageOpen"`
	Subscribers   int    `json:"subscribers"`
	ProbeMs       int64  `json:"probeMs"`
	LastCaptureTs int64  `json:"lastCaptureTs,omitempty"`
	LastReloadTs  int64  `json:"lastReloadTs,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	HasFrame      bool   `json:"hasFrame"`
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		View:        s.id,
		Name:        s.view.Name,
		URL:         s.view.URL,
		PageOpen:    s.page != nil,
		Subscribers: s.subscribers,
		ProbeMs:     s.probe.Milliseconds(),
		LastError:   s.lastErr,
		HasFrame:    s.lastFrame != nil,
	}
	if !s.lastCapture.IsZero() {
		st.LastCaptureTs = s.lastCapture.UnixMilli()
	}
	if !s.lastReload.IsZero() {
		st.LastReloadTs = s.lastReload.UnixMilli()
	}
	return st
}

// cacheBustURL appends an hb_ts timestamp parameter to defeat upstream
// caches. URLs whose path ends in /vis/index.html are left alone; that
// suffix uses its query string as a project selector.
func cacheBustURL(raw string, now time.Time, enabled bool) string {
	if !enabled {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if hasVisIndexPath(u.Path) {
		return raw
	}
	q := u.Query()
	q.Set("hb_ts", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

func hasVisIndexPath(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), "/vis/index.html")
}

// urlEquivalent compares two URLs ignoring any hb_ts cache-bust parameter,
// so a freshly busted page is not immediately re-navigated by the tick.
func urlEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	return stripCacheBust(a) == stripCacheBust(b)
}

func stripCacheBust(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Del("hb_ts")
	u.RawQuery = q.Encode()
	return u.String()
}
