// Package pool schedules rendering across views. It owns the single
// headless browser, creates per-view sessions lazily, admits activations
// against the concurrent-view cap, and tears pages and the browser down
// again once nothing wants them.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/config"
	"github.com/tomasbasham/mxbridge/internal/frame"
)

// reservationTTL is how long a pre-admission claim counts as active,
// closing the window in which a burst of parallel requests could exceed
// the cap.
const reservationTTL = 5 * time.Second

// tickInterval is the cadence of the maintenance pass.
const tickInterval = time.Second

// ErrNotRunning is returned when a page is requested while the browser is
// down, in which case the next activation relaunches it, and by every
// activation once the pool has been closed.
var ErrNotRunning = errors.New("pool: browser not running")

// Pool coordinates the browser, the session map, admission control, and
// the maintenance tick. The session map, reservation table, and browser
// handle are guarded by mu; each session guards its own state.
type Pool struct {
	cfg     *config.Config
	logger  *zap.Logger
	onFrame func(frame.Frame, string)
	frames  *frame.Store

	launch func(context.Context) (Driver, error)
	now    func() time.Time

	mu            sync.Mutex
	baseCtx       context.Context
	driver        Driver
	sessions      map[string]*session
	reservations  map[string]time.Time
	lastAnyActive time.Time
	closed        bool
}

// New creates a Pool for the given configuration. onFrame is invoked for
// every published frame, after the frame store has been updated; it may be
// nil.
func New(cfg *config.Config, logger *zap.Logger, onFrame func(frame.Frame, string)) *Pool {
	return &Pool{
		cfg:          cfg,
		logger:       logger,
		onFrame:      onFrame,
		frames:       frame.NewStore(),
		launch:       chromeLaunch(cfg.CanvasWidth, cfg.CanvasHeight, logger),
		now:          time.Now,
		baseCtx:      context.Background(),
		sessions:     make(map[string]*session),
		reservations: make(map[string]time.Time),
	}
}

// Run drives the maintenance tick until ctx is cancelled, then shuts the
// pool down.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return ctx.Err()
		case <-ticker.C:
			p.tick(p.now())
		}
	}
}

// tick is one maintenance pass: refresh the activity clock, retire an idle
// browser, and poll every session's activation gate.
func (p *Pool) tick(now time.Time) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	active := p.activeViewsLocked(now)
	if len(active) > 0 || p.lastAnyActive.IsZero() {
		p.lastAnyActive = now
	}

	closeAfter := p.cfg.CloseBrowserAfterInactive()
	if p.driver != nil && closeAfter > 0 && now.Sub(p.lastAnyActive) >= closeAfter {
		p.closeBrowserLocked()
		p.mu.Unlock()
		return
	}

	if p.driver == nil && len(active) == 0 {
		p.mu.Unlock()
		return
	}

	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.tick(now)
	}
}

// closeBrowserLocked stops every session loop, drops their dead page
// references, and closes the browser.
func (p *Pool) closeBrowserLocked() {
	driver := p.driver
	p.driver = nil
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}

	// Suspension waits on loop goroutines; release the pool lock while
	// they drain.
	p.mu.Unlock()
	for _, s := range sessions {
		s.suspend()
	}
	driver.Close()
	p.logger.Info("browser closed after inactivity")
	p.mu.Lock()
}

// Reserve places a short-lived admission claim for a view before the
// request path completes. Expired reservations are pruned on every
// admission query.
func (p *Pool) Reserve(viewID string) {
	p.mu.Lock()
	p.reservations[viewID] = p.now().Add(reservationTTL)
	p.mu.Unlock()
}

// CanActivate reports whether a view could be admitted right now, along
// with the ids currently counted against the limit.
func (p *Pool) CanActivate(viewID string) (bool, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canActivateLocked(viewID, p.now())
}

func (p *Pool) canActivateLocked(viewID string, now time.Time) (bool, []string) {
	for id, expiry := range p.reservations {
		if now.After(expiry) {
			delete(p.reservations, id)
		}
	}

	set := make(map[string]struct{})
	for id, s := range p.sessions {
		if s.wanted(now) {
			set[id] = struct{}{}
		}
	}
	_, alreadyActive := set[viewID]

	// The request path reserves its own view id before asking for
	// admission; that reservation must hold a slot against other views
	// without admitting this one, so only foreign reservations join the
	// set.
	for id := range p.reservations {
		if id != viewID {
			set[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if alreadyActive || len(set) < p.cfg.MaxActiveViews {
		return true, ids
	}

	// A rejected view must not keep its claim alive, or it would poison
	// every admission check until the reservation expired.
	delete(p.reservations, viewID)
	return false, ids
}

func (p *Pool) activeViewsLocked(now time.Time) []string {
	ids := make([]string, 0, len(p.sessions))
	for id, s := range p.sessions {
		if s.wanted(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveViews returns the ids of all currently wanted views.
func (p *Pool) ActiveViews() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeViewsLocked(p.now())
}

// Subscribe admits a WebSocket subscriber for a view, reviving the browser
// and session as needed, and runs one synchronous activation pass so the
// first frame arrives as soon as possible.
func (p *Pool) Subscribe(viewID string) error {
	return p.activate(viewID, func(s *session) {
		s.subscribe()
	})
}

// TouchHTTP records HTTP interest in a view, with the same admission and
// revival behaviour as Subscribe.
func (p *Pool) TouchHTTP(viewID string) error {
	now := p.now()
	return p.activate(viewID, func(s *session) {
		s.touchHTTP(now)
	})
}

func (p *Pool) activate(viewID string, enable func(*session)) error {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNotRunning
	}

	view, ok := p.cfg.ViewByID(viewID)
	if !ok || !view.Enabled {
		p.mu.Unlock()
		return &UnknownViewError{ViewID: viewID}
	}

	admitted, active := p.canActivateLocked(viewID, now)
	if !admitted {
		p.mu.Unlock()
		return &TooManyActiveViewsError{
			Limit:       p.cfg.MaxActiveViews,
			ActiveViews: active,
			Requested:   viewID,
		}
	}

	if err := p.ensureDriverLocked(); err != nil {
		p.mu.Unlock()
		return err
	}

	s := p.ensureSessionLocked(view)
	enable(s)
	s.start()
	p.mu.Unlock()

	s.tick(now)
	return nil
}

// Unsubscribe drops one subscriber from a view. Teardown is left to the
// inactivity timers, not performed here.
func (p *Pool) Unsubscribe(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.unsubscribe(p.now())
	}
}

func (p *Pool) ensureDriverLocked() error {
	if p.driver != nil {
		return nil
	}
	d, err := p.launch(p.baseCtx)
	if err != nil {
		return err
	}
	p.driver = d
	return nil
}

func (p *Pool) ensureSessionLocked(view config.View) *session {
	if s, ok := p.sessions[view.ID]; ok {
		if cur := s.currentView(); cur.URL != view.URL || cur.BusyFPS != view.BusyFPS {
			s.setView(view)
		}
		return s
	}

	s := newSession(view, p.cfg, p.logger, p.publish, p.newPage, p.now)
	p.sessions[view.ID] = s
	return s
}

// publish stores a session's new frame and forwards it to the fan-out
// callback.
func (p *Pool) publish(f frame.Frame, viewID string) {
	p.frames.Put(viewID, f)
	if p.onFrame != nil {
		p.onFrame(f, viewID)
	}
}

// newPage hands a session a fresh page from the current browser. Sessions
// hold no browser reference of their own; every activation requests a page
// here, so a browser restart is transparent to them.
func (p *Pool) newPage() (Page, error) {
	p.mu.Lock()
	d := p.driver
	p.mu.Unlock()
	if d == nil {
		return nil, ErrNotRunning
	}
	return d.NewPage()
}

// GetFrame returns the latest published frame for a view.
func (p *Pool) GetFrame(viewID string) (frame.Frame, bool) {
	return p.frames.Get(viewID)
}

// CaptureNow raises the one-shot capture flag on a view's session, if one
// exists.
func (p *Pool) CaptureNow(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.requestCapture()
	}
}

// ReloadNow raises the one-shot reload flag on a view's session, if one
// exists.
func (p *Pool) ReloadNow(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.requestReload()
	}
}

// PoolStatus is the pool section of /status.json.
type PoolStatus struct {
	BrowserOpen  bool     `json:"browserOpen"`
	ActiveViews  []string `json:"activeViews"`
	Reservations int      `json:"reservations"`
	Sessions     []Status `json:"sessions"`
}

// StatusSnapshot reports the pool's current shape.
func (p *Pool) StatusSnapshot() PoolStatus {
	p.mu.Lock()
	st := PoolStatus{
		BrowserOpen:  p.driver != nil,
		ActiveViews:  p.activeViewsLocked(p.now()),
		Reservations: len(p.reservations),
	}
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		st.Sessions = append(st.Sessions, s.status())
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].View < st.Sessions[j].View })
	return st
}

// Close stops every session loop and the browser. Errors during teardown
// are swallowed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	driver := p.driver
	p.driver = nil
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	if driver != nil {
		driver.Close()
	}
	p.logger.Info("pool closed")
}
