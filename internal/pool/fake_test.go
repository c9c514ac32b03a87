package pool

import (
	"sync"
	"time"
)

// fakePage is an in-memory Page for driving session loops without a
// browser.
type fakePage struct {
	mu          sync.Mutex
	url         string
	dirty       bool
	png         []byte
	navErr      error
	shotErr     error
	navigations []string
	reloads     int
	closed      bool
}

func (p *fakePage) Navigate(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.url = url
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *fakePage) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navErr != nil {
		return p.navErr
	}
	p.reloads++
	return nil
}

func (p *fakePage) CurrentURL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) ConsumeDirty() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dirty
	p.dirty = false
	return d, nil
}

func (p *fakePage) MarkDirty() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	return nil
}

func (p *fakePage) WaitPaint() error {
	return nil
}

func (p *fakePage) Screenshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	out := make([]byte, len(p.png))
	copy(out, p.png)
	return out, nil
}

func (p *fakePage) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePage) setPNG(b []byte) {
	p.mu.Lock()
	p.png = b
	p.mu.Unlock()
}

func (p *fakePage) setDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *fakePage) navigationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.navigations)
}

func (p *fakePage) lastNavigation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.navigations) == 0 {
		return ""
	}
	return p.navigations[len(p.navigations)-1]
}

func (p *fakePage) reloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// fakeDriver hands out fakePages and records its own lifecycle.
type fakeDriver struct {
	mu     sync.Mutex
	pages  []*fakePage
	png    []byte
	closed bool
}

func (d *fakeDriver) NewPage() (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakePage{png: d.png, dirty: true}
	d.pages = append(d.pages, p)
	return p, nil
}

func (d *fakeDriver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDriver) page(i int) *fakePage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.pages) {
		return nil
	}
	return d.pages[i]
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// fakeClock is a manually advanced clock shared by pool and sessions.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
