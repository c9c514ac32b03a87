package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/browser"
)

// Page is the per-tab capability a session loop drives. *browser.Page is
// the production implementation; tests substitute fakes.
type Page interface {
	Navigate(url string) error
	Reload() error
	CurrentURL() (string, error)
	ConsumeDirty() (bool, error)
	MarkDirty() error
	WaitPaint() error
	Screenshot() ([]byte, error)
	Close()
}

// Driver is the browser capability the pool owns: it opens pages and dies
// as a unit, invalidating every page it produced.
type Driver interface {
	NewPage() (Page, error)
	Close()
}

type chromeDriver struct {
	b *browser.Browser
}

func (d chromeDriver) NewPage() (Page, error) {
	return d.b.NewPage()
}

func (d chromeDriver) Close() {
	d.b.Close()
}

func chromeLaunch(width, height int, logger *zap.Logger) func(context.Context) (Driver, error) {
	return func(ctx context.Context) (Driver, error) {
		b, err := browser.Launch(ctx, width, height, logger)
		if err != nil {
			return nil, err
		}
		return chromeDriver{b: b}, nil
	}
}
