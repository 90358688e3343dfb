// internal/browser/tab.go
package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/chromedp"
)

// Tab is one open page inside its own isolated browser context.
type Tab interface {
	// ID is the CDP target ID.
	ID() string
	// Context carries the chromedp target. Actions run against it or a context combined with it.
	Context() context.Context
	// Alive is false once the tab was closed or the browser went away.
	Alive() bool
	// Close closes the page and disposes its browser context. Repeated calls are no-ops.
	Close(ctx context.Context) error
}

type cdpTab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (t *cdpTab) ID() string               { return t.id }
func (t *cdpTab) Context() context.Context { return t.ctx }
func (t *cdpTab) Alive() bool              { return t.ctx.Err() == nil }

func (t *cdpTab) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		// A tab whose browser already went away has nothing left to dispose.
		if t.ctx.Err() != nil {
			t.cancel()
			return
		}
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(t.ctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.closeErr = err
			}
		case <-ctx.Done():
			t.cancel()
			t.closeErr = ctx.Err()
		}
	})
	return t.closeErr
}
