// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/browser/stealth"
	"github.com/xkilldash9x/otpgate/internal/config"
)

// ErrShuttingDown is returned by NewTab while Shutdown is tearing the browser down.
var ErrShuttingDown = errors.New("browser is shutting down")

const shutdownGracePeriod = 15 * time.Second

// Manager owns the single shared browser process. The process is started on
// the first NewTab, torn down by Shutdown, and relaunched on the next NewTab.
// A failed launch leaves the manager uninitialized.
//
// launchMu serializes launches. mu guards the published handle and is only
// held briefly, so status reads never wait on a launch in flight.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	launchMu sync.Mutex

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closing       bool
	launches      int
	// epoch advances on every Shutdown; a launch that started in an older
	// epoch is discarded instead of published.
	epoch int
}

// NewManager creates a browser manager. No process is started until the first tab is requested.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
	}
	m.logger.Debug("Browser manager created (launch deferred).")
	return m
}

// Initialized reports whether a browser handle is currently held.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browserCtx != nil
}

// Connected reports whether the held browser is still running.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browserCtx != nil && m.browserCtx.Err() == nil
}

// Launches returns how many times a browser process has been started successfully.
func (m *Manager) Launches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// liveBrowser returns the published browser context if it is still running.
// A handle whose process died is released.
func (m *Manager) liveBrowser() (context.Context, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, m.epoch, ErrShuttingDown
	}
	if m.browserCtx != nil {
		if m.browserCtx.Err() == nil {
			return m.browserCtx, m.epoch, nil
		}
		m.logger.Warn("Browser process exited unexpectedly; relaunching.")
		m.resetLocked()
	}
	return nil, m.epoch, nil
}

// ensureBrowser returns the live browser context, launching one when needed.
func (m *Manager) ensureBrowser(ctx context.Context) (context.Context, error) {
	if browserCtx, _, err := m.liveBrowser(); browserCtx != nil || err != nil {
		return browserCtx, err
	}

	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	// Another caller may have launched while we waited.
	browserCtx, epoch, err := m.liveBrowser()
	if browserCtx != nil || err != nil {
		return browserCtx, err
	}

	m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
	start := time.Now()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	// The first Run starts the process, and its context owns the process lifetime,
	// so it must be browserCtx itself rather than a timeout-scoped child.
	if err := runBounded(ctx, m.cfg.LaunchTimeout, browserCtx, nil); err != nil {
		browserCancel()
		allocCancel()
		m.logger.Error("Browser launch failed.", zap.Error(err))
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing || m.epoch != epoch {
		browserCancel()
		allocCancel()
		m.logger.Info("Discarding browser launched during shutdown.")
		return nil, ErrShuttingDown
	}
	m.allocCancel = allocCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	m.launches++
	m.logger.Info("Browser launched.", zap.Duration("took", time.Since(start)))
	return browserCtx, nil
}

// resetLocked releases the current handle. Callers hold m.mu.
func (m *Manager) resetLocked() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.browserCtx = nil
	m.browserCancel = nil
	m.allocCancel = nil
}

// NewTab opens a tab inside a fresh isolated browser context. ctx bounds the
// wait for the tab to open; the tab itself lives until Close or Shutdown.
func (m *Manager) NewTab(ctx context.Context) (Tab, error) {
	browserCtx, err := m.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	if err := runBounded(ctx, 0, tabCtx, nil); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	if m.cfg.Persona.Enabled {
		if err := runBounded(ctx, 0, tabCtx, stealth.Apply(stealth.FromConfig(m.cfg), m.logger)); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to apply tab persona: %w", err)
		}
	}

	t := &cdpTab{ctx: tabCtx, cancel: cancel}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		t.id = c.Target.TargetID.String()
	}
	m.logger.Debug("Tab opened.", zap.String("tab_id", t.id))
	return t, nil
}

// Shutdown closes the browser gracefully and clears the handle. The next NewTab relaunches.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	if m.browserCtx == nil {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	browserCtx := m.browserCtx
	m.mu.Unlock()

	m.logger.Info("Shutting down browser.")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(browserCtx) }()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-shutdownCtx.Done():
		err = fmt.Errorf("browser did not exit in time: %w", shutdownCtx.Err())
	}

	m.mu.Lock()
	m.resetLocked()
	m.closing = false
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Browser shutdown was not clean.", zap.Error(err))
		return err
	}
	m.logger.Info("Browser shut down.")
	return nil
}

// runBounded executes actions on runCtx but gives up when ctx is done or timeout
// elapses. runCtx is never derived from ctx, so giving up leaves the caller
// responsible for canceling it.
func runBounded(ctx context.Context, timeout time.Duration, runCtx context.Context, actions chromedp.Tasks) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
