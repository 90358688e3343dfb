// Package otpflow drives the target page through requesting and submitting a one-time code.
package otpflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
	"github.com/xkilldash9x/otpgate/internal/observability"
)

var (
	// ErrCodeTimeout means no code of the expected length appeared before the code-wait timeout.
	ErrCodeTimeout = errors.New("timed out waiting for the OTP to appear")
	// ErrPageLoadTimeout means the target page or one of its controls did not become ready in time.
	ErrPageLoadTimeout = errors.New("timed out loading the OTP page")
)

// Step names reported to the StepObserver.
const (
	StepRequest = "request_otp"
	StepSubmit  = "submit_otp"
)

// StepObserver is told how long each browser step took and whether it succeeded.
type StepObserver func(step string, ok bool, d time.Duration)

// Option configures a Driver.
type Option func(*Driver)

// WithStepObserver reports step timings, typically to metrics.
func WithStepObserver(obs StepObserver) Option {
	return func(d *Driver) { d.observe = obs }
}

// Driver performs the DOM steps of the OTP exchange on a tab it does not own.
type Driver struct {
	cfg     config.OTPConfig
	logger  *zap.Logger
	observe StepObserver
}

// NewDriver creates a page driver for cfg.TargetURL.
func NewDriver(cfg config.OTPConfig, logger *zap.Logger, opts ...Option) *Driver {
	d := &Driver{
		cfg:     cfg,
		logger:  logger.Named("otpflow"),
		observe: func(string, bool, time.Duration) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RequestOTP loads the target page in tab, submits phone, and returns the code the page displays.
func (d *Driver) RequestOTP(ctx context.Context, tab browser.Tab, phone string) (code string, err error) {
	start := time.Now()
	defer func() { d.observe(StepRequest, err == nil, time.Since(start)) }()

	runCtx, cancel := browser.CombineContext(tab.Context(), ctx)
	defer cancel()

	d.acceptDialogs(tab)

	sel := d.cfg.Selectors
	loadCtx, cancelLoad := context.WithTimeout(runCtx, d.cfg.PageLoadTimeout)
	err = chromedp.Run(loadCtx,
		chromedp.Navigate(d.cfg.TargetURL),
		chromedp.WaitVisible(sel.PhoneInput, chromedp.ByQuery),
		chromedp.SetValue(sel.PhoneInput, "", chromedp.ByQuery),
		chromedp.SendKeys(sel.PhoneInput, phone, chromedp.ByQuery),
		chromedp.WaitVisible(sel.RequestButton, chromedp.ByQuery),
		chromedp.Click(sel.RequestButton, chromedp.ByQuery),
	)
	loadErr := loadCtx.Err()
	cancelLoad()
	if err != nil {
		if loadErr != nil && ctx.Err() == nil {
			return "", fmt.Errorf("%w: %s: %v", ErrPageLoadTimeout, d.cfg.TargetURL, err)
		}
		return "", fmt.Errorf("failed to submit phone number: %w", err)
	}

	var text string
	err = chromedp.Run(runCtx, chromedp.Poll(codeProbeJS(sel.CodeDisplay, d.cfg.CodeLength), &text,
		chromedp.WithPollingTimeout(d.cfg.CodeWaitTimeout),
		chromedp.WithPollingInterval(d.cfg.PollInterval),
	))
	if err != nil {
		if errors.Is(err, chromedp.ErrPollingTimeout) {
			return "", fmt.Errorf("%w after %s", ErrCodeTimeout, d.cfg.CodeWaitTimeout)
		}
		return "", fmt.Errorf("failed waiting for OTP: %w", err)
	}

	code, ok := ExtractCode(text, d.cfg.CodeLength)
	if !ok {
		return "", fmt.Errorf("%w: page showed %q", ErrCodeTimeout, text)
	}
	d.logger.Debug("OTP captured from page.",
		zap.String("tab_id", tab.ID()),
		zap.String("phone", observability.MaskPhone(phone)),
	)
	return code, nil
}

// SubmitOTP types code into the page, presses verify, waits the settle delay,
// and reports whether the page shows its verified marker.
func (d *Driver) SubmitOTP(ctx context.Context, tab browser.Tab, code string) (verified bool, err error) {
	start := time.Now()
	defer func() { d.observe(StepSubmit, err == nil, time.Since(start)) }()

	runCtx, cancel := browser.CombineContext(tab.Context(), ctx)
	defer cancel()

	sel := d.cfg.Selectors
	readyCtx, cancelReady := context.WithTimeout(runCtx, d.cfg.PageLoadTimeout)
	err = chromedp.Run(readyCtx,
		chromedp.WaitVisible(sel.CodeInput, chromedp.ByQuery),
		chromedp.SetValue(sel.CodeInput, "", chromedp.ByQuery),
		chromedp.SendKeys(sel.CodeInput, code, chromedp.ByQuery),
		chromedp.Click(sel.VerifyButton, chromedp.ByQuery),
	)
	readyErr := readyCtx.Err()
	cancelReady()
	if err != nil {
		if readyErr != nil && ctx.Err() == nil {
			return false, fmt.Errorf("%w: code input not ready: %v", ErrPageLoadTimeout, err)
		}
		return false, fmt.Errorf("failed to submit OTP: %w", err)
	}

	err = chromedp.Run(runCtx,
		chromedp.Sleep(d.cfg.VerifySettleDelay),
		chromedp.Evaluate(presenceJS(sel.VerifiedFlag), &verified),
	)
	if err != nil {
		return false, fmt.Errorf("failed to read verification result: %w", err)
	}
	return verified, nil
}

// acceptDialogs dismisses alert/confirm dialogs that would otherwise block every later action on the tab.
func (d *Driver) acceptDialogs(tab browser.Tab) {
	tabCtx := tab.Context()
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		d.logger.Debug("Accepting page dialog.", zap.String("tab_id", tab.ID()), zap.String("type", e.Type.String()), zap.String("message", e.Message))
		// Listener callbacks must not block; the CDP call goes out on its own goroutine.
		go func() {
			if err := chromedp.Run(tabCtx, page.HandleJavaScriptDialog(true)); err != nil && tabCtx.Err() == nil {
				d.logger.Warn("Failed to accept page dialog.", zap.Error(err))
			}
		}()
	})
}
