// internal/browser/options.go
package browser

import (
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/xkilldash9x/otpgate/internal/config"
)

// AllocatorOptions translates the browser config into exec allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	// Copy the defaults so appends never write into chromedp's backing array.
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+8+len(cfg.Args))
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", cfg.Headless),
	)

	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.LaunchTimeout > 0 {
		opts = append(opts, chromedp.WSURLReadTimeout(cfg.LaunchTimeout))
	}

	for _, arg := range cfg.Args {
		name, value, hasValue := parseFlag(arg)
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// parseFlag splits "--name=value" or "name" into its parts. chromedp.Flag
// takes the name without leading dashes.
func parseFlag(arg string) (name, value string, hasValue bool) {
	arg = strings.TrimSpace(arg)
	name, value, hasValue = strings.Cut(arg, "=")
	name = strings.TrimLeft(name, "-")
	return name, value, hasValue
}
