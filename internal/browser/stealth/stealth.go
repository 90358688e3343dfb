package stealth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/config"
)

// evasionsTemplate hides the automation markers headless Chrome exposes to page
// scripts. The two verbs are the JSON-encoded languages and platform.
const evasionsTemplate = `(() => {
  const define = (proto, key, value) => {
    try { Object.defineProperty(proto, key, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(Navigator.prototype, 'webdriver', false);
  const langs = %s;
  if (langs.length > 0) {
    define(Navigator.prototype, 'languages', Object.freeze(langs.slice()));
    define(Navigator.prototype, 'language', langs[0]);
  }
  const platform = %s;
  if (platform) { define(Navigator.prototype, 'platform', platform); }
  if (!window.chrome) { window.chrome = { runtime: {} }; }
})();`

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// FromConfig builds the persona for cfg.
func FromConfig(cfg config.BrowserConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Persona.Platform,
		Languages: cfg.Persona.Languages,
		Timezone:  cfg.Persona.Timezone,
		Locale:    cfg.Persona.Locale,
	}
}

// Script returns the evasion script for p.
func (p Persona) Script() string {
	langs := p.Languages
	if langs == nil {
		langs = []string{}
	}
	rawLangs, _ := json.Marshal(langs)
	rawPlatform, _ := json.Marshal(p.Platform)
	return fmt.Sprintf(evasionsTemplate, rawLangs, rawPlatform)
}

// AcceptLanguage renders Languages as an Accept-Language header value with
// descending quality weights, e.g. "en-US,en;q=0.9".
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, l := range p.Languages {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the CDP actions that make a tab present p. Overrides whose
// persona field is empty are skipped.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying tab persona.",
		zap.String("user_agent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.Strings("languages", p.Languages),
	)

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(p.Script()).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.UserAgent != "" {
		ua := emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform)
		if al := p.AcceptLanguage(); al != "" {
			ua = ua.WithAcceptLanguage(al)
		}
		tasks = append(tasks, ua)
	} else if al := p.AcceptLanguage(); al != "" {
		tasks = append(tasks,
			network.Enable(),
			network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": al}),
		)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	return tasks
}
