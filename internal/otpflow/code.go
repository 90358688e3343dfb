package otpflow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
)

type codePatterns struct {
	token  *regexp.Regexp
	digits *regexp.Regexp
}

// compiledPatterns caches codePatterns by code length.
var compiledPatterns sync.Map

func patternsFor(n int) *codePatterns {
	if p, ok := compiledPatterns.Load(n); ok {
		return p.(*codePatterns)
	}
	p, _ := compiledPatterns.LoadOrStore(n, &codePatterns{
		token:  regexp.MustCompile(fmt.Sprintf(`^[A-Za-z0-9]{%d}$`, n)),
		digits: regexp.MustCompile(fmt.Sprintf(`(?:^|\D)(\d{%d})(?:\D|$)`, n)),
	})
	return p.(*codePatterns)
}

// ExtractCode finds an OTP of exactly n characters in text. Text that is itself
// an n-character alphanumeric token is returned as is; otherwise the first
// standalone run of exactly n digits wins ("Your code is 482913").
func ExtractCode(text string, n int) (string, bool) {
	if n < 1 {
		return "", false
	}
	p := patternsFor(n)
	text = strings.TrimSpace(text)
	if p.token.MatchString(text) {
		return text, true
	}
	m := p.digits.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// codeProbeJS evaluates to the trimmed text of the code element once it holds
// something ExtractCode accepts, and to an empty string before that.
func codeProbeJS(selector string, n int) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return "";
	const t = String(el.value || el.textContent || "").trim();
	if (/^[A-Za-z0-9]{%d}$/.test(t) || /(^|\D)\d{%d}(\D|$)/.test(t)) return t;
	return "";
})()`, jsString(selector), n, n)
}

// presenceJS evaluates to true when selector matches at least one element.
func presenceJS(selector string) string {
	return fmt.Sprintf(`!!document.querySelector(%s)`, jsString(selector))
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
