// Package otpflowtest serves a fake OTP page for browser integration tests.
package otpflowtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xkilldash9x/otpgate/internal/config"
)

const pageHTML = `<!doctype html>
<html>
<head><title>Sign in</title></head>
<body>
  <input id="phone" type="tel">
  <button id="send-otp">Send code</button>
  <p id="otp-display">Waiting for code...</p>
  <input id="otp-input" type="text">
  <button id="verify-otp">Verify</button>
  <div id="result"></div>
<script>
  let issued = "";
  document.getElementById("send-otp").addEventListener("click", async () => {
    const phone = document.getElementById("phone").value;
    const res = await fetch("/issue?phone=" + encodeURIComponent(phone));
    issued = (await res.text()).trim();
    setTimeout(() => {
      document.getElementById("otp-display").textContent = "Your code is " + issued;
    }, %d);
  });
  document.getElementById("verify-otp").addEventListener("click", () => {
    const ok = document.getElementById("otp-input").value === issued && issued !== "";
    const r = document.getElementById("result");
    r.textContent = ok ? "Verified" : "Invalid code";
    if (ok) r.setAttribute("data-verified", "true"); else r.removeAttribute("data-verified");
  });
</script>
</body>
</html>`

// Page is a fake login page that issues sequential six-digit codes.
type Page struct {
	*httptest.Server

	delayMS atomic.Int64
	counter atomic.Int64
	mu      sync.Mutex
	phones  []string
}

// NewPage starts the fake page. The server is closed when the test ends.
func NewPage(t testing.TB) *Page {
	t.Helper()
	p := &Page{}
	p.delayMS.Store(100)
	p.counter.Store(100000)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, pageHTML, p.delayMS.Load())
	})
	mux.HandleFunc("/issue", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.phones = append(p.phones, r.URL.Query().Get("phone"))
		p.mu.Unlock()
		fmt.Fprintf(w, "%06d", p.counter.Add(1))
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// SetDelay changes how long the page waits before showing an issued code.
func (p *Page) SetDelay(d time.Duration) {
	p.delayMS.Store(d.Milliseconds())
}

// Phones returns the phone numbers submitted so far.
func (p *Page) Phones() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.phones...)
}

// OTPConfig returns an OTP config pointed at the page with test-friendly timings.
func (p *Page) OTPConfig() config.OTPConfig {
	cfg := config.NewDefaultConfig().OTP
	cfg.TargetURL = p.URL
	cfg.PageLoadTimeout = 15 * time.Second
	cfg.CodeWaitTimeout = 5 * time.Second
	cfg.VerifySettleDelay = 200 * time.Millisecond
	cfg.PollInterval = 50 * time.Millisecond
	return cfg
}

// FindChrome returns a browser binary for integration tests or skips the test.
func FindChrome(t testing.TB) string {
	t.Helper()
	if p := os.Getenv("OTPGATE_TEST_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("No Chrome binary found in PATH, skipping browser integration test.")
	return ""
}

// BrowserConfig returns a headless browser config for the located binary.
func BrowserConfig(execPath string) config.BrowserConfig {
	cfg := config.NewDefaultConfig().Browser
	cfg.ExecPath = execPath
	return cfg
}
