package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
)

// opLog records browser operations in the order they happened.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeTab struct {
	id     string
	log    *opLog
	closed atomic.Bool
	gone   atomic.Bool
	ctx    context.Context
}

func (t *fakeTab) ID() string               { return t.id }
func (t *fakeTab) Context() context.Context { return t.ctx }
func (t *fakeTab) Alive() bool              { return !t.closed.Load() && !t.gone.Load() }

func (t *fakeTab) Close(context.Context) error {
	if t.closed.CompareAndSwap(false, true) {
		t.log.add("close:%s", t.id)
	}
	return nil
}

// fakeBrowser mimics the lazy shared browser: the first tab after a reset launches it.
type fakeBrowser struct {
	log     *opLog
	mu      sync.Mutex
	n       int
	up      bool
	starts  int
	openErr error
	tabs    []*fakeTab
}

func (b *fakeBrowser) NewTab(ctx context.Context) (browser.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	if !b.up {
		b.up = true
		b.starts++
	}
	b.n++
	t := &fakeTab{id: fmt.Sprintf("tab%d", b.n), log: b.log, ctx: context.Background()}
	b.tabs = append(b.tabs, t)
	b.log.add("open:%s", t.id)
	return t, nil
}

func (b *fakeBrowser) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}

func (b *fakeBrowser) Shutdown(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up = false
	for _, t := range b.tabs {
		t.gone.Store(true)
	}
	return nil
}

func (b *fakeBrowser) tab(i int) *fakeTab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[i]
}

// fakeFlow issues sequential codes and verifies a tab only with the code it issued there.
type fakeFlow struct {
	mu        sync.Mutex
	next      int
	issued    map[string]string
	requestFn func(tab browser.Tab) error
	submitErr error
}

func newFakeFlow() *fakeFlow {
	return &fakeFlow{next: 100000, issued: make(map[string]string)}
}

func (f *fakeFlow) RequestOTP(ctx context.Context, tab browser.Tab, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestFn != nil {
		if err := f.requestFn(tab); err != nil {
			return "", err
		}
	}
	f.next++
	code := fmt.Sprintf("%06d", f.next)
	f.issued[tab.ID()] = code
	return code, nil
}

func (f *fakeFlow) SubmitOTP(ctx context.Context, tab browser.Tab, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return false, f.submitErr
	}
	if !tab.Alive() {
		return false, errors.New("tab closed")
	}
	return f.issued[tab.ID()] == code, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	mgr     *Manager
	browser *fakeBrowser
	flow    *fakeFlow
	clock   *fakeClock
	events  *eventRecorder
	log     *opLog
}

const (
	testTTL    = 5 * time.Minute
	testMaxAge = 30 * time.Minute
)

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	log := &opLog{}
	f := &fixture{
		browser: &fakeBrowser{log: log},
		flow:    newFakeFlow(),
		clock:   newFakeClock(),
		events:  &eventRecorder{},
		log:     log,
	}
	f.mgr = NewManager(f.browser, f.flow, ttl,
		config.SessionConfig{MaxAge: testMaxAge, SweepInterval: 10 * time.Millisecond},
		zap.NewNop(),
		WithClock(f.clock.Now),
		WithEventSink(f.events),
	)
	return f
}
