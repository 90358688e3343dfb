package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/otpgate/internal/browser"
	"github.com/xkilldash9x/otpgate/internal/config"
	"github.com/xkilldash9x/otpgate/internal/observability"
)

// tabCloseTimeout bounds releasing a tab on cleanup paths, which run detached
// from the request that triggered them.
const tabCloseTimeout = 10 * time.Second

// closeAllConcurrency caps parallel tab closes in CloseAll.
const closeAllConcurrency = 8

// TabOpener opens isolated tabs. *browser.Manager implements it.
type TabOpener interface {
	NewTab(ctx context.Context) (browser.Tab, error)
}

// Automator performs the page steps on a tab. *otpflow.Driver implements it.
type Automator interface {
	RequestOTP(ctx context.Context, tab browser.Tab, phone string) (string, error)
	SubmitOTP(ctx context.Context, tab browser.Tab, code string) (bool, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventSink adds a receiver for lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sink) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session table.
type Manager struct {
	tabs   TabOpener
	flow   Automator
	otpTTL time.Duration
	cfg    config.SessionConfig
	logger *zap.Logger
	sinks  []EventSink
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds an empty table. otpTTL is how long a scraped code stays submittable.
func NewManager(tabs TabOpener, flow Automator, otpTTL time.Duration, cfg config.SessionConfig, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		tabs:     tabs,
		flow:     flow,
		otpTTL:   otpTTL,
		cfg:      cfg,
		logger:   logger.Named("session"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create replaces any session stored under id with a fresh one: the old tab is
// closed first, then a new tab requests an OTP for phone.
func (m *Manager) Create(ctx context.Context, id, phone string) (Created, error) {
	id, phone = strings.TrimSpace(id), strings.TrimSpace(phone)
	if id == "" || phone == "" {
		return Created{}, fmt.Errorf("%w: session id and phone are required", ErrInvalidArgument)
	}

	if old := m.lookup(id); old != nil {
		m.logger.Info("Replacing existing session.", zap.String("session_id", id), zap.String("generation", old.Generation))
		if m.closeSession(ctx, old) {
			m.emit(EventClosed, old, "replaced")
		}
	}

	s := &Session{
		ID:         id,
		Generation: uuid.NewString(),
		Phone:      phone,
		Status:     StatusAwaitingVerification,
	}
	log := m.logger.With(zap.String("session_id", id), zap.String("generation", s.Generation), zap.String("phone", observability.MaskPhone(phone)))

	tab, err := m.tabs.NewTab(ctx)
	if err != nil {
		log.Error("Failed to open tab.", zap.Error(err))
		m.emit(EventCreateFailed, s, err.Error())
		return Created{}, fmt.Errorf("%w: %w", ErrAutomation, err)
	}
	s.tab = tab

	code, err := m.flow.RequestOTP(ctx, tab, phone)
	if err != nil {
		m.releaseTab(ctx, tab)
		log.Error("Failed to obtain OTP.", zap.String("tab_id", tab.ID()), zap.Error(err))
		m.emit(EventCreateFailed, s, err.Error())
		return Created{}, fmt.Errorf("%w: %w", ErrAutomation, err)
	}

	now := m.now()
	s.OTP = code
	s.CreatedAt = now
	s.OTPExpiresAt = now.Add(m.otpTTL)

	m.mu.Lock()
	displaced := m.sessions[id]
	m.sessions[id] = s
	m.mu.Unlock()

	// A concurrent Create for the same id finished first; the later one wins.
	if displaced != nil {
		m.releaseTab(ctx, displaced.tab)
		m.emit(EventClosed, displaced, "replaced")
	}

	log.Info("Session created.", zap.String("tab_id", tab.ID()), zap.Time("otp_expires_at", s.OTPExpiresAt))
	m.emit(EventCreated, s, "")
	return Created{
		SessionID:        id,
		Generation:       s.Generation,
		OTP:              code,
		Phone:            phone,
		ExpiresAt:        s.OTPExpiresAt,
		ExpiresInSeconds: int(m.otpTTL.Seconds()),
	}, nil
}

// Verify submits code on the session's page. A wrong code leaves the session
// open for another attempt; every other outcome closes it.
func (m *Manager) Verify(ctx context.Context, id, code string) (Verification, error) {
	id, code = strings.TrimSpace(id), strings.TrimSpace(code)
	if id == "" || code == "" {
		return Verification{}, fmt.Errorf("%w: session id and otp are required", ErrInvalidArgument)
	}

	s := m.lookup(id)
	if s == nil {
		return Verification{}, ErrSessionNotFound
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	// A concurrent close or replacement may have happened while waiting for the tab.
	if m.lookup(id) != s {
		return Verification{}, ErrSessionClosed
	}
	log := m.logger.With(zap.String("session_id", id), zap.String("generation", s.Generation), zap.String("tab_id", s.TabID()))

	if s.otpExpired(m.now()) {
		m.closeSession(ctx, s)
		log.Info("OTP expired before verification.")
		m.emit(EventExpired, s, "")
		return Verification{}, ErrOTPExpired
	}
	if !s.tab.Alive() {
		m.closeSession(ctx, s)
		log.Warn("Session tab is gone.")
		m.emit(EventClosed, s, "tab_gone")
		return Verification{}, ErrSessionClosed
	}

	verified, err := m.flow.SubmitOTP(ctx, s.tab, code)
	if err != nil {
		m.closeSession(ctx, s)
		log.Error("OTP submission failed.", zap.Error(err))
		m.emit(EventVerifyFailed, s, err.Error())
		return Verification{}, fmt.Errorf("%w: %w", ErrAutomation, err)
	}

	result := Verification{
		SessionID:  id,
		Verified:   verified,
		OTPMatched: subtle.ConstantTimeCompare([]byte(code), []byte(s.OTP)) == 1,
	}
	if !verified {
		result.Status = StatusAwaitingVerification
		result.Retry = true
		log.Info("OTP rejected by page.", zap.Bool("otp_matched", result.OTPMatched))
		m.emit(EventMismatch, s, "")
		return result, nil
	}

	m.mu.Lock()
	s.Status = StatusVerified
	m.mu.Unlock()
	result.Status = StatusVerified

	m.closeSession(ctx, s)
	log.Info("Session verified.")
	m.emit(EventVerified, s, "")
	return result, nil
}

// Get returns a snapshot of the session stored under id.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(m.now()), nil
}

// List returns snapshots of every session ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	now := m.now()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot(now))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of sessions in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close releases the session's tab and removes it.
func (m *Manager) Close(ctx context.Context, id string) error {
	s := m.lookup(id)
	if s == nil {
		return ErrSessionNotFound
	}
	if m.closeSession(ctx, s) {
		m.logger.Info("Session closed.", zap.String("session_id", id), zap.String("generation", s.Generation))
		m.emit(EventClosed, s, "requested")
	}
	return nil
}

// CloseAll closes every session concurrently and returns how many were removed.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var removed atomic.Int64
	var g errgroup.Group
	g.SetLimit(closeAllConcurrency)
	for _, s := range all {
		g.Go(func() error {
			if m.closeSession(ctx, s) {
				removed.Add(1)
				m.emit(EventClosed, s, "close_all")
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(removed.Load())
	if n > 0 {
		m.logger.Info("Closed all sessions.", zap.Int("closed", n))
	}
	return n
}

// Cleanup closes sessions older than the max session age, whether or not
// their OTP has expired, and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.MaxAge)

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if !s.CreatedAt.After(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, s := range stale {
		if m.closeSession(ctx, s) {
			removed++
			m.logger.Info("Swept stale session.", zap.String("session_id", s.ID), zap.String("generation", s.Generation))
			m.emit(EventSwept, s, "")
		}
	}
	return removed
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// closeSession releases the tab, then removes s if it is still the entry under
// its id. It reports whether s was removed.
func (m *Manager) closeSession(ctx context.Context, s *Session) bool {
	m.releaseTab(ctx, s.tab)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.ID] != s {
		return false
	}
	delete(m.sessions, s.ID)
	return true
}

// releaseTab closes tab on a context detached from ctx's cancellation.
func (m *Manager) releaseTab(ctx context.Context, tab browser.Tab) {
	if tab == nil {
		return
	}
	closeCtx, cancel := browser.DetachWithTimeout(ctx, tabCloseTimeout)
	defer cancel()
	if err := tab.Close(closeCtx); err != nil {
		m.logger.Warn("Failed to close tab cleanly.", zap.String("tab_id", tab.ID()), zap.Error(err))
	}
}
