// Package session keeps the table of live OTP sessions, each bound to one browser tab.
package session

import (
	"sync"
	"time"

	"github.com/xkilldash9x/otpgate/internal/browser"
)

// Status is the verification state of a session.
type Status string

const (
	StatusAwaitingVerification Status = "awaiting_verification"
	StatusVerified             Status = "verified"
)

// Session is one entry of the table. Entries are compared by pointer, so a
// replacement stored under the same id is never mistaken for the original.
type Session struct {
	ID           string
	Generation   string
	Phone        string
	OTP          string
	CreatedAt    time.Time
	OTPExpiresAt time.Time
	Status       Status

	tab browser.Tab
	// flowMu serializes automation on the tab.
	flowMu sync.Mutex
}

// TabID is the CDP target backing the session.
func (s *Session) TabID() string {
	if s.tab == nil {
		return ""
	}
	return s.tab.ID()
}

// Created is the result of a successful Create.
type Created struct {
	SessionID        string    `json:"session_id"`
	Generation       string    `json:"generation"`
	OTP              string    `json:"otp"`
	Phone            string    `json:"phone"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

// Verification is the result of a Verify that reached the page.
type Verification struct {
	SessionID  string `json:"session_id"`
	Verified   bool   `json:"verified"`
	OTPMatched bool   `json:"otp_matched"`
	Status     Status `json:"status"`
	Retry      bool   `json:"retry,omitempty"`
}

// Snapshot is a read-only view of a session. The OTP itself is not included.
type Snapshot struct {
	SessionID        string    `json:"session_id"`
	Generation       string    `json:"generation"`
	TabID            string    `json:"tab_id"`
	Phone            string    `json:"phone"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	OTPExpiresAt     time.Time `json:"otp_expires_at"`
	Expired          bool      `json:"expired"`
	TabAlive         bool      `json:"tab_alive"`
	AgeSeconds       int       `json:"age_seconds"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

func (s *Session) snapshot(now time.Time) Snapshot {
	remaining := s.OTPExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		SessionID:        s.ID,
		Generation:       s.Generation,
		TabID:            s.TabID(),
		Phone:            s.Phone,
		Status:           s.Status,
		CreatedAt:        s.CreatedAt,
		OTPExpiresAt:     s.OTPExpiresAt,
		Expired:          s.otpExpired(now),
		TabAlive:         s.tab != nil && s.tab.Alive(),
		AgeSeconds:       int(now.Sub(s.CreatedAt).Seconds()),
		ExpiresInSeconds: int(remaining.Seconds()),
	}
}

func (s *Session) otpExpired(now time.Time) bool {
	return !now.Before(s.OTPExpiresAt)
}
