package session

import "errors"

var (
	// ErrSessionNotFound is returned when no session is stored under the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOTPExpired is returned by Verify once the OTP TTL has elapsed. The session is closed.
	ErrOTPExpired = errors.New("otp expired")
	// ErrSessionClosed is returned when the session's tab is gone. The session is closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrAutomation wraps any failure driving the browser.
	ErrAutomation = errors.New("browser automation failed")
	// ErrInvalidArgument is returned for an empty id, phone or code.
	ErrInvalidArgument = errors.New("invalid argument")
)
