// File: internal/api/types.go
package api

import (
	"strings"

	"github.com/xkilldash9x/otpgate/internal/session"
)

// sessionRequest is the body accepted by the session endpoints. Callers key
// sessions by whichever identifier their integration already has.
type sessionRequest struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	ThreadID  string `json:"thread_id"`
	Phone     string `json:"phone"`
	OTP       string `json:"otp"`
}

// createKey resolves the id for create requests: session_id, then chat_id, then thread_id.
func (r sessionRequest) createKey() string {
	return firstNonEmpty(r.SessionID, r.ChatID, r.ThreadID)
}

// verifyKey resolves the id for verify requests: session_id, then thread_id, then chat_id.
func (r sessionRequest) verifyKey() string {
	return firstNonEmpty(r.SessionID, r.ThreadID, r.ChatID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type createResponse struct {
	Success bool `json:"success"`
	session.Created
}

type verifyResponse struct {
	Success bool `json:"success"`
	session.Verification
}

type getResponse struct {
	Success bool             `json:"success"`
	Session session.Snapshot `json:"session"`
}

type listResponse struct {
	Success  bool               `json:"success"`
	Count    int                `json:"count"`
	Sessions []session.Snapshot `json:"sessions"`
}

type closeSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Closed    bool   `json:"closed"`
}

type browserStatus struct {
	Initialized bool `json:"initialized"`
	Connected   bool `json:"connected"`
}

type healthResponse struct {
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	Browser       browserStatus `json:"browser"`
	Sessions      int           `json:"sessions"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

type cleanupResponse struct {
	Success   bool `json:"success"`
	Removed   int  `json:"removed"`
	Remaining int  `json:"remaining"`
}

type closeAllResponse struct {
	Success bool `json:"success"`
	Closed  int  `json:"closed"`
}
