// File: internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/otpgate/internal/session"
)

const maxBodyBytes = 1 << 20

// Sessions is the session table as the handlers use it. *session.Manager implements it.
type Sessions interface {
	Create(ctx context.Context, id, phone string) (session.Created, error)
	Verify(ctx context.Context, id, code string) (session.Verification, error)
	Get(id string) (session.Snapshot, error)
	List() []session.Snapshot
	Close(ctx context.Context, id string) error
	CloseAll(ctx context.Context) int
	Cleanup(ctx context.Context) int
	Count() int
}

// Browser is the shared browser handle as the handlers use it. *browser.Manager implements it.
type Browser interface {
	Initialized() bool
	Connected() bool
	Shutdown(ctx context.Context) error
}

// Handlers serves the session endpoints.
type Handlers struct {
	log      *zap.Logger
	sessions Sessions
	browser  Browser
	started  time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(logger *zap.Logger, sessions Sessions, browser Browser) *Handlers {
	return &Handlers{
		log:      logger.Named("api_handlers"),
		sessions: sessions,
		browser:  browser,
		started:  time.Now(),
	}
}

// HandleCreateSession opens a session and returns the OTP the page issued.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	id := req.createKey()
	if id == "" || strings.TrimSpace(req.Phone) == "" {
		h.respondWithError(w, http.StatusBadRequest, "session_id (or chat_id/thread_id) and phone are required")
		return
	}

	created, err := h.sessions.Create(r.Context(), id, req.Phone)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithSuccess(w, createResponse{Success: true, Created: created})
}

// HandleVerifyOTP submits a code on the session's page.
func (h *Handlers) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	id := req.verifyKey()
	if id == "" || strings.TrimSpace(req.OTP) == "" {
		h.respondWithError(w, http.StatusBadRequest, "session_id (or thread_id/chat_id) and otp are required")
		return
	}

	res, err := h.sessions.Verify(r.Context(), id, req.OTP)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithSuccess(w, verifyResponse{Success: true, Verification: res})
}

// HandleGetSession returns one session by query parameter.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := firstNonEmpty(q.Get("session_id"), q.Get("chat_id"), q.Get("thread_id"))
	if id == "" {
		h.respondWithError(w, http.StatusBadRequest, "session_id (or chat_id/thread_id) query parameter is required")
		return
	}
	snap, err := h.sessions.Get(id)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithSuccess(w, getResponse{Success: true, Session: snap})
}

// HandleListSessions returns every session.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List()
	h.respondWithSuccess(w, listResponse{Success: true, Count: len(list), Sessions: list})
}

// HandleCloseSession closes one session named in the body or the query string.
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	id := firstNonEmpty(req.createKey(), q.Get("session_id"), q.Get("chat_id"), q.Get("thread_id"))
	if id == "" {
		h.respondWithError(w, http.StatusBadRequest, "session_id (or chat_id/thread_id) is required")
		return
	}
	if err := h.sessions.Close(r.Context(), id); err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithSuccess(w, closeSessionResponse{Success: true, SessionID: id, Closed: true})
}

// HandleHealth reports the browser handle and table size.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, healthResponse{
		Success: true,
		Status:  "ok",
		Browser: browserStatus{
			Initialized: h.browser.Initialized(),
			Connected:   h.browser.Connected(),
		},
		Sessions:      h.sessions.Count(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// HandleCleanup runs the stale-session sweep immediately.
func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := h.sessions.Cleanup(r.Context())
	h.respondWithSuccess(w, cleanupResponse{Success: true, Removed: removed, Remaining: h.sessions.Count()})
}

// HandleCloseAll closes every session and then the shared browser.
func (h *Handlers) HandleCloseAll(w http.ResponseWriter, r *http.Request) {
	closed := h.sessions.CloseAll(r.Context())
	if err := h.browser.Shutdown(r.Context()); err != nil {
		h.log.Warn("Browser shutdown reported an error.", zap.Error(err))
	}
	h.log.Info("Closed all sessions and the browser.", zap.Int("closed", closed))
	h.respondWithSuccess(w, closeAllResponse{Success: true, Closed: closed})
}

// decode reads an optional JSON body. An empty body decodes to the zero request.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if r.Body == nil {
		return req, true
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return req, false
	}
	return req, true
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrOTPExpired), errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithSessionError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("Session operation failed.", zap.Error(err))
	}
	h.respondWithError(w, code, err.Error())
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, h.log, statusCode, errorResponse{Success: false, Error: message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, body interface{}) {
	writeJSON(w, h.log, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
