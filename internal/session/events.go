package session

import (
	"time"

	"github.com/xkilldash9x/otpgate/internal/observability"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventCreateFailed EventKind = "create_failed"
	EventVerified     EventKind = "verified"
	EventMismatch     EventKind = "mismatch"
	EventExpired      EventKind = "expired"
	EventClosed       EventKind = "closed"
	EventSwept        EventKind = "swept"
	EventVerifyFailed EventKind = "verify_failed"
)

// Event describes one transition. Phone is always masked.
type Event struct {
	Kind       EventKind
	SessionID  string
	Generation string
	TabID      string
	Phone      string
	Detail     string
	At         time.Time
}

// EventSink receives events synchronously from the goroutine that caused them
// and must not block.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(e Event) { f(e) }

func (m *Manager) emit(kind EventKind, s *Session, detail string) {
	e := Event{
		Kind:   kind,
		Detail: detail,
		At:     m.now(),
	}
	if s != nil {
		e.SessionID = s.ID
		e.Generation = s.Generation
		e.TabID = s.TabID()
		e.Phone = observability.MaskPhone(s.Phone)
	}
	for _, sink := range m.sinks {
		sink.HandleEvent(e)
	}
}
