package event

import "time"

// Event types published by the orchestrator. Convention: "category.action".
const (
	// TypeAny subscribes a handler to every event.
	TypeAny = "*"

	// TypeSessionCreated fires when a session finishes provisioning.
	TypeSessionCreated = "session.created"
	// TypeSessionStateChanged fires on every lifecycle transition.
	TypeSessionStateChanged = "session.state_changed"
	// TypeSessionFailed fires when a session enters the Failed state.
	TypeSessionFailed = "session.failed"
	// TypeSessionClosed fires when a session completes teardown.
	TypeSessionClosed = "session.closed"

	// TypeRequestCompleted fires when a session's request resolves,
	// successfully or not.
	TypeRequestCompleted = "request.completed"

	// TypeTransportLost fires when the shared agent transport breaks.
	TypeTransportLost = "transport.lost"
)

// Event is a single orchestrator event. Fields beyond Type and Time are
// populated as relevant for the event type.
type Event struct {
	Type    string
	Time    time.Time
	Session string // session name, if session-scoped
	From    string // previous state, for state_changed
	To      string // new state, for state_changed
	Request int64  // request id, for request.completed
	Err     string // human-readable cause, for failed/lost events
}

// New creates an Event of the given type stamped with the current time.
func New(eventType string) Event {
	return Event{Type: eventType, Time: time.Now()}
}

// NewSessionEvent creates a session-scoped event.
func NewSessionEvent(eventType, session string) Event {
	ev := New(eventType)
	ev.Session = session
	return ev
}

// NewStateChange creates a session.state_changed event.
func NewStateChange(session, from, to string) Event {
	ev := NewSessionEvent(TypeSessionStateChanged, session)
	ev.From = from
	ev.To = to
	return ev
}
