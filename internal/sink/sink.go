// Package sink defines the Broadcast Sink capability (spec section 6): the
// abstraction the core uses to deliver frame/status/error events to every
// current subscriber of a stream id, without owning the subscriber set
// itself.
package sink

// EventType distinguishes the three event kinds the core ever publishes.
type EventType string

const (
	EventFrame  EventType = "frame"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Event is one message published to a stream's subscribers. Frame is a
// base64-encoded whole JPEG (spec section 6); Message carries the text for
// status/error events.
type Event struct {
	Type     EventType
	StreamID string
	Frame    string
	Message  string
}

// Sink is the abstract capability a Stream Session uses to push events to
// all current subscribers of a stream id. Implementations (e.g. the
// WebSocket edge) own the actual subscriber set; the core holds only a
// Sink reference and an integer client count.
//
// Publish is treated as non-blocking best-effort by the core: a slow or
// failing delivery must not stall the pump. Implementations should buffer,
// drop, or fan out asynchronously as they see fit and return promptly.
type Sink interface {
	Publish(Event) error
}

// Func adapts a plain function to the Sink interface.
type Func func(Event) error

func (f Func) Publish(e Event) error { return f(e) }

// Discard is a Sink that accepts and drops every event; useful for sessions
// created in tests that don't care about delivery.
var Discard Sink = Func(func(Event) error { return nil })
