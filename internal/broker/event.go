package broker

import "time"

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventConnecting      EventKind = "connecting"
	EventConnected       EventKind = "connected"
	EventConnectFailed   EventKind = "connect_failed"
	EventConnectRejected EventKind = "connect_rejected"
	EventConnectionLost  EventKind = "connection_lost"
	EventDisconnected    EventKind = "disconnected"
	EventSubscribed      EventKind = "subscribed"
	EventSubscribeFailed EventKind = "subscribe_failed"
	EventMessage         EventKind = "message"
	EventPublished       EventKind = "published"
	EventPublishRejected EventKind = "publish_rejected"
	EventPublishFailed   EventKind = "publish_failed"
)

// InboundMessage is a message delivered on a subscribed topic.
type InboundMessage struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Event is emitted by a [Session] for every state transition, inbound
// message and publish outcome.
type Event struct {
	Kind EventKind
	Time time.Time
	// State is the session state after the event was applied.
	State    State
	Endpoint Endpoint
	ClientID string
	// Topic is set for subscribe and publish events.
	Topic string
	// Payload is set for publish events.
	Payload []byte
	// Message is set for EventMessage.
	Message *InboundMessage
	// Err carries the reason for failure events.
	Err error
}

// Listener receives session events. Listeners run on the session's
// dispatch path, one event at a time, and must not call Connect,
// Disconnect, Publish or Close on the same session.
type Listener func(Event)
