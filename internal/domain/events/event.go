package events

import "time"

// DomainEvent is implemented by every event emitted from a domain aggregate.
// Concrete events carry their own identifying fields; the interface exposes
// only what routing and auditing require.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt records when the event was created.
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with the transport-level metadata an
// EventBus needs to route and order it.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business
	// identifier like a job ID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual domain event. The concrete type depends on
	// the EventType.
	Payload any
}
