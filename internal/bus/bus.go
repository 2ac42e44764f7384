package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Database operation event topics.
const (
	TopicOperationCompleted = "operation.completed"
	TopicOperationFailed    = "operation.failed"
	TopicDataChanged        = "data.changed"
)

// OperationCompletedEvent is published when a database operation finishes.
// CorrelationID is empty for fire-and-forget submissions.
type OperationCompletedEvent struct {
	CorrelationID string      // Correlation ID from the originating envelope
	Kind          string      // Operation kind (e.g. create_recording)
	Result        interface{} // Operation result, nil for void operations
}

// OperationFailedEvent is published when a database operation fails.
// Message is redacted before publication.
type OperationFailedEvent struct {
	CorrelationID string // Correlation ID from the originating envelope, may be empty
	Kind          string // Operation kind label (invalid_operation for malformed envelopes)
	Message       string // Sanitized failure description
	Err           error  // The typed error, for in-process errors.As matching
}

// DataChangedEvent is published after a successful mutating operation.
// ID is -1 when the mutation does not target a single row.
type DataChangedEvent struct {
	Entity string // Entity type hint (e.g. "recording", "folder")
	ID     int64  // Affected row id, or -1
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered creates a subscription with an explicit buffer size.
// The coordinator's result dispatcher uses a large buffer so completion events
// survive bursts; delivery is still non-blocking.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
