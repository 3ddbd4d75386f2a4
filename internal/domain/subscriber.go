package domain

import "context"

// Subscriber delivers realtime events for one conversation. Implementations
// own their connection lifecycle: they reconnect and resubscribe on transport
// loss, reporting state through EventConnected/EventDisconnected frames on
// the same channel so consumers observe state changes in delivery order.
//
// The returned channel is closed when ctx is cancelled or Close is called.
// Missed events during an outage are not replayed; callers reconcile through
// pagination and dedupe instead.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan Event, error)
	Close() error
}
