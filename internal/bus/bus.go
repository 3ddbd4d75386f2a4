// Package bus is the in-process notification channel between the
// conversation pipeline and whatever renders it. Handlers must not block:
// they run on the emitting goroutine.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Update types emitted by the pipeline.
const (
	TimelineUpdated   = "timeline.updated"
	TypingUpdated     = "typing.updated"
	ConnectionChanged = "connection.changed"
	UploadsUpdated    = "uploads.updated"
	SendConfirmed     = "send.confirmed"
	SendFailed        = "send.failed"
)

// Update is one change notification. Payload carries small event-specific
// values (e.g. "connected": bool); renderers read current state from the
// pipeline itself, not from the payload.
type Update struct {
	Type         string
	Conversation string
	Payload      map[string]any
	Timestamp    time.Time
}

// Handler is a callback for updates.
type Handler func(Update)

type namedHandler struct {
	id string
	fn Handler
}

// Bus fans updates out to registered handlers. Use "*" to receive all types.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	nextID   int
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given update type ("*" for all).
// Returns an id for Off.
func (b *Bus) On(updateType string, fn Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := updateType + "-" + strconv.Itoa(b.nextID)
	b.handlers[updateType] = append(b.handlers[updateType], namedHandler{id: id, fn: fn})
	return id
}

// Off removes a handler by its id.
func (b *Bus) Off(updateType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[updateType]
	for i, h := range handlers {
		if h.id == id {
			b.handlers[updateType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers an update to all matching handlers, synchronously and in
// registration order. A panicking handler is logged and skipped so one bad
// renderer cannot take the pipeline down.
func (b *Bus) Emit(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]namedHandler, 0, len(b.handlers[u.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[u.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("update handler panic", "update", u.Type, "handler", nh.id, "panic", r)
				}
			}()
			nh.fn(u)
		}(h)
	}
}
