// Package realtime delivers conversation events over a live push channel.
// Two transports implement domain.Subscriber: a WebSocket client dialing the
// platform's event endpoint and a NATS subscriber for self-hosted brokers.
// Both reconnect on their own and report connection state in-band as local
// connected/disconnected events, so consumers see state changes in order
// with the messages around them.
package realtime

import (
	"encoding/json"
	"fmt"

	"classchat/internal/domain"
)

// eventBuffer is the per-subscription channel depth. Realtime is best
// effort: a consumer that falls this far behind recovers through a history
// fetch, not through the push channel.
const eventBuffer = 64

// decodeEvent parses one wire frame.
func decodeEvent(data []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return domain.Event{}, fmt.Errorf("event frame without type")
	}
	return ev, nil
}
