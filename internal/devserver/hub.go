package devserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classchat/internal/domain"
	"classchat/internal/metrics"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 30 * time.Second
)

// eventHub fans conversation events out to websocket subscribers. Writes to
// one socket are serialized through a per-client mutex; a slow client stalls
// only its own deliveries.
type eventHub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	conn         *websocket.Conn
	conversation string
	mu           sync.Mutex
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		clients: make(map[string]*hubClient),
	}
}

// add registers a subscriber for one conversation and returns its client id.
func (h *eventHub) add(conversation string, conn *websocket.Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.clients[id] = &hubClient{conn: conn, conversation: conversation}
	h.mu.Unlock()
	return id
}

func (h *eventHub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// broadcast delivers an event to every subscriber of the conversation. The
// frame is marshalled once; write errors are logged and left for the read
// loop to surface as a disconnect.
func (h *eventHub) broadcast(conversation string, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if c.conversation != conversation {
			continue
		}
		if err := c.write(data); err != nil {
			h.logger.Warn("event delivery failed", "client", id, "error", err)
			continue
		}
		metrics.EventsFanned.Inc()
	}
}

// closeAll tears down every subscriber socket, typically at shutdown.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
}

func (c *hubClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
