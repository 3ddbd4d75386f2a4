package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classchat/internal/domain"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteWait        = 10 * time.Second

	// wsReadIdleTimeout is how long the connection may stay silent before
	// it counts as dead. The server pings well inside this window.
	wsReadIdleTimeout = 90 * time.Second

	wsMaxRedialWait = 30 * time.Second
)

var wsDialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: wsHandshakeTimeout,
}

// WSConfig configures a WSSubscriber.
type WSConfig struct {
	// BaseURL is the platform root, http(s); the ws(s) scheme is derived.
	BaseURL string
	Token   string
	Logger  *slog.Logger
}

// WSSubscriber subscribes to a conversation's event stream over WebSocket.
// It redials with backoff for as long as the subscription context lives and
// reports every transition as an in-band connected/disconnected event.
type WSSubscriber struct {
	baseURL string
	token   string
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Subscriber = (*WSSubscriber)(nil)

// NewWSSubscriber creates a WSSubscriber.
func NewWSSubscriber(cfg WSConfig) *WSSubscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSubscriber{baseURL: cfg.BaseURL, token: cfg.Token, logger: logger}
}

// Subscribe opens the event stream for one conversation. The returned
// channel closes when ctx is cancelled or Close is called. One subscription
// at a time per subscriber.
func (s *WSSubscriber) Subscribe(ctx context.Context, conversationID string) (<-chan domain.Event, error) {
	wsURL, err := conversationEventsURL(s.baseURL, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil, errors.New("already subscribed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	events := make(chan domain.Event, eventBuffer)
	s.wg.Add(1)
	go s.run(runCtx, wsURL, events)
	return events, nil
}

// Close stops the dial loop and waits for the event channel to close.
func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

// run owns the connection lifecycle: dial, pump, report, redial.
func (s *WSSubscriber) run(ctx context.Context, wsURL string, events chan<- domain.Event) {
	defer s.wg.Done()
	defer close(events)

	attempt := 0
	for ctx.Err() == nil {
		conn, err := s.dial(ctx, wsURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			wait := redialWait(attempt)
			s.logger.Warn("realtime dial failed", "url", wsURL, "attempt", attempt, "retry_in", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		s.logger.Info("realtime connected", "url", wsURL)
		s.emit(ctx, events, domain.Event{Type: domain.EventConnected})

		err = s.pump(ctx, conn, events)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("realtime disconnected, redialing", "error", err)
		s.emit(ctx, events, domain.Event{Type: domain.EventDisconnected})
	}
}

func (s *WSSubscriber) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// pump reads frames until the connection dies or ctx ends.
func (s *WSSubscriber) pump(ctx context.Context, conn *websocket.Conn, events chan<- domain.Event) error {
	// Unblock the blocking read when the subscription is torn down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadIdleTimeout))

		ev, err := decodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping invalid realtime frame", "error", err)
			continue
		}
		s.emit(ctx, events, ev)
	}
}

func (s *WSSubscriber) emit(ctx context.Context, events chan<- domain.Event, ev domain.Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// redialWait grows quadratically with a cap, same shape as the HTTP retry
// backoff.
func redialWait(attempt int) time.Duration {
	wait := time.Duration(attempt*attempt) * time.Second
	if wait > wsMaxRedialWait {
		wait = wsMaxRedialWait
	}
	return wait
}

// conversationEventsURL turns the platform base URL into the ws(s) endpoint
// for one conversation's event stream.
func conversationEventsURL(baseURL, conversationID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base url", u.Scheme)
	}
	return u.JoinPath("v1", "conversations", conversationID, "events").String(), nil
}
