package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"classchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// wsHarness is a websocket endpoint that hands accepted connections to the
// test and records the handshake it saw.
type wsHarness struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auths chan string
	paths chan string
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{
		conns: make(chan *websocket.Conn, 4),
		auths: make(chan string, 4),
		paths: make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.auths <- r.Header.Get("Authorization")
		h.paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func nextEvent(t *testing.T, events <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func waitClosed(t *testing.T, events <-chan domain.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel did not close")
		}
	}
}

func TestWSSubscriber_DeliversEvents(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Token: "token-1", Logger: testLogger()})

	events, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.accept(t)
	if got := <-h.auths; got != "Bearer token-1" {
		t.Fatalf("authorization header = %q", got)
	}
	if got := <-h.paths; got != "/v1/conversations/conv-1/events" {
		t.Fatalf("path = %q", got)
	}

	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q, want connected", ev.Type)
	}

	frame := domain.Event{
		Type:         domain.EventMessageCreated,
		Conversation: "conv-1",
		Message:      &domain.Message{ID: "m-1", Content: "anyone got the lecture notes?"},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ev := nextEvent(t, events)
	if ev.Type != domain.EventMessageCreated {
		t.Fatalf("event type = %q", ev.Type)
	}
	if ev.Message == nil || ev.Message.ID != "m-1" {
		t.Fatalf("message payload = %+v", ev.Message)
	}
}

func TestWSSubscriber_ReportsDropAndRedials(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Token: "token-1", Logger: testLogger()})

	events, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.accept(t)
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	conn.Close()

	if ev := nextEvent(t, events); ev.Type != domain.EventDisconnected {
		t.Fatalf("after drop got %q, want disconnected", ev.Type)
	}
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("after redial got %q, want connected", ev.Type)
	}

	// Traffic flows again on the replacement connection.
	conn2 := h.accept(t)
	frame := domain.Event{Type: domain.EventTyping, Typing: &domain.TypingEvent{UserID: "user-2", UserName: "Bo"}}
	if err := conn2.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != domain.EventTyping {
		t.Fatalf("event type = %q", ev.Type)
	}
}

func TestWSSubscriber_SkipsInvalidFrames(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Logger: testLogger()})

	events, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.accept(t)
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"conversation":"conv-1"}`))
	conn.WriteJSON(domain.Event{Type: domain.EventTyping, Typing: &domain.TypingEvent{UserID: "user-2", UserName: "Bo"}})

	if ev := nextEvent(t, events); ev.Type != domain.EventTyping {
		t.Fatalf("event type = %q, want the valid frame only", ev.Type)
	}
}

func TestWSSubscriber_AnswersPing(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Logger: testLogger()})

	events, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.accept(t)
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	pongs := make(chan string, 1)
	conn.SetPongHandler(func(appData string) error {
		pongs <- appData
		return nil
	})
	// Pong handlers only run while a read is in flight.
	go conn.ReadMessage()

	if err := conn.WriteControl(websocket.PingMessage, []byte("ka"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	select {
	case data := <-pongs:
		if data != "ka" {
			t.Fatalf("pong payload = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestWSSubscriber_SubscriptionLifecycle(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Logger: testLogger()})

	events, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.Subscribe(context.Background(), "conv-1"); err == nil {
		t.Fatal("second subscribe should be rejected")
	}

	h.accept(t)
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, events)

	// The subscriber is reusable after Close.
	events2, err := sub.Subscribe(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	h.accept(t)
	if ev := nextEvent(t, events2); ev.Type != domain.EventConnected {
		t.Fatalf("first event after reopen = %q", ev.Type)
	}
	sub.Close()
	waitClosed(t, events2)
}

func TestWSSubscriber_ContextCancelClosesStream(t *testing.T) {
	h := newWSHarness(t)
	sub := NewWSSubscriber(WSConfig{BaseURL: h.srv.URL, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := sub.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.accept(t)
	if ev := nextEvent(t, events); ev.Type != domain.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	cancel()
	waitClosed(t, events)
}

func TestWSSubscriber_RejectsBadBaseURL(t *testing.T) {
	sub := NewWSSubscriber(WSConfig{BaseURL: "ftp://example.com", Logger: testLogger()})
	if _, err := sub.Subscribe(context.Background(), "conv-1"); err == nil {
		t.Fatal("expected an error for a non-http base url")
	}
}

func TestConversationEventsURL(t *testing.T) {
	cases := []struct {
		base string
		id   string
		want string
	}{
		{"http://127.0.0.1:8080", "conv-1", "ws://127.0.0.1:8080/v1/conversations/conv-1/events"},
		{"https://class.example.com", "conv-1", "wss://class.example.com/v1/conversations/conv-1/events"},
		{"https://class.example.com/api", "conv-1", "wss://class.example.com/api/v1/conversations/conv-1/events"},
		{"ws://127.0.0.1:8080", "conv-1", "ws://127.0.0.1:8080/v1/conversations/conv-1/events"},
		{"http://127.0.0.1:8080", "course 7", "ws://127.0.0.1:8080/v1/conversations/course%207/events"},
	}
	for _, tc := range cases {
		got, err := conversationEventsURL(tc.base, tc.id)
		if err != nil {
			t.Fatalf("conversationEventsURL(%q, %q): %v", tc.base, tc.id, err)
		}
		if got != tc.want {
			t.Errorf("conversationEventsURL(%q, %q) = %q, want %q", tc.base, tc.id, got, tc.want)
		}
	}

	if _, err := conversationEventsURL("ftp://example.com", "conv-1"); err == nil {
		t.Error("ftp scheme should be rejected")
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"reaction.added","reaction":{"message_id":"m-1","emoji":"👍","user_id":"user-2"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.EventReactionAdded || ev.Reaction == nil || ev.Reaction.MessageID != "m-1" {
		t.Fatalf("decoded event = %+v", ev)
	}

	if _, err := decodeEvent([]byte("{broken")); err == nil {
		t.Error("malformed json should fail")
	}
	if _, err := decodeEvent([]byte(`{"conversation":"conv-1"}`)); err == nil {
		t.Error("missing type should fail")
	}
}
