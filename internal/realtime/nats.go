package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"classchat/internal/domain"
)

const natsReconnectWait = 2 * time.Second

// NATSConfig configures a NATSSubscriber.
type NATSConfig struct {
	// URL is the broker address, e.g. nats://127.0.0.1:4222.
	URL string
	// SubjectPrefix is joined with the conversation id to form the
	// subscription subject.
	SubjectPrefix string
	Logger        *slog.Logger
}

// NATSSubscriber subscribes to a conversation's event stream through a NATS
// subject. Reconnects are left to the nats client; state transitions are
// forwarded as in-band connected/disconnected events.
type NATSSubscriber struct {
	url    string
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Subscriber = (*NATSSubscriber)(nil)

// NewNATSSubscriber creates a NATSSubscriber.
func NewNATSSubscriber(cfg NATSConfig) *NATSSubscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "classchat.conversation"
	}
	return &NATSSubscriber{url: cfg.URL, prefix: prefix, logger: logger}
}

// Subscribe opens the event stream for one conversation. The returned
// channel closes when ctx is cancelled or Close is called. One subscription
// at a time per subscriber.
func (s *NATSSubscriber) Subscribe(ctx context.Context, conversationID string) (<-chan domain.Event, error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil, errors.New("already subscribed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	stream := newNATSStream(s.logger)

	// RetryOnFailedConnect lets the subscription come up before the broker
	// does; the connect handler reports the moment it lands.
	nc, err := nats.Connect(s.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.ConnectHandler(func(*nats.Conn) {
			stream.emit(domain.Event{Type: domain.EventConnected})
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			s.logger.Info("nats reconnected", "url", s.url)
			stream.emit(domain.Event{Type: domain.EventConnected})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", "error", err)
			stream.emit(domain.Event{Type: domain.EventDisconnected})
		}),
	)
	if err != nil {
		cancel()
		s.clearCancel()
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	subject := s.prefix + "." + conversationID
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			s.logger.Warn("dropping invalid realtime frame", "subject", subject, "error", err)
			return
		}
		stream.emit(ev)
	})
	if err != nil {
		nc.Close()
		cancel()
		s.clearCancel()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		sub.Unsubscribe()
		nc.Close()
		stream.close()
	}()

	return stream.ch, nil
}

// Close tears down the subscription and waits for the event channel to close.
func (s *NATSSubscriber) Close() error {
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

func (s *NATSSubscriber) clearCancel() {
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

// natsStream guards the event channel against the nats client's async
// callbacks, which can still fire while the connection is being torn down.
type natsStream struct {
	ch     chan domain.Event
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newNATSStream(logger *slog.Logger) *natsStream {
	return &natsStream{ch: make(chan domain.Event, eventBuffer), logger: logger}
}

// emit never blocks: nats delivery callbacks must return promptly, so a full
// consumer loses the frame and recovers it through a history fetch.
func (st *natsStream) emit(ev domain.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	select {
	case st.ch <- ev:
	default:
		st.logger.Warn("realtime event dropped, consumer is behind", "type", ev.Type)
	}
}

func (st *natsStream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	close(st.ch)
}
