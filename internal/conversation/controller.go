// Package conversation implements the client side of one chat conversation:
// an ordered deduplicated timeline, optimistic sending reconciled against
// the canonical record, cursor-based history paging, typing presence and
// idempotent merging of realtime events. The Controller wires the pieces
// together and owns the subscription lifecycle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

const cachePersistTimeout = 5 * time.Second

// ErrAlreadyOpen is returned by Open on an open controller.
var ErrAlreadyOpen = errors.New("conversation already open")

// ControllerConfig configures a Controller. Backend, Subscriber, Bus,
// Conversation and Identity are required; Cache is optional.
type ControllerConfig struct {
	Backend      domain.Backend
	Subscriber   domain.Subscriber
	Cache        domain.MessageCache
	Bus          *bus.Bus
	Conversation string
	Identity     domain.Identity

	PageSize        int
	ReconcileWindow time.Duration
	TypingThrottle  time.Duration
	TypingExpiry    time.Duration

	Logger *slog.Logger
}

// Controller is the entry point for a conversation. Open loads history and
// subscribes to the realtime channel; Close releases both regardless of how
// far Open got. All reads return snapshots safe to use while events keep
// arriving.
type Controller struct {
	backend      domain.Backend
	subscriber   domain.Subscriber
	cache        domain.MessageCache
	bus          *bus.Bus
	conversation string
	identity     domain.Identity
	logger       *slog.Logger

	timeline *Timeline
	sender   *Sender
	history  *History
	tracker  *Tracker

	mu        sync.Mutex
	info      *domain.ConversationInfo
	connected bool
	opened    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewController creates a Controller. It does no I/O; call Open to start.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeline := NewTimeline()
	c := &Controller{
		backend:      cfg.Backend,
		subscriber:   cfg.Subscriber,
		cache:        cfg.Cache,
		bus:          cfg.Bus,
		conversation: cfg.Conversation,
		identity:     cfg.Identity,
		logger:       logger,
		timeline:     timeline,
	}
	c.sender = NewSender(SenderConfig{
		Backend:         cfg.Backend,
		Timeline:        timeline,
		Bus:             cfg.Bus,
		Conversation:    cfg.Conversation,
		Identity:        cfg.Identity,
		ReconcileWindow: cfg.ReconcileWindow,
		Logger:          logger,
	})
	c.history = NewHistory(HistoryConfig{
		Backend:      cfg.Backend,
		Timeline:     timeline,
		Bus:          cfg.Bus,
		Conversation: cfg.Conversation,
		PageSize:     cfg.PageSize,
		Logger:       logger,
	})
	c.tracker = NewTracker(TrackerConfig{
		Backend:      cfg.Backend,
		Bus:          cfg.Bus,
		Conversation: cfg.Conversation,
		Identity:     cfg.Identity,
		Throttle:     cfg.TypingThrottle,
		Expiry:       cfg.TypingExpiry,
		Logger:       logger,
	})
	if c.cache != nil {
		// Failed sends go to the local outbox so they survive a restart.
		cfg.Bus.On(bus.SendFailed, c.persistFailedDraft)
	}
	return c
}

// Open fetches conversation metadata, loads the first history page (falling
// back to the local cache when the server is unreachable), restores any
// failed drafts from the outbox and subscribes to the realtime channel.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	c.mu.Unlock()

	info, err := c.backend.Conversation(ctx, c.conversation)
	switch {
	case err == nil:
		c.mu.Lock()
		c.info = info
		c.mu.Unlock()
	case errors.Is(err, domain.ErrUnauthenticated),
		errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrNotFound):
		c.reopenable()
		return fmt.Errorf("open conversation %s: %w", c.conversation, err)
	default:
		c.logger.Warn("conversation info unavailable, continuing without it",
			"conversation", c.conversation, "error", err)
	}

	if _, err := c.history.LoadMore(ctx); err != nil {
		c.logger.Warn("initial history load failed, showing cached messages",
			"conversation", c.conversation, "error", err)
		c.loadCached(ctx)
	} else {
		c.persistTimeline()
	}
	c.restoreDrafts(ctx)

	scope, cancel := context.WithCancel(context.Background())
	ch, err := c.subscriber.Subscribe(scope, c.conversation)
	if err != nil {
		cancel()
		c.reopenable()
		return fmt.Errorf("subscribe %s: %w", c.conversation, err)
	}
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ch)
	c.logger.Info("conversation open", "conversation", c.conversation)
	return nil
}

// Close tears down the subscription and waits for the event loop to drain.
// Safe to call more than once. The cache stays open: it is shared across
// conversations and owned by the caller.
func (c *Controller) Close() error {
	c.mu.Lock()
	opened := c.opened
	c.opened = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if !opened {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := c.subscriber.Close()
	c.wg.Wait()
	c.tracker.Stop()
	c.logger.Info("conversation closed", "conversation", c.conversation)
	return err
}

// --- operations exposed to the UI layer ---

// Send submits a draft as an optimistic entry. Rejected while the
// conversation is muted.
func (c *Controller) Send(ctx context.Context, draft domain.Draft) (string, error) {
	if c.Muted() {
		return "", fmt.Errorf("send: %w", domain.ErrMuted)
	}
	return c.sender.Send(ctx, draft)
}

// Retry resubmits a failed entry and clears its outbox copy on success.
func (c *Controller) Retry(ctx context.Context, tempID string) (string, error) {
	if c.Muted() {
		return "", fmt.Errorf("retry: %w", domain.ErrMuted)
	}
	newTempID, err := c.sender.Retry(ctx, tempID)
	if err != nil {
		return "", err
	}
	c.deleteDraft(tempID)
	return newTempID, nil
}

// Discard drops a failed entry and its outbox copy.
func (c *Controller) Discard(tempID string) error {
	if err := c.sender.Discard(tempID); err != nil {
		return err
	}
	c.deleteDraft(tempID)
	return nil
}

// LoadMore fetches the next older history page.
func (c *Controller) LoadMore(ctx context.Context) (int, error) {
	added, err := c.history.LoadMore(ctx)
	if added > 0 {
		c.persistTimeline()
	}
	return added, err
}

// React toggles the current user's reaction and applies the server's updated
// reaction state.
func (c *Controller) React(ctx context.Context, messageID, emoji string) error {
	msg, err := c.backend.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return fmt.Errorf("react to %s: %w", messageID, err)
	}
	if c.timeline.SetReactions(messageID, msg.Reactions) {
		c.emitTimeline()
	}
	return nil
}

// SignalTyping reports local typing activity, throttled. No-op while muted.
func (c *Controller) SignalTyping(ctx context.Context) {
	if c.Muted() {
		return
	}
	c.tracker.Signal(ctx)
}

// Refresh re-fetches conversation metadata, picking up mute changes.
func (c *Controller) Refresh(ctx context.Context) error {
	info, err := c.backend.Conversation(ctx, c.conversation)
	if err != nil {
		return fmt.Errorf("refresh conversation %s: %w", c.conversation, err)
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return nil
}

// --- reads ---

// Messages returns the ordered timeline snapshot, pending entries included.
func (c *Controller) Messages() []domain.Message { return c.timeline.Messages() }

// Failed returns the failed entries awaiting retry or discard.
func (c *Controller) Failed() []domain.Message { return c.timeline.Failed() }

// Sending reports whether a send attempt is unresolved.
func (c *Controller) Sending() bool { return c.sender.Sending() }

// HasMore reports whether older history pages may remain.
func (c *Controller) HasMore() bool { return c.history.HasMore() }

// TypingPhrase returns the aggregate typing line for display.
func (c *Controller) TypingPhrase() string { return c.tracker.Phrase() }

// Connected reports the realtime channel state.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Muted reports whether the current user is muted here. Unknown metadata
// counts as not muted; the server still enforces it.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info != nil && c.info.Muted
}

// Info returns the conversation metadata, if loaded.
func (c *Controller) Info() (domain.ConversationInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return domain.ConversationInfo{}, false
	}
	return *c.info, true
}

// --- event loop ---

func (c *Controller) loop(ch <-chan domain.Event) {
	defer c.wg.Done()
	for ev := range ch {
		c.handle(ev)
	}
}

func (c *Controller) handle(ev domain.Event) {
	switch ev.Type {
	case domain.EventConnected:
		c.setConnected(true)
	case domain.EventDisconnected:
		c.setConnected(false)
	case domain.EventMessageCreated:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		var changed bool
		if msg.Author.ID == c.identity.UserID {
			changed = c.sender.ReconcileRealtime(msg)
		} else {
			changed = c.timeline.MergeRealtime(msg)
		}
		if changed {
			c.emitTimeline()
			c.persistTimeline()
		}
	case domain.EventReactionAdded:
		if ev.Reaction == nil {
			return
		}
		r := ev.Reaction
		if c.timeline.AddReaction(r.MessageID, r.Emoji, r.UserID) {
			c.emitTimeline()
		}
	case domain.EventTyping:
		if ev.Typing != nil {
			c.tracker.Observe(*ev.Typing)
		}
	default:
		c.logger.Debug("ignoring unknown realtime event", "type", ev.Type)
	}
}

func (c *Controller) setConnected(v bool) {
	c.mu.Lock()
	if c.connected == v {
		c.mu.Unlock()
		return
	}
	c.connected = v
	c.mu.Unlock()
	c.logger.Info("realtime connection changed", "conversation", c.conversation, "connected", v)
	c.bus.Emit(bus.Update{
		Type:         bus.ConnectionChanged,
		Conversation: c.conversation,
		Payload:      map[string]any{"connected": v},
	})
}

func (c *Controller) emitTimeline() {
	c.bus.Emit(bus.Update{Type: bus.TimelineUpdated, Conversation: c.conversation})
}

// --- cache plumbing, all best effort ---

// loadCached fills an empty timeline from the local cache for offline reads.
func (c *Controller) loadCached(ctx context.Context) {
	if c.cache == nil {
		return
	}
	msgs, err := c.cache.RecentMessages(ctx, c.conversation, c.history.pageSize)
	if err != nil {
		c.logger.Warn("cached messages unavailable", "conversation", c.conversation, "error", err)
		return
	}
	if added := c.timeline.PrependPage(msgs); added > 0 {
		c.logger.Info("showing cached history", "conversation", c.conversation, "messages", added)
		c.emitTimeline()
	}
}

// restoreDrafts re-appends outbox entries as failed messages.
func (c *Controller) restoreDrafts(ctx context.Context) {
	if c.cache == nil {
		return
	}
	drafts, err := c.cache.Drafts(ctx, c.conversation)
	if err != nil {
		c.logger.Warn("outbox unavailable", "conversation", c.conversation, "error", err)
		return
	}
	restored := 0
	for _, fd := range drafts {
		msg := domain.Message{
			TempID:       fd.TempID,
			Conversation: c.conversation,
			Author:       domain.Author{ID: c.identity.UserID, Name: c.identity.Name},
			Content:      fd.Draft.Content,
			Attachments:  fd.Draft.Attachments,
			ReplyTo:      fd.Draft.ReplyTo,
			CreatedAt:    time.Now(),
			State:        domain.StateFailed,
			FailReason:   fd.FailReason,
		}
		if err := c.timeline.Append(msg); err == nil {
			restored++
		}
	}
	if restored > 0 {
		c.logger.Info("restored failed sends from outbox", "conversation", c.conversation, "drafts", restored)
		c.emitTimeline()
	}
}

// persistTimeline writes the current snapshot to the cache in the
// background. The cache keeps confirmed messages only.
func (c *Controller) persistTimeline() {
	if c.cache == nil {
		return
	}
	snapshot := c.timeline.Messages()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cachePersistTimeout)
		defer cancel()
		if err := c.cache.SaveMessages(ctx, c.conversation, snapshot); err != nil {
			c.logger.Warn("persist messages", "conversation", c.conversation, "error", err)
		}
	}()
}

func (c *Controller) persistFailedDraft(u bus.Update) {
	tempID, _ := u.Payload["temp_id"].(string)
	if tempID == "" {
		return
	}
	m, ok := c.timeline.GetByTemp(tempID)
	if !ok {
		return
	}
	draft := domain.Draft{Content: m.Content, Attachments: m.Attachments, ReplyTo: m.ReplyTo}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cachePersistTimeout)
		defer cancel()
		if err := c.cache.SaveDraft(ctx, c.conversation, tempID, draft, m.FailReason); err != nil {
			c.logger.Warn("persist failed draft", "temp_id", tempID, "error", err)
		}
	}()
}

func (c *Controller) deleteDraft(tempID string) {
	if c.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cachePersistTimeout)
		defer cancel()
		if err := c.cache.DeleteDraft(ctx, tempID); err != nil {
			c.logger.Warn("delete outbox draft", "temp_id", tempID, "error", err)
		}
	}()
}

// reopenable rolls back the opened flag after a failed Open.
func (c *Controller) reopenable() {
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
}
