package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

const defaultReconcileWindow = 5 * time.Second

var (
	// ErrSendInFlight is returned by Send while a previous attempt is still
	// unresolved. Sends are single-flight per conversation, not queued.
	ErrSendInFlight = errors.New("a send is already in flight")

	// ErrEmptyMessage is returned by Send for a draft with neither content
	// nor attachments.
	ErrEmptyMessage = errors.New("message needs content or an attachment")

	// ErrUnknownEntry is returned by Retry and Discard when no timeline
	// entry carries the given temp id.
	ErrUnknownEntry = errors.New("no entry with that id")

	// ErrNotFailed is returned by Retry and Discard for entries that are
	// still sending or already confirmed.
	ErrNotFailed = errors.New("entry is not in a failed state")
)

// attempt tracks one in-flight send. Exactly one of the HTTP response, a
// matching realtime event, and the reconcile timer resolves it; done is the
// single-assignment guard that decides the winner.
type attempt struct {
	tempID string
	cancel context.CancelFunc
	timer  *time.Timer
	done   bool
}

// SenderConfig configures a Sender. Backend, Timeline, Bus, Conversation and
// Identity are required.
type SenderConfig struct {
	Backend      domain.Backend
	Timeline     *Timeline
	Bus          *bus.Bus
	Conversation string
	Identity     domain.Identity

	// ReconcileWindow bounds how long an unconfirmed optimistic entry may
	// linger before it is dropped. Zero means the default of five seconds,
	// enough for a slow round trip plus realtime propagation.
	ReconcileWindow time.Duration

	Logger *slog.Logger
}

// Sender turns a submitted draft into an immediately visible optimistic entry
// and reconciles it with the canonical message the backend eventually
// assigns. Confirmation may arrive through the HTTP response or through the
// realtime channel, in either order; both paths converge on a single
// timeline record.
type Sender struct {
	backend      domain.Backend
	timeline     *Timeline
	bus          *bus.Bus
	conversation string
	identity     domain.Identity
	window       time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	current *attempt
}

// NewSender creates a Sender.
func NewSender(cfg SenderConfig) *Sender {
	window := cfg.ReconcileWindow
	if window <= 0 {
		window = defaultReconcileWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		backend:      cfg.Backend,
		timeline:     cfg.Timeline,
		bus:          cfg.Bus,
		conversation: cfg.Conversation,
		identity:     cfg.Identity,
		window:       window,
		logger:       logger,
	}
}

// Send appends an optimistic entry for the draft and starts the create
// request in the background. It returns the entry's temp id without waiting
// for the network; resolution is reported through bus updates. While an
// attempt is unresolved further sends return ErrSendInFlight.
func (s *Sender) Send(ctx context.Context, draft domain.Draft) (string, error) {
	if draft.Empty() {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return "", ErrSendInFlight
	}
	tempID := uuid.NewString()
	pending := domain.Message{
		TempID:       tempID,
		Conversation: s.conversation,
		Author:       domain.Author{ID: s.identity.UserID, Name: s.identity.Name},
		Content:      draft.Content,
		Attachments:  draft.Attachments,
		ReplyTo:      draft.ReplyTo,
		CreatedAt:    time.Now(),
		State:        domain.StateSending,
	}
	if err := s.timeline.Append(pending); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("append optimistic entry: %w", err)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	at := &attempt{tempID: tempID, cancel: cancel}
	at.timer = time.AfterFunc(s.window, func() { s.timedOut(at) })
	s.current = at
	s.mu.Unlock()

	s.logger.Debug("send started", "conversation", s.conversation, "temp_id", tempID)
	s.emitTimeline()

	go s.deliver(reqCtx, at, draft)
	return tempID, nil
}

// Sending reports whether a send attempt is currently unresolved.
func (s *Sender) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Retry resubmits a failed entry as a fresh send carrying the identical
// content, attachments and reply target. The failed copy is removed only
// after the new attempt is in the timeline, so a rejected retry never loses
// the original draft.
func (s *Sender) Retry(ctx context.Context, tempID string) (string, error) {
	m, ok := s.timeline.GetByTemp(tempID)
	if !ok {
		return "", fmt.Errorf("retry %q: %w", tempID, ErrUnknownEntry)
	}
	if m.State != domain.StateFailed {
		return "", fmt.Errorf("retry %q: %w", tempID, ErrNotFailed)
	}
	draft := domain.Draft{Content: m.Content, Attachments: m.Attachments, ReplyTo: m.ReplyTo}

	newTempID, err := s.Send(ctx, draft)
	if err != nil {
		return "", err
	}
	if s.timeline.Remove(tempID) {
		s.emitTimeline()
	}
	return newTempID, nil
}

// Discard drops a failed entry from the timeline.
func (s *Sender) Discard(tempID string) error {
	m, ok := s.timeline.GetByTemp(tempID)
	if !ok {
		return fmt.Errorf("discard %q: %w", tempID, ErrUnknownEntry)
	}
	if m.State != domain.StateFailed {
		return fmt.Errorf("discard %q: %w", tempID, ErrNotFailed)
	}
	s.timeline.Remove(tempID)
	s.emitTimeline()
	return nil
}

// ReconcileRealtime applies a pushed message authored by the current user.
// The push carries no temp id, so when one send is in flight and the body
// lines up with its optimistic entry, that entry is resolved in place and
// keeps its position. Anything else goes through the normal idempotent
// merge. Returns true when the timeline changed; the caller owns the
// timeline-update notification.
func (s *Sender) ReconcileRealtime(msg domain.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, ok := s.timeline.Get(msg.ID); ok {
		return false
	}

	s.mu.Lock()
	at := s.current
	s.mu.Unlock()

	if at != nil && s.matchesPending(at.tempID, msg) && s.finish(at) {
		if !s.timeline.Replace(at.tempID, msg) {
			s.timeline.MergeRealtime(msg)
		}
		s.logger.Debug("send confirmed via realtime", "conversation", s.conversation, "temp_id", at.tempID, "id", msg.ID)
		s.bus.Emit(bus.Update{
			Type:         bus.SendConfirmed,
			Conversation: s.conversation,
			Payload:      map[string]any{"id": msg.ID, "temp_id": at.tempID},
		})
		return true
	}
	return s.timeline.MergeRealtime(msg)
}

// deliver runs the create request and routes its outcome.
func (s *Sender) deliver(ctx context.Context, at *attempt, draft domain.Draft) {
	msg, err := s.backend.CreateMessage(ctx, s.conversation, draft)
	if err != nil {
		s.fail(at, err)
		return
	}
	s.confirm(at, *msg)
}

// confirm resolves the attempt with the canonical message from the HTTP
// response.
func (s *Sender) confirm(at *attempt, msg domain.Message) {
	if !s.finish(at) {
		// Another path resolved the attempt first. If the timer already
		// dropped the optimistic entry, merging keeps the late success
		// visible; if the realtime event won, this is a no-op.
		if s.timeline.MergeRealtime(msg) {
			s.emitTimeline()
		}
		return
	}
	if !s.timeline.Replace(at.tempID, msg) {
		s.timeline.MergeRealtime(msg)
	}
	s.logger.Debug("send confirmed", "conversation", s.conversation, "temp_id", at.tempID, "id", msg.ID)
	s.bus.Emit(bus.Update{
		Type:         bus.SendConfirmed,
		Conversation: s.conversation,
		Payload:      map[string]any{"id": msg.ID, "temp_id": at.tempID},
	})
	s.emitTimeline()
}

// fail marks the optimistic entry failed so the user can retry or discard.
func (s *Sender) fail(at *attempt, err error) {
	if !s.finish(at) {
		// Confirmed through realtime, or already reconciled by the timer.
		// A late transport error must not un-confirm the message.
		return
	}
	reason := failReason(err)
	s.logger.Warn("send failed", "conversation", s.conversation, "temp_id", at.tempID, "error", err)
	if s.timeline.MarkFailed(at.tempID, reason) {
		s.bus.Emit(bus.Update{
			Type:         bus.SendFailed,
			Conversation: s.conversation,
			Payload:      map[string]any{"temp_id": at.tempID, "reason": reason},
		})
		s.emitTimeline()
	}
}

// timedOut fires when the reconcile window elapses with no confirmation from
// either path. The still-sending entry is dropped rather than marked failed:
// the server may well have persisted the message, and a later realtime event
// or history page restores the canonical copy, which the merge dedupes.
func (s *Sender) timedOut(at *attempt) {
	if !s.finish(at) {
		return
	}
	if s.timeline.Remove(at.tempID) {
		s.logger.Warn("send unconfirmed within reconcile window, dropping optimistic entry",
			"conversation", s.conversation, "temp_id", at.tempID, "window", s.window)
		s.emitTimeline()
	}
}

// finish claims the attempt for the calling path. The first caller wins,
// stops the timer, cancels the request context and frees the send slot;
// later callers see false and stand down.
func (s *Sender) finish(at *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.done {
		return false
	}
	at.done = true
	at.timer.Stop()
	at.cancel()
	if s.current == at {
		s.current = nil
	}
	return true
}

// matchesPending reports whether a pushed canonical message looks like the
// confirmation of the optimistic entry with the given temp id.
func (s *Sender) matchesPending(tempID string, msg domain.Message) bool {
	m, ok := s.timeline.GetByTemp(tempID)
	if !ok || m.State != domain.StateSending {
		return false
	}
	return m.Content == msg.Content && len(m.Attachments) == len(msg.Attachments)
}

func (s *Sender) emitTimeline() {
	s.bus.Emit(bus.Update{Type: bus.TimelineUpdated, Conversation: s.conversation})
}

// failReason turns a send error into the short inline text shown on the
// failed bubble. Server-reported errors keep the server's wording.
func failReason(err error) string {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "could not reach the server"
}
