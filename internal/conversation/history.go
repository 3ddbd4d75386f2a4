package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

const defaultPageSize = 40

// HistoryConfig configures a History loader.
type HistoryConfig struct {
	Backend      domain.Backend
	Timeline     *Timeline
	Bus          *bus.Bus
	Conversation string

	// PageSize is the number of messages requested per page. Zero means 40.
	PageSize int

	Logger *slog.Logger
}

// History fetches older pages on demand and prepends them to the timeline.
// The cursor is the oldest loaded canonical id, so paging stays correct while
// new messages keep arriving at the other end.
type History struct {
	backend      domain.Backend
	timeline     *Timeline
	bus          *bus.Bus
	conversation string
	pageSize     int
	logger       *slog.Logger

	mu      sync.Mutex
	loading bool
	hasMore bool
}

// NewHistory creates a History loader. hasMore starts true; the first load
// establishes the real boundary.
func NewHistory(cfg HistoryConfig) *History {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		backend:      cfg.Backend,
		timeline:     cfg.Timeline,
		bus:          cfg.Bus,
		conversation: cfg.Conversation,
		pageSize:     pageSize,
		logger:       logger,
		hasMore:      true,
	}
}

// LoadMore fetches the page older than the oldest loaded message and prepends
// it. Re-entrant calls while a load is running, and calls after the history
// is exhausted, are no-ops returning zero. A transport error leaves hasMore
// untouched so the user can simply trigger again. Returns the number of
// messages actually inserted.
func (h *History) LoadMore(ctx context.Context) (int, error) {
	h.mu.Lock()
	if h.loading || !h.hasMore {
		h.mu.Unlock()
		return 0, nil
	}
	h.loading = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.loading = false
		h.mu.Unlock()
	}()

	// Pending entries never become cursors; an empty cursor asks for the
	// newest page, which is how the first load primes an empty timeline.
	cursor, _ := h.timeline.OldestID()

	page, err := h.backend.History(ctx, h.conversation, h.pageSize, cursor)
	if err != nil {
		return 0, fmt.Errorf("load history before %q: %w", cursor, err)
	}

	added := h.timeline.PrependPage(page.Messages)

	h.mu.Lock()
	// A short page means the server ran out even if it forgot to say so.
	h.hasMore = page.HasMore && len(page.Messages) == h.pageSize
	h.mu.Unlock()

	h.logger.Debug("history page loaded",
		"conversation", h.conversation, "cursor", cursor, "fetched", len(page.Messages), "added", added, "has_more", h.HasMore())
	if added > 0 {
		h.bus.Emit(bus.Update{Type: bus.TimelineUpdated, Conversation: h.conversation})
	}
	return added, nil
}

// HasMore reports whether older pages may remain.
func (h *History) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Loading reports whether a page fetch is in progress.
func (h *History) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}
