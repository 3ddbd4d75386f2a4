package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"classchat/internal/domain"
)

// ErrDuplicateEntry is returned by Append when an id or temp id is already
// present in the timeline.
var ErrDuplicateEntry = errors.New("duplicate timeline entry")

// Timeline is the ordered, deduplicated message list for one conversation.
// Entries keep arrival order: history pages go in front, everything else is
// appended, and nothing is ever re-sorted. At most one entry exists per
// canonical id and per temp id.
type Timeline struct {
	mu      sync.RWMutex
	entries []domain.Message
	byID    map[string]int
	byTemp  map[string]int
}

func NewTimeline() *Timeline {
	return &Timeline{
		byID:   make(map[string]int),
		byTemp: make(map[string]int),
	}
}

// Append adds a message at the end. Rejects ids already present.
func (t *Timeline) Append(msg domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" {
		if _, ok := t.byID[msg.ID]; ok {
			return fmt.Errorf("message %s: %w", msg.ID, ErrDuplicateEntry)
		}
	}
	if msg.TempID != "" {
		if _, ok := t.byTemp[msg.TempID]; ok {
			return fmt.Errorf("temp id %s: %w", msg.TempID, ErrDuplicateEntry)
		}
	}

	t.entries = append(t.entries, msg)
	t.index(len(t.entries) - 1)
	return nil
}

// PrependPage inserts an older page ahead of existing entries, preserving the
// page's own order and dropping any message already present. Idempotent:
// prepending the same page twice inserts nothing the second time. Returns the
// number of messages inserted.
func (t *Timeline) PrependPage(page []domain.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]domain.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		if m.ID == "" {
			continue // pages carry canonical messages only
		}
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m.State = domain.StateConfirmed
		fresh = append(fresh, m)
	}

	if len(fresh) == 0 {
		return 0
	}

	t.entries = append(fresh, t.entries...)
	t.reindex()
	return len(fresh)
}

// Replace swaps the optimistic entry for its canonical version in place, so
// the message keeps its position. The temp id is preserved on the replaced
// entry. If the canonical id already exists elsewhere (the realtime copy won
// the race), the optimistic entry is removed instead, converging on a single
// record. Returns false when no entry matches tempID.
func (t *Timeline) Replace(tempID string, canonical domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byTemp[tempID]
	if !ok {
		return false
	}

	if canonical.ID != "" {
		if dup, ok := t.byID[canonical.ID]; ok && dup != idx {
			t.removeAt(idx)
			return true
		}
	}

	canonical.TempID = tempID
	canonical.State = domain.StateConfirmed
	canonical.FailReason = ""
	t.entries[idx] = canonical
	if canonical.ID != "" {
		t.byID[canonical.ID] = idx
	}
	return true
}

// MarkFailed transitions a sending entry to failed. No-op for entries that
// were already confirmed, failed, or removed: a late transport error must
// not un-confirm a message the realtime path already resolved.
func (t *Timeline) MarkFailed(tempID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byTemp[tempID]
	if !ok || t.entries[idx].State != domain.StateSending {
		return false
	}
	t.entries[idx].State = domain.StateFailed
	t.entries[idx].FailReason = reason
	return true
}

// Remove drops a pending (sending or failed) entry. Confirmed entries are
// never removed through this path.
func (t *Timeline) Remove(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byTemp[tempID]
	if !ok || !t.entries[idx].Pending() {
		return false
	}
	t.removeAt(idx)
	return true
}

// MergeRealtime appends a pushed message unless its id is already present.
// Duplicate event delivery therefore converges to a no-op.
func (t *Timeline) MergeRealtime(msg domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID == "" {
		return false
	}
	if _, ok := t.byID[msg.ID]; ok {
		return false
	}
	msg.State = domain.StateConfirmed
	t.entries = append(t.entries, msg)
	t.index(len(t.entries) - 1)
	return true
}

// AddReaction records userID under emoji on the identified message. Unknown
// message ids and already-recorded reactors are no-ops. Reactor lists stay
// sorted so renderings are stable.
func (t *Timeline) AddReaction(messageID, emoji, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[messageID]
	if !ok {
		return false
	}
	m := &t.entries[idx]
	for _, u := range m.Reactions[emoji] {
		if u == userID {
			return false
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	updated := append(append([]string(nil), m.Reactions[emoji]...), userID)
	sort.Strings(updated)
	m.Reactions[emoji] = updated
	return true
}

// SetReactions replaces the full reaction map on a message, used when a
// reaction toggle response carries the updated server copy.
func (t *Timeline) SetReactions(messageID string, reactions map[string][]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[messageID]
	if !ok {
		return false
	}
	t.entries[idx].Reactions = cloneReactions(reactions)
	return true
}

// Messages returns an ordered snapshot safe to read while the timeline keeps
// changing.
func (t *Timeline) Messages() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = cloneMessage(m)
	}
	return out
}

// Get returns the message with the given canonical id.
func (t *Timeline) Get(id string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return cloneMessage(t.entries[idx]), true
}

// GetByTemp returns the entry with the given temp id.
func (t *Timeline) GetByTemp(tempID string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.byTemp[tempID]
	if !ok {
		return domain.Message{}, false
	}
	return cloneMessage(t.entries[idx]), true
}

// Failed returns the failed entries in timeline order.
func (t *Timeline) Failed() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.Message
	for _, m := range t.entries {
		if m.State == domain.StateFailed {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// OldestID returns the id of the oldest loaded canonical message, the cursor
// for the next history page. False when only pending entries (or nothing)
// are loaded.
func (t *Timeline) OldestID() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.entries {
		if m.ID != "" {
			return m.ID, true
		}
	}
	return "", false
}

// --- internals, caller holds t.mu ---

func (t *Timeline) index(i int) {
	if id := t.entries[i].ID; id != "" {
		t.byID[id] = i
	}
	if tid := t.entries[i].TempID; tid != "" {
		t.byTemp[tid] = i
	}
}

func (t *Timeline) reindex() {
	clear(t.byID)
	clear(t.byTemp)
	for i := range t.entries {
		t.index(i)
	}
}

func (t *Timeline) removeAt(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.reindex()
}

// cloneMessage copies the mutable parts (reactions) so snapshots do not race
// with later timeline updates.
func cloneMessage(m domain.Message) domain.Message {
	m.Reactions = cloneReactions(m.Reactions)
	return m
}

func cloneReactions(r map[string][]string) map[string][]string {
	if r == nil {
		return nil
	}
	out := make(map[string][]string, len(r))
	for k, v := range r {
		out[k] = append([]string(nil), v...)
	}
	return out
}
