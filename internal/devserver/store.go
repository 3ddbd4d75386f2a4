package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classchat/internal/domain"
)

// memStore keeps every conversation in memory. Messages live in arrival
// order; pagination walks the slice backwards from a cursor. Conversations
// are created on first touch so any id a client asks for just works.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*convState
	byID  map[string]msgLoc
}

type convState struct {
	info     domain.ConversationInfo
	messages []domain.Message
	muted    map[string]bool
}

// msgLoc addresses one message by conversation and slice position. Positions
// never move because the store is append-only.
type msgLoc struct {
	conv string
	pos  int
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*convState),
		byID:  make(map[string]msgLoc),
	}
}

// Seed registers conversation metadata ahead of first use.
func (s *memStore) Seed(info domain.ConversationInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv(info.ID).info = info
}

// Info returns the caller's view of a conversation.
func (s *memStore) Info(convID, userID string) domain.ConversationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(convID)
	info := c.info
	info.Muted = c.muted[userID]
	return info
}

func (s *memStore) SetMuted(convID, userID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(convID)
	if muted {
		c.muted[userID] = true
	} else {
		delete(c.muted, userID)
	}
}

func (s *memStore) Muted(convID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv(convID).muted[userID]
}

// Append stores a message at the end of the conversation, assigning an id
// and timestamp when missing, and returns the stored copy.
func (s *memStore) Append(convID string, m domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Conversation = convID

	c := s.conv(convID)
	s.byID[m.ID] = msgLoc{conv: convID, pos: len(c.messages)}
	c.messages = append(c.messages, m)
	return cloneStored(m)
}

// Page returns up to limit messages older than beforeID, oldest first, and
// whether older messages remain beyond them. An empty cursor starts from the
// newest message.
func (s *memStore) Page(convID string, limit int, beforeID string) ([]domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(convID)
	end := len(c.messages)
	if beforeID != "" {
		loc, ok := s.byID[beforeID]
		if !ok || loc.conv != convID {
			return nil, false, fmt.Errorf("unknown cursor %q", beforeID)
		}
		end = loc.pos
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]domain.Message, 0, end-start)
	for _, m := range c.messages[start:end] {
		page = append(page, cloneStored(m))
	}
	return page, start > 0, nil
}

// ToggleReaction adds userID under emoji, or removes it when already present.
// Reactor lists stay sorted so responses are stable. The second return value
// reports whether the reaction was added; the third whether the message
// exists at all.
func (s *memStore) ToggleReaction(messageID, emoji, userID string) (domain.Message, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.byID[messageID]
	if !ok {
		return domain.Message{}, false, false
	}
	m := &s.convs[loc.conv].messages[loc.pos]

	users := m.Reactions[emoji]
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = users
			}
			return cloneStored(*m), false, true
		}
	}

	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	updated := append(append([]string(nil), users...), userID)
	sort.Strings(updated)
	m.Reactions[emoji] = updated
	return cloneStored(*m), true, true
}

// cloneStored copies the mutable parts of a message so callers can hold the
// result while the store keeps changing.
func cloneStored(m domain.Message) domain.Message {
	m.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	if m.Reactions != nil {
		out := make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out[k] = append([]string(nil), v...)
		}
		m.Reactions = out
	}
	return m
}

// conv returns the state for id, creating it on first touch. Caller holds mu.
func (s *memStore) conv(id string) *convState {
	c, ok := s.convs[id]
	if !ok {
		c = &convState{
			info:  domain.ConversationInfo{ID: id, Title: "Course chat"},
			muted: make(map[string]bool),
		}
		s.convs[id] = c
	}
	return c
}
