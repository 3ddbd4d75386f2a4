package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"classchat/internal/bus"
	"classchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// fakeBackend implements domain.Backend in memory. Tests override the Fn
// hooks they care about; everything else answers with benign defaults.
type fakeBackend struct {
	mu        sync.Mutex
	creates   []domain.Draft
	histories int
	typings   int
	muted     bool
	createFn  func(ctx context.Context, draft domain.Draft) (*domain.Message, error)
	historyF  func(limit int, beforeID string) (*domain.HistoryPage, error)
	typingF   func() error
	toggleF   func(messageID, emoji string) (*domain.Message, error)
	convF     func(id string) (*domain.ConversationInfo, error)
}

var _ domain.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) CreateMessage(ctx context.Context, conversationID string, draft domain.Draft) (*domain.Message, error) {
	f.mu.Lock()
	f.creates = append(f.creates, draft)
	n := len(f.creates)
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, draft)
	}
	return &domain.Message{
		ID:           fmt.Sprintf("m-%d", n),
		Conversation: conversationID,
		Author:       domain.Author{ID: "user-1", Name: "Alice"},
		Content:      draft.Content,
		Attachments:  draft.Attachments,
		ReplyTo:      draft.ReplyTo,
		CreatedAt:    time.Now(),
	}, nil
}

func (f *fakeBackend) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeBackend) createdDraft(i int) domain.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[i]
}

func (f *fakeBackend) History(ctx context.Context, conversationID string, limit int, beforeID string) (*domain.HistoryPage, error) {
	f.mu.Lock()
	f.histories++
	fn := f.historyF
	f.mu.Unlock()
	if fn != nil {
		return fn(limit, beforeID)
	}
	return &domain.HistoryPage{}, nil
}

func (f *fakeBackend) Typing(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	f.typings++
	fn := f.typingF
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (f *fakeBackend) typingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typings
}

func (f *fakeBackend) ToggleReaction(ctx context.Context, messageID, emoji string) (*domain.Message, error) {
	f.mu.Lock()
	fn := f.toggleF
	f.mu.Unlock()
	if fn != nil {
		return fn(messageID, emoji)
	}
	return &domain.Message{
		ID:        messageID,
		Reactions: map[string][]string{emoji: {"user-1"}},
	}, nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	return &domain.Attachment{URL: "https://files.test/" + name, Name: name, Size: size, MimeType: mimeType}, nil
}

func (f *fakeBackend) Conversation(ctx context.Context, id string) (*domain.ConversationInfo, error) {
	f.mu.Lock()
	muted := f.muted
	fn := f.convF
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return &domain.ConversationInfo{ID: id, Title: "Distributed Systems Q&A", Muted: muted}, nil
}

// updateLog records bus updates for assertions.
type updateLog struct {
	mu   sync.Mutex
	list []bus.Update
}

func recordUpdates(b *bus.Bus) *updateLog {
	log := &updateLog{}
	b.On("*", func(u bus.Update) {
		log.mu.Lock()
		log.list = append(log.list, u)
		log.mu.Unlock()
	})
	return log
}

func (l *updateLog) count(updateType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.list {
		if u.Type == updateType {
			n++
		}
	}
	return n
}

func (l *updateLog) last(updateType string) (bus.Update, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.list) - 1; i >= 0; i-- {
		if l.list[i].Type == updateType {
			return l.list[i], true
		}
	}
	return bus.Update{}, false
}
