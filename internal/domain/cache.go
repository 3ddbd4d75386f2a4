package domain

import "context"

// MessageCache persists confirmed messages and failed-send drafts locally so
// a conversation renders instantly on reopen and failed sends survive a
// restart. All methods are best effort; callers log and continue on error.
type MessageCache interface {
	SaveMessages(ctx context.Context, conversationID string, msgs []Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	SaveDraft(ctx context.Context, conversationID, tempID string, draft Draft, failReason string) error
	Drafts(ctx context.Context, conversationID string) ([]FailedDraft, error)
	DeleteDraft(ctx context.Context, tempID string) error

	Close() error
}

// FailedDraft is a failed send held in the local outbox.
type FailedDraft struct {
	TempID         string
	ConversationID string
	Draft          Draft
	FailReason     string
}
