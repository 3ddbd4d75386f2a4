package domain

import (
	"context"
	"io"
)

// Backend is the platform REST surface the client depends on. Implemented by
// backend.Client against the hosted API and by fakes in tests.
type Backend interface {
	// CreateMessage posts a draft and returns the canonical message.
	// Not retried internally: a duplicate POST could duplicate the message.
	CreateMessage(ctx context.Context, conversationID string, draft Draft) (*Message, error)

	// History returns up to limit messages older than beforeID (all newest
	// messages when beforeID is empty), oldest first.
	History(ctx context.Context, conversationID string, limit int, beforeID string) (*HistoryPage, error)

	// Typing signals that the current user is composing. Best effort.
	Typing(ctx context.Context, conversationID string) error

	// ToggleReaction adds or removes the current user's reaction and returns
	// the updated message.
	ToggleReaction(ctx context.Context, messageID, emoji string) (*Message, error)

	// UploadFile streams one file and returns its attachment reference.
	// progress receives 0-100 as bytes are written; may be nil.
	UploadFile(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*Attachment, error)

	// Conversation returns the caller's view of conversation metadata.
	Conversation(ctx context.Context, id string) (*ConversationInfo, error)
}
