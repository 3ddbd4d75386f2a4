package domain

import "time"

// MessageState tracks a timeline entry through the optimistic send lifecycle.
type MessageState string

const (
	// StateConfirmed entries carry a server-assigned id.
	StateConfirmed MessageState = "confirmed"
	// StateSending entries exist only locally, keyed by TempID.
	StateSending MessageState = "sending"
	// StateFailed entries stay in the timeline until retried or discarded.
	StateFailed MessageState = "failed"
)

// Message is one entry in a conversation timeline. Confirmed messages carry
// a canonical ID; optimistic messages carry a TempID until the server echo
// replaces them in place. TempID is preserved across that replacement so
// renderers can key on it.
type Message struct {
	ID          string              `json:"id,omitempty"`
	TempID      string              `json:"-"`
	Conversation string             `json:"conversation,omitempty"`
	Author      Author              `json:"author"`
	Content     string              `json:"content"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	ReplyTo     *ReplyRef           `json:"reply_to,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	Edited      bool                `json:"edited,omitempty"`

	// Client-local send state; never on the wire.
	State      MessageState `json:"-"`
	FailReason string       `json:"-"`
}

// Pending reports whether the entry is still unconfirmed (sending or failed).
func (m *Message) Pending() bool {
	return m.State == StateSending || m.State == StateFailed
}

// Author identifies the participant who wrote a message.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AttachmentKind is the coarse media category accepted by the pipeline.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string         `json:"file_url"`
	Name     string         `json:"file_name"`
	Kind     AttachmentKind `json:"file_type"`
	Size     int64          `json:"file_size"`
	MimeType string         `json:"mime_type,omitempty"`
}

// ReplyRef is the back-reference a reply carries to its target message.
// Captured at composition time; intentionally not a thread.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	AuthorName string `json:"author_name"`
	Preview    string `json:"preview,omitempty"`
}

// Draft is the outbound body of a message create request.
type Draft struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyRef    `json:"reply_to,omitempty"`
}

// Empty reports whether the draft has neither text nor attachments.
func (d Draft) Empty() bool {
	return d.Content == "" && len(d.Attachments) == 0
}

// HistoryPage is one page of older messages, oldest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ConversationInfo is the per-caller view of a conversation's metadata.
// Muted reflects whether the current user may post.
type ConversationInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	CourseID string `json:"course_id,omitempty"`
	Muted    bool   `json:"muted"`
}

// Identity is the authenticated user as decoded from the session token.
type Identity struct {
	UserID string
	Name   string
}
