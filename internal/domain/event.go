package domain

// Realtime event types pushed by the platform on a conversation channel.
const (
	EventMessageCreated = "message.created"
	EventReactionAdded  = "reaction.added"
	EventTyping         = "typing"

	// Emitted locally by transports when the connection state changes;
	// never sent by the platform.
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Event is one frame on the realtime channel. Exactly one payload field is
// set, selected by Type.
type Event struct {
	Type         string         `json:"type"`
	Conversation string         `json:"conversation,omitempty"`
	Message      *Message       `json:"message,omitempty"`
	Reaction     *ReactionEvent `json:"reaction,omitempty"`
	Typing       *TypingEvent   `json:"typing,omitempty"`
}

// ReactionEvent announces a reaction added to a message.
type ReactionEvent struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
}

// TypingEvent announces that a participant is composing.
type TypingEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}
