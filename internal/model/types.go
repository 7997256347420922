// Package model holds the engine's domain types and their snapshot
// decoding.
package model

// Participant is a directory entry from the identity service.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Conversation is a two-party thread. Members is always stored sorted
// into the canonical order, so the same pair serializes identically
// regardless of who initiated. The document id is the canonical key.
type Conversation struct {
	ID                 string   `json:"-"`
	Members            []string `json:"members"`
	LastMessagePreview string   `json:"lastMessagePreview"`
	LastActivityAt     int64    `json:"lastActivityAt"` // unix ms, server-assigned
}

// Message is one entry in a conversation's message collection.
// SentAt is server-assigned and zero while the message is provisional;
// Pending marks a locally appended message not yet confirmed by a
// snapshot.
type Message struct {
	ID             string `json:"-"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sentAt"` // unix ms
	Pending        bool   `json:"-"`
}
