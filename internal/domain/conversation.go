package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn entry, owned exclusively by its Conversation.
// Assistant messages record which sources and representative chunks were
// cited, which supports retrieving historically cited passages in later turns.
type Message struct {
	Role           string
	Content        string
	CitedSourceIDs []string
	CitedChunkIDs  []uuid.UUID
}

// Conversation is the per-conversation unit of state: ordered history plus the
// stable source-id to citation mapping.
type Conversation struct {
	ID     string
	UserID string

	Messages []Message

	// Ordinals maps source id to its assigned citation number. FirstSeen
	// records assignment order explicitly rather than relying on map
	// iteration order.
	Ordinals  map[string]int
	Citations map[string]Citation
	FirstSeen []string

	CreatedAt  time.Time
	LastAccess time.Time
}
