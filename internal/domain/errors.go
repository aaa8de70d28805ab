package domain

import "errors"

// Sentinel errors for the orchestration core. Callers classify failures with
// errors.Is; the HTTP layer maps them to response statuses.
var (
	// ErrRetrievalFailed marks embedding or vector-store failures. Fatal for
	// the turn, no partial results.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrGenerationFailed marks backend errors or a malformed stream. Fatal,
	// triggers rollback of the optimistic user message.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrTimeout marks a turn that exceeded its deadline. Fatal, triggers
	// rollback.
	ErrTimeout = errors.New("turn deadline exceeded")

	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationExists is returned when creating a conversation with an
	// id that is already present.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrEmptyHistory is returned by rollback when there is nothing to remove.
	ErrEmptyHistory = errors.New("conversation has no messages")

	// ErrUnauthorized marks a conversation that exists under another owner.
	ErrUnauthorized = errors.New("conversation owned by another user")
)
