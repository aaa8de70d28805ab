package domain

import "context"

// ChatMessage is a single wire message sent to the generation backend.
type ChatMessage struct {
	Role    string
	Content string
}

// LLMResponse carries the backend output and whether generation finished.
type LLMResponse struct {
	Text string
	Done bool
}

// LLMStreamChunk is one fragment of a streamed generation.
type LLMStreamChunk struct {
	Response string
	Done     bool
}

// LLMClient defines the capability to send chat messages to the generation
// backend, either as a blocking call or as an ordered fragment stream.
type LLMClient interface {
	Chat(ctx context.Context, messages []ChatMessage, maxTokens int) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []ChatMessage, maxTokens int) (<-chan LLMStreamChunk, <-chan error, error)
	Version() string
}
