package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lit-orchestrator/internal/domain"
)

const keepAliveSeconds = 600

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string                 `json:"model"`
	Messages  []chatMessage          `json:"messages"`
	Stream    bool                   `json:"stream"`
	KeepAlive int                    `json:"keep_alive"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// OllamaGenerator sends chat messages to Ollama and returns either the full
// assistant message or an ordered stream of fragments.
type OllamaGenerator struct {
	BaseURL string
	Model   string
	Client  *http.Client
	logger  *slog.Logger
}

// NewOllamaGenerator constructs a generator for the given endpoint and model.
func NewOllamaGenerator(baseURL, model string, logger *slog.Logger, client *http.Client) *OllamaGenerator {
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	return &OllamaGenerator{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  client,
		logger:  logger,
	}
}

// Chat sends the messages and waits for the complete assistant response.
func (g *OllamaGenerator) Chat(ctx context.Context, messages []domain.ChatMessage, maxTokens int) (*domain.LLMResponse, error) {
	resp, err := g.post(ctx, messages, maxTokens, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}

	return &domain.LLMResponse{
		Text: strings.TrimSpace(chatResp.Message.Content),
		Done: chatResp.Done,
	}, nil
}

// ChatStream sends the messages and returns channels carrying the NDJSON
// fragment stream. Both channels close when the stream ends.
func (g *OllamaGenerator) ChatStream(ctx context.Context, messages []domain.ChatMessage, maxTokens int) (<-chan domain.LLMStreamChunk, <-chan error, error) {
	resp, err := g.post(ctx, messages, maxTokens, true)
	if err != nil {
		return nil, nil, err
	}

	chunkCh := make(chan domain.LLMStreamChunk, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				errCh <- fmt.Errorf("malformed stream element: %w", err)
				return
			}
			out := domain.LLMStreamChunk{
				Response: chunk.Message.Content,
				Done:     chunk.Done,
			}
			select {
			case <-ctx.Done():
				return
			case chunkCh <- out:
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("stream read failed: %w", err)
		}
	}()

	return chunkCh, errCh, nil
}

func (g *OllamaGenerator) post(ctx context.Context, messages []domain.ChatMessage, maxTokens int, stream bool) (*http.Response, error) {
	wireMessages := make([]chatMessage, len(messages))
	for i, m := range messages {
		wireMessages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	reqBody := chatRequest{
		Model:     g.Model,
		Messages:  wireMessages,
		Stream:    stream,
		KeepAlive: keepAliveSeconds,
		Options: map[string]interface{}{
			"temperature": 0.2,
		},
	}
	if maxTokens > 0 {
		reqBody.Options["num_predict"] = maxTokens
	}

	jsonPayload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", g.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call generation endpoint: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// Version returns the wrapped model name.
func (g *OllamaGenerator) Version() string {
	return g.Model
}

var _ domain.LLMClient = (*OllamaGenerator)(nil)
