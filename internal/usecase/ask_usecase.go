package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lit-orchestrator/internal/conversation"
	"lit-orchestrator/internal/domain"
)

// AskInput encapsulates one conversational turn request.
type AskInput struct {
	Message        string
	ConversationID string
	UserID         string

	// Retrieval knobs; zero values use configured defaults.
	TopK         int
	TopN         int
	UseReranker  bool
	ExpandChunks bool
	ChunksPerDoc int

	// IncludeHistoryCitations adds passages cited in earlier assistant turns
	// to the prompt context.
	IncludeHistoryCitations bool

	MaxTokens int
}

// AskOutput is the completed turn.
type AskOutput struct {
	ConversationID string
	// Answer is the display text: filtered body with source markers rewritten
	// to conversation ordinals.
	Answer string
	// RawText is the complete backend output, as recorded in history.
	RawText   string
	Citations []domain.Citation
}

// AskUsecase runs the turn pipeline: retrieve, generate, filter, link, commit.
type AskUsecase interface {
	Execute(ctx context.Context, input AskInput) (*AskOutput, error)
	Stream(ctx context.Context, input AskInput) <-chan StreamEvent
}

type StreamEventKind string

const (
	StreamEventKindStart    StreamEventKind = "start"
	StreamEventKindToken    StreamEventKind = "token"
	StreamEventKindComplete StreamEventKind = "complete"
	StreamEventKindError    StreamEventKind = "error"
)

// StreamEvent is one element of the turn event stream. Token events carry
// only filtered answer text; the complete event carries the full AskOutput.
type StreamEvent struct {
	Kind    StreamEventKind
	Payload interface{}
}

// StreamStart is the payload of the start event.
type StreamStart struct {
	ConversationID string
}

type askUsecase struct {
	retrieve      RetrievePassagesUsecase
	promptBuilder PromptBuilder
	llmClient     domain.LLMClient
	store         *conversation.Store
	linker        *CitationLinker
	maxTokens     int
	turnTimeout   time.Duration
	logger        *slog.Logger
}

// NewAskUsecase wires together the components needed to answer a turn.
func NewAskUsecase(
	retrieve RetrievePassagesUsecase,
	promptBuilder PromptBuilder,
	llmClient domain.LLMClient,
	store *conversation.Store,
	linker *CitationLinker,
	maxTokens int,
	turnTimeout time.Duration,
	logger *slog.Logger,
) AskUsecase {
	return &askUsecase{
		retrieve:      retrieve,
		promptBuilder: promptBuilder,
		llmClient:     llmClient,
		store:         store,
		linker:        linker,
		maxTokens:     maxTokens,
		turnTimeout:   turnTimeout,
		logger:        logger,
	}
}

// preparedTurn carries the state assembled before generation starts. The user
// message has already been appended optimistically; every failure path after
// this point must roll it back.
type preparedTurn struct {
	conversationID string
	passages       []domain.Passage
	messages       []domain.ChatMessage
}

func (u *askUsecase) prepareTurn(ctx context.Context, input AskInput) (*preparedTurn, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	var history []domain.Message
	conversationID := input.ConversationID
	if conversationID == "" {
		id, err := u.store.Create(input.UserID, "")
		if err != nil {
			return nil, err
		}
		conversationID = id
	} else {
		conv := u.store.Get(conversationID, input.UserID)
		if conv == nil {
			// The owner filter reports absence; a second unauthenticated
			// lookup distinguishes "not found" from "owned by someone else".
			if input.UserID != "" && u.store.Get(conversationID, "") != nil {
				return nil, domain.ErrUnauthorized
			}
			return nil, domain.ErrConversationNotFound
		}
		history = conv.Messages
	}

	if err := u.store.AddMessage(conversationID, domain.RoleUser, input.Message, nil, nil); err != nil {
		return nil, err
	}

	passages, err := u.retrieve.Execute(ctx, RetrievePassagesInput{
		Query:        input.Message,
		TopK:         input.TopK,
		TopN:         input.TopN,
		UseReranker:  input.UseReranker,
		ExpandChunks: input.ExpandChunks,
		ChunksPerDoc: input.ChunksPerDoc,
	})
	if err != nil {
		u.rollback(conversationID, "retrieval")
		return nil, err
	}

	if input.IncludeHistoryCitations {
		cited, err := u.fetchHistoryCitations(ctx, history)
		if err != nil {
			u.rollback(conversationID, "history citations")
			return nil, err
		}
		passages = mergePassages(cited, passages)
	}

	if len(passages) == 0 {
		u.rollback(conversationID, "empty retrieval")
		return nil, fmt.Errorf("%w: no passages retrieved", domain.ErrRetrievalFailed)
	}

	messages, err := u.promptBuilder.Build(PromptInput{
		Query:    input.Message,
		Passages: passages,
		History:  history,
	})
	if err != nil {
		u.rollback(conversationID, "prompt build")
		return nil, fmt.Errorf("%w: build prompt: %w", domain.ErrGenerationFailed, err)
	}

	return &preparedTurn{
		conversationID: conversationID,
		passages:       passages,
		messages:       messages,
	}, nil
}

func (u *askUsecase) Execute(ctx context.Context, input AskInput) (*AskOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, u.turnTimeout)
	defer cancel()

	turn, err := u.prepareTurn(ctx, input)
	if err != nil {
		return nil, err
	}

	resp, err := u.llmClient.Chat(ctx, turn.messages, u.resolveMaxTokens(input))
	if err != nil {
		u.rollback(turn.conversationID, "generation")
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrGenerationFailed, err)
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		u.rollback(turn.conversationID, "empty generation")
		return nil, fmt.Errorf("%w: backend returned empty response", domain.ErrGenerationFailed)
	}

	filter := NewAnswerStreamFilter()
	filter.Feed(resp.Text)
	filter.Flush()

	return u.commitTurn(turn, filter.RawText())
}

func (u *askUsecase) Stream(ctx context.Context, input AskInput) <-chan StreamEvent {
	events := make(chan StreamEvent, 4)
	go func() {
		defer close(events)

		ctx, cancel := context.WithTimeout(ctx, u.turnTimeout)
		defer cancel()

		turn, err := u.prepareTurn(ctx, input)
		if err != nil {
			u.sendEvent(ctx, events, StreamEvent{Kind: StreamEventKindError, Payload: err})
			return
		}

		if !u.sendEvent(ctx, events, StreamEvent{
			Kind:    StreamEventKindStart,
			Payload: StreamStart{ConversationID: turn.conversationID},
		}) {
			u.rollback(turn.conversationID, "client disconnected")
			return
		}

		chunkCh, errCh, err := u.llmClient.ChatStream(ctx, turn.messages, u.resolveMaxTokens(input))
		if err != nil {
			u.rollback(turn.conversationID, "stream setup")
			u.sendEvent(ctx, events, StreamEvent{
				Kind:    StreamEventKindError,
				Payload: fmt.Errorf("%w: %w", domain.ErrGenerationFailed, err),
			})
			return
		}

		filter := NewAnswerStreamFilter()
		chunkStream := chunkCh
		errStream := errCh
		done := false

		for !done && (chunkStream != nil || errStream != nil) {
			select {
			case <-ctx.Done():
				u.rollback(turn.conversationID, "deadline or disconnect")
				errOut := error(domain.ErrGenerationFailed)
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					errOut = domain.ErrTimeout
				}
				u.sendEvent(context.Background(), events, StreamEvent{Kind: StreamEventKindError, Payload: errOut})
				return

			case chunk, ok := <-chunkStream:
				if !ok {
					chunkStream = nil
					continue
				}
				for _, frag := range filter.Feed(chunk.Response) {
					if !u.sendEvent(ctx, events, StreamEvent{Kind: StreamEventKindToken, Payload: frag}) {
						u.rollback(turn.conversationID, "client disconnected")
						return
					}
				}
				if chunk.Done {
					done = true
				}

			case streamErr, ok := <-errStream:
				if !ok {
					errStream = nil
					continue
				}
				u.rollback(turn.conversationID, "stream error")
				u.sendEvent(ctx, events, StreamEvent{
					Kind:    StreamEventKindError,
					Payload: fmt.Errorf("%w: %w", domain.ErrGenerationFailed, streamErr),
				})
				return
			}
		}

		for _, frag := range filter.Flush() {
			if !u.sendEvent(ctx, events, StreamEvent{Kind: StreamEventKindToken, Payload: frag}) {
				u.rollback(turn.conversationID, "client disconnected")
				return
			}
		}

		raw := filter.RawText()
		if strings.TrimSpace(raw) == "" {
			u.rollback(turn.conversationID, "empty stream")
			u.sendEvent(ctx, events, StreamEvent{
				Kind:    StreamEventKindError,
				Payload: fmt.Errorf("%w: stream produced no data", domain.ErrGenerationFailed),
			})
			return
		}

		output, err := u.commitTurn(turn, raw)
		if err != nil {
			u.sendEvent(ctx, events, StreamEvent{Kind: StreamEventKindError, Payload: err})
			return
		}
		u.sendEvent(ctx, events, StreamEvent{Kind: StreamEventKindComplete, Payload: output})
	}()
	return events
}

// commitTurn resolves citations from the raw text and records the assistant
// message. Citation ordinals are consumed only here, after the full response
// is known, so a failed turn never burns numbers.
func (u *askUsecase) commitTurn(turn *preparedTurn, raw string) (*AskOutput, error) {
	citations, err := u.linker.ExtractAndResolve(raw, turn.passages, turn.conversationID)
	if err != nil {
		u.rollback(turn.conversationID, "citation resolution")
		return nil, err
	}

	sourceIDs := make([]string, len(citations))
	chunkIDs := make([]uuid.UUID, len(citations))
	for i, c := range citations {
		sourceIDs[i] = c.SourceID
		chunkIDs[i] = c.ChunkID
	}
	if err := u.store.AddMessage(turn.conversationID, domain.RoleAssistant, raw, sourceIDs, chunkIDs); err != nil {
		u.rollback(turn.conversationID, "record assistant message")
		return nil, err
	}

	ordinals, err := u.store.Ordinals(turn.conversationID)
	if err != nil {
		return nil, err
	}

	u.logger.Info("turn_completed",
		slog.String("conversation_id", turn.conversationID),
		slog.Int("citation_count", len(citations)),
		slog.Int("passage_count", len(turn.passages)))

	return &AskOutput{
		ConversationID: turn.conversationID,
		Answer:         RewriteForDisplay(raw, ordinals),
		RawText:        raw,
		Citations:      citations,
	}, nil
}

func (u *askUsecase) fetchHistoryCitations(ctx context.Context, history []domain.Message) ([]domain.Passage, error) {
	var chunkIDs []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	for _, m := range history {
		if m.Role != domain.RoleAssistant {
			continue
		}
		for _, id := range m.CitedChunkIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			chunkIDs = append(chunkIDs, id)
		}
	}
	return u.retrieve.FetchCitedPassages(ctx, chunkIDs)
}

func (u *askUsecase) resolveMaxTokens(input AskInput) int {
	if input.MaxTokens > 0 {
		return input.MaxTokens
	}
	return u.maxTokens
}

// rollback removes the optimistically appended user message so history never
// keeps an orphaned question.
func (u *askUsecase) rollback(conversationID, stage string) {
	if _, err := u.store.DeleteLastMessage(conversationID); err != nil {
		u.logger.Warn("turn_rollback_failed",
			slog.String("conversation_id", conversationID),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		return
	}
	u.logger.Info("turn_rolled_back",
		slog.String("conversation_id", conversationID),
		slog.String("stage", stage))
}

func (u *askUsecase) sendEvent(ctx context.Context, events chan<- StreamEvent, event StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		return true
	}
}

// mergePassages prepends cited passages to the retrieved set, deduplicating
// by chunk id with the retrieved entry winning (it carries a score).
func mergePassages(cited, retrieved []domain.Passage) []domain.Passage {
	retrievedIDs := make(map[uuid.UUID]struct{}, len(retrieved))
	for _, p := range retrieved {
		retrievedIDs[p.ChunkID] = struct{}{}
	}
	var merged []domain.Passage
	for _, p := range cited {
		if _, dup := retrievedIDs[p.ChunkID]; dup {
			continue
		}
		merged = append(merged, p)
	}
	return append(merged, retrieved...)
}
