package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lit-orchestrator/internal/conversation"
	"lit-orchestrator/internal/domain"
	"lit-orchestrator/internal/usecase"
)

type mockRetrievePassagesUsecase struct {
	mock.Mock
}

func (m *mockRetrievePassagesUsecase) Execute(ctx context.Context, input usecase.RetrievePassagesInput) ([]domain.Passage, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Passage), args.Error(1)
}

func (m *mockRetrievePassagesUsecase) FetchCitedPassages(ctx context.Context, chunkIDs []uuid.UUID) ([]domain.Passage, error) {
	args := m.Called(ctx, chunkIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Passage), args.Error(1)
}

type mockLLMClient struct {
	mock.Mock
}

func (m *mockLLMClient) Chat(ctx context.Context, messages []domain.ChatMessage, maxTokens int) (*domain.LLMResponse, error) {
	args := m.Called(ctx, messages, maxTokens)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LLMResponse), args.Error(1)
}

func (m *mockLLMClient) ChatStream(ctx context.Context, messages []domain.ChatMessage, maxTokens int) (<-chan domain.LLMStreamChunk, <-chan error, error) {
	args := m.Called(ctx, messages, maxTokens)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(<-chan domain.LLMStreamChunk), args.Get(1).(<-chan error), args.Error(2)
}

func (m *mockLLMClient) Version() string {
	return "mock"
}

// makeLLMStream creates chunk and error channels populated with the given
// response chunks.
func makeLLMStream(chunks []domain.LLMStreamChunk) (<-chan domain.LLMStreamChunk, <-chan error) {
	chunkCh := make(chan domain.LLMStreamChunk, len(chunks))
	errCh := make(chan error)
	for _, c := range chunks {
		chunkCh <- c
	}
	close(chunkCh)
	close(errCh)
	return chunkCh, errCh
}

// collectStreamEvents drains a StreamEvent channel and returns all events.
func collectStreamEvents(ch <-chan usecase.StreamEvent) []usecase.StreamEvent {
	var events []usecase.StreamEvent
	for e := range ch {
		events = append(events, e)
	}
	return events
}

// findEvent returns the first event matching the kind.
func findEvent(events []usecase.StreamEvent, kind usecase.StreamEventKind) *usecase.StreamEvent {
	for _, e := range events {
		if e.Kind == kind {
			return &e
		}
	}
	return nil
}

type askFixture struct {
	retrieve *mockRetrievePassagesUsecase
	llm      *mockLLMClient
	store    *conversation.Store
	uc       usecase.AskUsecase
}

func setupAskTest(t *testing.T) *askFixture {
	t.Helper()
	retrieve := new(mockRetrievePassagesUsecase)
	llm := new(mockLLMClient)
	store := conversation.NewStore(discardLogger())
	linker := usecase.NewCitationLinker(store, discardLogger())
	uc := usecase.NewAskUsecase(
		retrieve, usecase.NewXMLPromptBuilder(), llm, store, linker,
		512, time.Minute, discardLogger(),
	)
	return &askFixture{retrieve: retrieve, llm: llm, store: store, uc: uc}
}

func (f *askFixture) stubRetrieval(passages []domain.Passage) {
	f.retrieve.On("Execute", mock.Anything, mock.Anything).Return(passages, nil)
}

func TestAsk_Execute_Success(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1", "S2"))
	f.llm.On("Chat", mock.Anything, mock.Anything, 512).Return(&domain.LLMResponse{
		Text: "## Answer\nDrug A helps [S1] and [S2].\n## References\n[S1] x\n[S2] y",
		Done: true,
	}, nil)

	out, err := f.uc.Execute(context.Background(), usecase.AskInput{Message: "does drug A help?", UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, "Drug A helps [1] and [2].", out.Answer)
	require.Len(t, out.Citations, 2)
	assert.Equal(t, 1, out.Citations[0].Ordinal)
	assert.Equal(t, "S1", out.Citations[0].SourceID)

	conv := f.store.Get(out.ConversationID, "u1")
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	// History keeps the raw text, references section included.
	assert.Contains(t, conv.Messages[1].Content, "## References")
	assert.Equal(t, []string{"S1", "S2"}, conv.Messages[1].CitedSourceIDs)
}

func TestAsk_Execute_GenerationFailureRollsBack(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1"))
	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("backend exploded"))

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	_, err = f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)

	// The optimistic user message was removed and no ordinals were consumed.
	conv := f.store.Get(convID, "u1")
	require.NotNil(t, conv)
	assert.Empty(t, conv.Messages)
	assert.Empty(t, conv.Ordinals)
}

func TestAsk_Execute_RetrievalFailureRollsBack(t *testing.T) {
	f := setupAskTest(t)
	f.retrieve.On("Execute", mock.Anything, mock.Anything).
		Return(nil, domain.ErrRetrievalFailed)

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	_, err = f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrRetrievalFailed)

	conv := f.store.Get(convID, "u1")
	assert.Empty(t, conv.Messages)
}

func TestAsk_Execute_EmptyResponseRollsBack(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1"))
	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything).
		Return(&domain.LLMResponse{Text: "   ", Done: true}, nil)

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	_, err = f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrGenerationFailed)
	assert.Empty(t, f.store.Get(convID, "u1").Messages)
}

func TestAsk_Execute_EmptyMessageRejected(t *testing.T) {
	f := setupAskTest(t)
	_, err := f.uc.Execute(context.Background(), usecase.AskInput{Message: "  "})
	assert.Error(t, err)
}

func TestAsk_Execute_UnknownConversation(t *testing.T) {
	f := setupAskTest(t)
	_, err := f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: "missing", UserID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestAsk_Execute_ForeignConversationUnauthorized(t *testing.T) {
	f := setupAskTest(t)
	convID, err := f.store.Create("owner", "")
	require.NoError(t, err)

	_, err = f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "intruder",
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAsk_Execute_SecondTurnKeepsOrdinals(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1", "S2", "S3"))

	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(&domain.LLMResponse{
		Text: "## Answer\nFirst [S1] and [S2].", Done: true,
	}, nil).Once()
	out1, err := f.uc.Execute(context.Background(), usecase.AskInput{Message: "first?", UserID: "u1"})
	require.NoError(t, err)

	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything).Return(&domain.LLMResponse{
		Text: "## Answer\nThen [S2] and [S3].", Done: true,
	}, nil).Once()
	out2, err := f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "second?", ConversationID: out1.ConversationID, UserID: "u1",
	})
	require.NoError(t, err)

	require.Len(t, out2.Citations, 2)
	assert.Equal(t, 2, out2.Citations[0].Ordinal)
	assert.Equal(t, "S2", out2.Citations[0].SourceID)
	assert.Equal(t, 3, out2.Citations[1].Ordinal)
	assert.Equal(t, "Then [2] and [3].", out2.Answer)
}

func TestAsk_Stream_Success(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1"))

	chunkCh, errCh := makeLLMStream([]domain.LLMStreamChunk{
		{Response: "## Answer\n"},
		{Response: "Streaming "},
		{Response: "works [S1]."},
		{Response: "\n## References\n[S1] entry", Done: true},
	})
	f.llm.On("ChatStream", mock.Anything, mock.Anything, mock.Anything).Return(chunkCh, errCh, nil)

	events := collectStreamEvents(f.uc.Stream(context.Background(), usecase.AskInput{Message: "q", UserID: "u1"}))

	start := findEvent(events, usecase.StreamEventKindStart)
	require.NotNil(t, start)
	convID := start.Payload.(usecase.StreamStart).ConversationID
	assert.NotEmpty(t, convID)

	var streamed strings.Builder
	for _, e := range events {
		if e.Kind == usecase.StreamEventKindToken {
			streamed.WriteString(e.Payload.(string))
		}
	}
	assert.Equal(t, "Streaming works [S1].", streamed.String())

	complete := findEvent(events, usecase.StreamEventKindComplete)
	require.NotNil(t, complete)
	out := complete.Payload.(*usecase.AskOutput)
	assert.Equal(t, "Streaming works [1].", out.Answer)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "S1", out.Citations[0].SourceID)

	conv := f.store.Get(convID, "u1")
	require.NotNil(t, conv)
	assert.Len(t, conv.Messages, 2)
}

func TestAsk_Stream_BackendErrorRollsBack(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1"))

	chunkCh := make(chan domain.LLMStreamChunk)
	errCh := make(chan error, 1)
	errCh <- errors.New("stream broke")
	close(chunkCh)
	f.llm.On("ChatStream", mock.Anything, mock.Anything, mock.Anything).
		Return((<-chan domain.LLMStreamChunk)(chunkCh), (<-chan error)(errCh), nil)

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	events := collectStreamEvents(f.uc.Stream(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "u1",
	}))

	errEvent := findEvent(events, usecase.StreamEventKindError)
	require.NotNil(t, errEvent)
	assert.ErrorIs(t, errEvent.Payload.(error), domain.ErrGenerationFailed)
	assert.Nil(t, findEvent(events, usecase.StreamEventKindComplete))

	assert.Empty(t, f.store.Get(convID, "u1").Messages)
	assert.Empty(t, f.store.Get(convID, "u1").Ordinals)
}

func TestAsk_Stream_EmptyStreamRollsBack(t *testing.T) {
	f := setupAskTest(t)
	f.stubRetrieval(passagesFor("S1"))

	chunkCh, errCh := makeLLMStream([]domain.LLMStreamChunk{{Done: true}})
	f.llm.On("ChatStream", mock.Anything, mock.Anything, mock.Anything).Return(chunkCh, errCh, nil)

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	events := collectStreamEvents(f.uc.Stream(context.Background(), usecase.AskInput{
		Message: "q", ConversationID: convID, UserID: "u1",
	}))

	require.NotNil(t, findEvent(events, usecase.StreamEventKindError))
	assert.Empty(t, f.store.Get(convID, "u1").Messages)
}

func TestAsk_HistoryCitationsMergedIntoContext(t *testing.T) {
	f := setupAskTest(t)

	convID, err := f.store.Create("u1", "")
	require.NoError(t, err)

	citedChunk := uuid.New()
	require.NoError(t, f.store.AddMessage(convID, domain.RoleUser, "first?", nil, nil))
	require.NoError(t, f.store.AddMessage(convID, domain.RoleAssistant,
		"## Answer\nOld [S9].", []string{"S9"}, []uuid.UUID{citedChunk}))

	oldPassage := domain.Passage{ChunkID: citedChunk, SourceID: "S9", Content: "old content", Title: "Old"}
	f.stubRetrieval(passagesFor("S1"))
	f.retrieve.On("FetchCitedPassages", mock.Anything, []uuid.UUID{citedChunk}).
		Return([]domain.Passage{oldPassage}, nil)

	f.llm.On("Chat", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			messages := args.Get(1).([]domain.ChatMessage)
			prompt := messages[len(messages)-1].Content
			assert.Contains(t, prompt, "S9", "historically cited passage joins the context")
			assert.Contains(t, prompt, "S1")
		}).
		Return(&domain.LLMResponse{Text: "## Answer\nStill [S9].", Done: true}, nil)

	out, err := f.uc.Execute(context.Background(), usecase.AskInput{
		Message: "again?", ConversationID: convID, UserID: "u1",
		IncludeHistoryCitations: true,
	})
	require.NoError(t, err)
	require.Len(t, out.Citations, 1)
	assert.Equal(t, "S9", out.Citations[0].SourceID)
	assert.Equal(t, 1, out.Citations[0].Ordinal)
}
