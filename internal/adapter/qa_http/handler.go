package qa_http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"lit-orchestrator/internal/conversation"
	"lit-orchestrator/internal/domain"
	"lit-orchestrator/internal/usecase"
)

type Handler struct {
	askUsecase usecase.AskUsecase
	store      *conversation.Store
}

func NewHandler(askUsecase usecase.AskUsecase, store *conversation.Store) *Handler {
	return &Handler{
		askUsecase: askUsecase,
		store:      store,
	}
}

// Register wires the handler's routes onto the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/v1/ask", h.Ask)
	e.POST("/v1/conversations", h.CreateConversation)
	e.GET("/v1/conversations/:id", h.GetConversation)
	e.DELETE("/v1/conversations/:id", h.DeleteConversation)
}

type askRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Stream         bool   `json:"stream"`

	TopK                    int  `json:"top_k"`
	TopN                    int  `json:"top_n"`
	UseReranker             bool `json:"use_reranker"`
	ExpandChunks            bool `json:"expand_chunks"`
	ChunksPerDoc            int  `json:"chunks_per_doc"`
	IncludeHistoryCitations bool `json:"include_history_citations"`
	MaxTokens               int  `json:"max_tokens"`
}

type citationResponse struct {
	Ordinal     int    `json:"ordinal"`
	SourceID    string `json:"source_id"`
	Title       string `json:"title,omitempty"`
	Journal     string `json:"journal,omitempty"`
	Authors     string `json:"authors,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

type askResponse struct {
	ConversationID string             `json:"conversation_id"`
	Answer         string             `json:"answer"`
	Citations      []citationResponse `json:"citations"`
}

// Ask answers one conversational turn. With "stream": true (or an SSE accept
// header) the answer is delivered as server-sent events; otherwise as a single
// JSON document.
func (h *Handler) Ask(ctx echo.Context) error {
	var req askRequest
	// Retrieval toggles default on; absent fields must not read as false.
	req.UseReranker = true
	req.ExpandChunks = true
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return ctx.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "message is required"})
	}

	input := usecase.AskInput{
		Message:                 req.Message,
		ConversationID:          req.ConversationID,
		UserID:                  userID(ctx),
		TopK:                    req.TopK,
		TopN:                    req.TopN,
		UseReranker:             req.UseReranker,
		ExpandChunks:            req.ExpandChunks,
		ChunksPerDoc:            req.ChunksPerDoc,
		IncludeHistoryCitations: req.IncludeHistoryCitations,
		MaxTokens:               req.MaxTokens,
	}

	if req.Stream || strings.Contains(ctx.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return h.askStream(ctx, input)
	}

	output, err := h.askUsecase.Execute(ctx.Request().Context(), input)
	if err != nil {
		return writeError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, askResponse{
		ConversationID: output.ConversationID,
		Answer:         output.Answer,
		Citations:      toCitationResponses(output.Citations),
	})
}

func (h *Handler) askStream(ctx echo.Context, input usecase.AskInput) error {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	for event := range h.askUsecase.Stream(ctx.Request().Context(), input) {
		var payload interface{}
		switch event.Kind {
		case usecase.StreamEventKindStart:
			start := event.Payload.(usecase.StreamStart)
			payload = map[string]string{
				"type":            "start",
				"conversation_id": start.ConversationID,
			}
		case usecase.StreamEventKindToken:
			payload = map[string]string{
				"type":  "token",
				"token": event.Payload.(string),
			}
		case usecase.StreamEventKindComplete:
			output := event.Payload.(*usecase.AskOutput)
			payload = map[string]interface{}{
				"type":            "complete",
				"conversation_id": output.ConversationID,
				"answer":          output.Answer,
				"citations":       toCitationResponses(output.Citations),
			}
		case usecase.StreamEventKindError:
			err := event.Payload.(error)
			payload = map[string]string{
				"type":  "error",
				"error": publicErrorMessage(err),
			}
		default:
			continue
		}

		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(res.Writer, "data: %s\n\n", data); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}

type createConversationRequest struct {
	ID string `json:"id"`
}

func (h *Handler) CreateConversation(ctx echo.Context) error {
	var req createConversationRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	id, err := h.store.Create(userID(ctx), req.ID)
	if err != nil {
		return writeError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, map[string]string{"conversation_id": id})
}

type messageResponse struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type conversationResponse struct {
	ConversationID string             `json:"conversation_id"`
	Messages       []messageResponse  `json:"messages"`
	Citations      []citationResponse `json:"citations"`
}

// GetConversation returns the display form of the history: assistant turns
// have structural headings removed and source markers rewritten to ordinals.
func (h *Handler) GetConversation(ctx echo.Context) error {
	id := ctx.Param("id")
	conv, err := h.lookup(ctx, id)
	if err != nil {
		return writeError(ctx, err)
	}

	messages := make([]messageResponse, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		content := m.Content
		if m.Role == domain.RoleAssistant {
			content = usecase.RewriteForDisplay(content, conv.Ordinals)
		}
		messages = append(messages, messageResponse{Role: m.Role, Content: content})
	}

	citations, err := h.store.Citations(id)
	if err != nil {
		return writeError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, conversationResponse{
		ConversationID: conv.ID,
		Messages:       messages,
		Citations:      toCitationResponses(citations),
	})
}

func (h *Handler) DeleteConversation(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, err := h.lookup(ctx, id); err != nil {
		return writeError(ctx, err)
	}
	if err := h.store.Delete(id); err != nil {
		return writeError(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// lookup fetches the conversation with the ownership filter applied,
// distinguishing absence from foreign ownership.
func (h *Handler) lookup(ctx echo.Context, id string) (*domain.Conversation, error) {
	uid := userID(ctx)
	conv := h.store.Get(id, uid)
	if conv == nil {
		if uid != "" && h.store.Get(id, "") != nil {
			return nil, domain.ErrUnauthorized
		}
		return nil, domain.ErrConversationNotFound
	}
	return conv, nil
}

func userID(ctx echo.Context) string {
	return ctx.Request().Header.Get("X-User-ID")
}

func toCitationResponses(citations []domain.Citation) []citationResponse {
	out := make([]citationResponse, 0, len(citations))
	for _, c := range citations {
		out = append(out, citationResponse{
			Ordinal:     c.Ordinal,
			SourceID:    c.SourceID,
			Title:       c.Title,
			Journal:     c.Journal,
			Authors:     c.Authors,
			PublishedAt: c.PublishedAt,
		})
	}
	return out
}

func writeError(ctx echo.Context, err error) error {
	return ctx.JSON(statusFor(err), map[string]string{"error": publicErrorMessage(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConversationExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRetrievalFailed), errors.Is(err, domain.ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicErrorMessage maps sentinel errors to stable client-facing strings so
// internal wrap chains never leak.
func publicErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "conversation belongs to another user"
	case errors.Is(err, domain.ErrConversationExists):
		return "conversation already exists"
	case errors.Is(err, domain.ErrTimeout):
		return "generation timed out"
	case errors.Is(err, domain.ErrRetrievalFailed):
		return "retrieval failed"
	case errors.Is(err, domain.ErrGenerationFailed):
		return "generation failed"
	default:
		return "internal error"
	}
}
