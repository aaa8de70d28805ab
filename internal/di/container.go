package di

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lit-orchestrator/internal/adapter/inference"
	"lit-orchestrator/internal/adapter/repository"
	"lit-orchestrator/internal/conversation"
	"lit-orchestrator/internal/domain"
	"lit-orchestrator/internal/infra/config"
	"lit-orchestrator/internal/infra/httpclient"
	"lit-orchestrator/internal/usecase"
)

// ApplicationComponents holds all wired dependencies for the application.
type ApplicationComponents struct {
	PassageRepo domain.PassageRepository

	Store *conversation.Store

	RetrieveUsecase usecase.RetrievePassagesUsecase
	AskUsecase      usecase.AskUsecase
}

// NewApplicationComponents wires all dependencies from config and database pool.
func NewApplicationComponents(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) *ApplicationComponents {
	passageRepo := repository.NewPassageRepository(pool)

	// Shared HTTP clients with connection pooling. The chat client timeout
	// must outlast the turn deadline; streaming responses stay open for the
	// whole generation.
	embedderHTTP := httpclient.NewPooledClient(30 * time.Second)
	chatHTTP := httpclient.NewPooledClient(cfg.Server.TurnTimeout + 30*time.Second)
	rerankHTTP := httpclient.NewPooledClient(cfg.Reranker.Timeout)

	embedder := inference.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Ollama.EmbeddingModel, embedderHTTP)
	generator := inference.NewOllamaGenerator(cfg.Ollama.URL, cfg.Ollama.ChatModel, log, chatHTTP)

	retrievalConfig := usecase.RetrievalConfig{
		TopK:           cfg.Retrieval.TopK,
		TopN:           cfg.Retrieval.TopN,
		UseReranker:    cfg.Reranker.Enabled,
		ExpandChunks:   cfg.Retrieval.ExpandChunks,
		ChunksPerDoc:   cfg.Retrieval.ChunksPerDoc,
		RerankTimeout:  cfg.Reranker.Timeout,
		EmbedCacheSize: cfg.Retrieval.CacheSize,
		EmbedCacheTTL:  cfg.Retrieval.CacheTTL,
	}

	var opts []usecase.RetrieveOption
	if cfg.Reranker.Enabled {
		rerankerClient := inference.NewRerankerClient(cfg.Reranker.URL, cfg.Reranker.Model, log, rerankHTTP)
		opts = append(opts, usecase.WithReranker(rerankerClient))
		log.Info("reranker_enabled",
			slog.String("url", cfg.Reranker.URL),
			slog.String("model", cfg.Reranker.Model))
	}

	retrieveUsecase := usecase.NewRetrievePassagesUsecase(
		passageRepo, embedder, retrievalConfig, log, opts...,
	)

	store := conversation.NewStore(log,
		conversation.WithIdleThreshold(cfg.Conversation.IdleThreshold),
		conversation.WithEvictionWatermark(cfg.Conversation.EvictionWatermark),
	)

	promptBuilder := usecase.NewXMLPromptBuilder()
	linker := usecase.NewCitationLinker(store, log)

	askUsecase := usecase.NewAskUsecase(
		retrieveUsecase, promptBuilder, generator, store, linker,
		cfg.Ollama.MaxTokens, cfg.Server.TurnTimeout, log,
	)

	return &ApplicationComponents{
		PassageRepo:     passageRepo,
		Store:           store,
		RetrieveUsecase: retrieveUsecase,
		AskUsecase:      askUsecase,
	}
}
