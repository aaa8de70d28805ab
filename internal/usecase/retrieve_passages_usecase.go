package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"lit-orchestrator/internal/domain"
)

// expansionConcurrency bounds parallel per-document fetches during chunk
// expansion.
const expansionConcurrency = 4

// RetrievePassagesInput defines the per-request retrieval parameters. Zero
// values fall back to the configured defaults.
type RetrievePassagesInput struct {
	Query        string
	TopK         int
	TopN         int
	UseReranker  bool
	ExpandChunks bool
	ChunksPerDoc int
}

// RetrievePassagesUsecase produces the final ranked passage list for a query.
type RetrievePassagesUsecase interface {
	Execute(ctx context.Context, input RetrievePassagesInput) ([]domain.Passage, error)

	// FetchCitedPassages fetches passages by chunk id, for the
	// historical-citation retrieval mode. Fetched passages carry no
	// similarity score.
	FetchCitedPassages(ctx context.Context, chunkIDs []uuid.UUID) ([]domain.Passage, error)
}

// RetrieveOption configures optional collaborators.
type RetrieveOption func(*retrievePassagesUsecase)

// WithReranker enables cross-encoder reranking.
func WithReranker(r domain.Reranker) RetrieveOption {
	return func(u *retrievePassagesUsecase) {
		u.reranker = r
	}
}

type retrievePassagesUsecase struct {
	repo       domain.PassageRepository
	encoder    domain.VectorEncoder
	reranker   domain.Reranker
	config     RetrievalConfig
	logger     *slog.Logger
	embedCache *expirable.LRU[string, []float32]
}

// NewRetrievePassagesUsecase creates the retrieval engine.
func NewRetrievePassagesUsecase(
	repo domain.PassageRepository,
	encoder domain.VectorEncoder,
	config RetrievalConfig,
	logger *slog.Logger,
	opts ...RetrieveOption,
) RetrievePassagesUsecase {
	u := &retrievePassagesUsecase{
		repo:       repo,
		encoder:    encoder,
		config:     config,
		logger:     logger,
		embedCache: expirable.NewLRU[string, []float32](config.EmbedCacheSize, nil, config.EmbedCacheTTL),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *retrievePassagesUsecase) Execute(ctx context.Context, input RetrievePassagesInput) ([]domain.Passage, error) {
	if input.Query == "" {
		return nil, fmt.Errorf("%w: query is empty", domain.ErrRetrievalFailed)
	}
	topK := input.TopK
	if topK <= 0 {
		topK = u.config.TopK
	}
	topN := input.TopN
	if topN <= 0 {
		topN = u.config.TopN
	}
	chunksPerDoc := input.ChunksPerDoc
	if chunksPerDoc <= 0 {
		chunksPerDoc = u.config.ChunksPerDoc
	}

	start := time.Now()

	vector, err := u.embedQuery(ctx, input.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: encode query: %w", domain.ErrRetrievalFailed, err)
	}

	hits, err := u.repo.SearchNearest(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", domain.ErrRetrievalFailed, err)
	}

	u.logger.Info("vector_search_completed",
		slog.Int("top_k", topK),
		slog.Int("hit_count", len(hits)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	if !input.UseReranker || u.reranker == nil {
		if len(hits) > topN {
			hits = hits[:topN]
		}
		return hits, nil
	}

	pool := hits
	if input.ExpandChunks {
		expanded, err := u.expandChunks(ctx, hits, chunksPerDoc)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk expansion: %w", domain.ErrRetrievalFailed, err)
		}
		pool = append(pool, expanded...)
	}

	reranked, err := u.rerank(ctx, input.Query, pool)
	if err != nil {
		return nil, fmt.Errorf("%w: rerank: %w", domain.ErrRetrievalFailed, err)
	}
	if len(reranked) > topN {
		reranked = reranked[:topN]
	}
	return reranked, nil
}

func (u *retrievePassagesUsecase) FetchCitedPassages(ctx context.Context, chunkIDs []uuid.UUID) ([]domain.Passage, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	passages, err := u.repo.FetchByChunkIDs(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch cited passages: %w", domain.ErrRetrievalFailed, err)
	}
	return passages, nil
}

func (u *retrievePassagesUsecase) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if cached, ok := u.embedCache.Get(query); ok {
		return cached, nil
	}
	embeddings, err := u.encoder.Encode(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embeddings))
	}
	u.embedCache.Add(query, embeddings[0])
	return embeddings[0], nil
}

// expandChunks fetches additional passages for the distinct documents in the
// hit set, excluding chunks already retrieved, ordered by original chunk
// position. Document order follows first appearance in the hits.
func (u *retrievePassagesUsecase) expandChunks(ctx context.Context, hits []domain.Passage, chunksPerDoc int) ([]domain.Passage, error) {
	seen := make(map[uuid.UUID]struct{}, len(hits))
	excludeByDoc := make(map[uuid.UUID][]uuid.UUID)
	var docOrder []uuid.UUID
	for _, p := range hits {
		seen[p.ChunkID] = struct{}{}
		if _, ok := excludeByDoc[p.DocumentID]; !ok {
			docOrder = append(docOrder, p.DocumentID)
		}
		excludeByDoc[p.DocumentID] = append(excludeByDoc[p.DocumentID], p.ChunkID)
	}

	start := time.Now()
	results := make([][]domain.Passage, len(docOrder))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expansionConcurrency)
	for i, docID := range docOrder {
		g.Go(func() error {
			chunks, err := u.repo.FetchDocumentChunks(gctx, docID, excludeByDoc[docID], chunksPerDoc)
			if err != nil {
				return err
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var expanded []domain.Passage
	for _, chunks := range results {
		for _, p := range chunks {
			if _, dup := seen[p.ChunkID]; dup {
				continue
			}
			seen[p.ChunkID] = struct{}{}
			expanded = append(expanded, p)
		}
	}

	u.logger.Info("chunk_expansion_completed",
		slog.Int("document_count", len(docOrder)),
		slog.Int("expanded_count", len(expanded)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return expanded, nil
}

func (u *retrievePassagesUsecase) rerank(ctx context.Context, query string, pool []domain.Passage) ([]domain.Passage, error) {
	if len(pool) == 0 {
		return pool, nil
	}

	candidates := make([]domain.RerankCandidate, len(pool))
	byID := make(map[string]domain.Passage, len(pool))
	for i, p := range pool {
		var score float32
		if p.Score != nil {
			score = *p.Score
		}
		candidates[i] = domain.RerankCandidate{
			ID:      p.ChunkID.String(),
			Content: p.Content,
			Score:   score,
		}
		byID[p.ChunkID.String()] = p
	}

	rerankCtx, cancel := context.WithTimeout(ctx, u.config.RerankTimeout)
	defer cancel()

	start := time.Now()
	results, err := u.reranker.Rerank(rerankCtx, query, candidates)
	if err != nil {
		return nil, err
	}

	u.logger.Info("reranking_completed",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("reranked_count", len(results)),
		slog.String("model", u.reranker.ModelName()),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	scores := make(map[string]float32, len(results))
	var ranked []domain.Passage
	for _, r := range results {
		p, ok := byID[r.ID]
		if !ok {
			continue
		}
		score := r.Score
		p.Score = &score
		scores[r.ID] = r.Score
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].ChunkID.String()] > scores[ranked[j].ChunkID.String()]
	})
	return ranked, nil
}
