package usecase

import (
	"fmt"
	"time"
)

// RetrievalConfig holds tunable parameters for passage retrieval.
type RetrievalConfig struct {
	// TopK is the number of candidates fetched from vector search before
	// reranking. A wider pool feeds the cross-encoder.
	TopK int

	// TopN is the number of passages returned to the prompt builder.
	TopN int

	// UseReranker controls whether cross-encoder reranking is applied.
	UseReranker bool

	// ExpandChunks controls whether additional passages are pulled from the
	// candidate documents before reranking. Vector search over short passages
	// is title-biased; expansion widens the pool with content-sequential
	// chunks from the same documents without re-querying the index.
	ExpandChunks bool

	// ChunksPerDoc is the number of additional passages fetched per candidate
	// document during expansion.
	ChunksPerDoc int

	// RerankTimeout bounds a single reranker call.
	RerankTimeout time.Duration

	// EmbedCacheSize and EmbedCacheTTL bound the query-embedding cache.
	EmbedCacheSize int
	EmbedCacheTTL  time.Duration
}

// DefaultRetrievalConfig returns the service defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:           50,
		TopN:           8,
		UseReranker:    true,
		ExpandChunks:   true,
		ChunksPerDoc:   4,
		RerankTimeout:  30 * time.Second,
		EmbedCacheSize: 256,
		EmbedCacheTTL:  10 * time.Minute,
	}
}

// Validate checks the configuration values.
func (c RetrievalConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", c.TopK)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("topN must be positive, got %d", c.TopN)
	}
	if c.TopN > c.TopK {
		return fmt.Errorf("topN (%d) cannot exceed topK (%d)", c.TopN, c.TopK)
	}
	if c.ExpandChunks && c.ChunksPerDoc <= 0 {
		return fmt.Errorf("chunksPerDoc must be positive when expansion is enabled, got %d", c.ChunksPerDoc)
	}
	if c.UseReranker && c.RerankTimeout <= 0 {
		return fmt.Errorf("rerank timeout must be positive, got %v", c.RerankTimeout)
	}
	return nil
}
