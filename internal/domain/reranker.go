package domain

import "context"

// RerankCandidate represents a passage candidate for cross-encoder reranking.
type RerankCandidate struct {
	// ID is the chunk identifier, used to map scores back to passages.
	ID string
	// Content is the text scored against the query.
	Content string
	// Score is the initial retrieval score, carried for logging.
	Score float32
}

// RerankResult is a reranked candidate with its cross-encoder score.
type RerankResult struct {
	ID    string
	Score float32
}

// Reranker defines the interface for cross-encoder reranking, consumed as a
// pure scoring function over (query, content) pairs.
type Reranker interface {
	// Rerank scores candidates against the query. Results come back sorted by
	// score descending. Errors are not masked here; the retrieval engine
	// surfaces them to its caller.
	Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankResult, error)

	// ModelName returns the model identifier for logging.
	ModelName() string
}
