package domain

import (
	"context"

	"github.com/google/uuid"
)

// PassageRepository defines read access to the passage store. Ingestion and
// persistence of documents, chunks and embeddings happen elsewhere; the
// orchestrator only searches and fetches.
type PassageRepository interface {
	// SearchNearest returns the limit nearest passages to the query vector
	// under the global inclusion filter (document priority > 0), ordered by
	// ascending distance. Each result carries similarity = 1 - distance.
	SearchNearest(ctx context.Context, queryVector []float32, limit int) ([]Passage, error)

	// FetchDocumentChunks returns up to limit additional passages of the
	// given document, excluding the listed chunk ids, ordered by the chunk's
	// original position within the document. Fetched passages carry no
	// similarity score.
	FetchDocumentChunks(ctx context.Context, documentID uuid.UUID, excludeChunkIDs []uuid.UUID, limit int) ([]Passage, error)

	// FetchByChunkIDs returns the passages for the given chunk ids, in the
	// order requested. Unknown ids are omitted. No similarity score.
	FetchByChunkIDs(ctx context.Context, chunkIDs []uuid.UUID) ([]Passage, error)
}
