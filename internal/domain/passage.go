package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Passage is a retrieved excerpt of a source article, produced per query and
// discarded after the turn except for the subset that gets cited.
type Passage struct {
	ChunkID    uuid.UUID
	Section    string
	Content    string
	DocumentID uuid.UUID
	// SourceID is the external identifier of the originating article (e.g. a
	// PMC accession). Stable across the corpus; citations group on it.
	SourceID string
	// Score is the vector similarity. Nil for passages fetched by identifier
	// rather than by search.
	Score *float32

	// Denormalized display metadata from the owning document.
	Title       string
	Authors     string
	Journal     string
	PublishedAt string
}

// NewPassage validates the fields every downstream component depends on.
func NewPassage(chunkID uuid.UUID, sourceID, content string) (Passage, error) {
	if chunkID == uuid.Nil {
		return Passage{}, fmt.Errorf("passage requires a chunk id")
	}
	if sourceID == "" {
		return Passage{}, fmt.Errorf("passage requires a source id")
	}
	if content == "" {
		return Passage{}, fmt.Errorf("passage %s has empty content", chunkID)
	}
	return Passage{ChunkID: chunkID, SourceID: sourceID, Content: content}, nil
}

// Citation is a conversation-stable reference to a source. Within a
// conversation the source id to ordinal mapping is a bijection onto {1..N}:
// once assigned, an ordinal never changes.
type Citation struct {
	Ordinal  int
	SourceID string
	// ChunkID identifies the representative passage the citation was first
	// resolved from.
	ChunkID     uuid.UUID
	Title       string
	Journal     string
	Authors     string
	PublishedAt string
}
