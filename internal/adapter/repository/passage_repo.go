package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"lit-orchestrator/internal/domain"
)

type passageRepository struct {
	pool *pgxpool.Pool
}

// NewPassageRepository creates a PassageRepository backed by pgvector.
func NewPassageRepository(pool *pgxpool.Pool) domain.PassageRepository {
	return &passageRepository{pool: pool}
}

const passageColumns = `
	c.id, c.section, c.content, c.document_id,
	d.source_id, d.title, d.authors, d.journal, d.published_at`

func (r *passageRepository) SearchNearest(ctx context.Context, queryVector []float32, limit int) ([]domain.Passage, error) {
	// priority > 0 is the global inclusion filter; distance is cosine, so
	// similarity = 1 - distance.
	query := fmt.Sprintf(`
		SELECT %s, c.embedding <=> $1 AS distance
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.priority > 0
		ORDER BY c.embedding <=> $1 ASC
		LIMIT $2
	`, passageColumns)

	rows, err := r.pool.Query(ctx, query, pgvector.NewVector(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search passages: %w", err)
	}
	defer rows.Close()

	var passages []domain.Passage
	for rows.Next() {
		var p domain.Passage
		var distance float32
		if err := scanPassage(rows, &p, &distance); err != nil {
			return nil, err
		}
		similarity := 1 - distance
		p.Score = &similarity
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return passages, nil
}

func (r *passageRepository) FetchDocumentChunks(ctx context.Context, documentID uuid.UUID, excludeChunkIDs []uuid.UUID, limit int) ([]domain.Passage, error) {
	// Ordered by original chunk position, not similarity. This surfaces
	// content the title-biased initial search missed.
	query := fmt.Sprintf(`
		SELECT %s
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.document_id = $1
		  AND NOT (c.id = ANY($2))
		ORDER BY c.chunk_ordinal ASC
		LIMIT $3
	`, passageColumns)

	rows, err := r.pool.Query(ctx, query, documentID, excludeChunkIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document chunks: %w", err)
	}
	defer rows.Close()

	return collectPassages(rows)
}

func (r *passageRepository) FetchByChunkIDs(ctx context.Context, chunkIDs []uuid.UUID) ([]domain.Passage, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)
	`, passageColumns)

	rows, err := r.pool.Query(ctx, query, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch passages by id: %w", err)
	}
	defer rows.Close()

	fetched, err := collectPassages(rows)
	if err != nil {
		return nil, err
	}

	// Preserve the requested order; unknown ids are simply absent.
	byID := make(map[uuid.UUID]domain.Passage, len(fetched))
	for _, p := range fetched {
		byID[p.ChunkID] = p
	}
	ordered := make([]domain.Passage, 0, len(fetched))
	for _, id := range chunkIDs {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered, nil
}

func collectPassages(rows pgx.Rows) ([]domain.Passage, error) {
	var passages []domain.Passage
	for rows.Next() {
		var p domain.Passage
		if err := scanPassage(rows, &p, nil); err != nil {
			return nil, err
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return passages, nil
}

func scanPassage(rows pgx.Rows, p *domain.Passage, distance *float32) error {
	dest := []interface{}{
		&p.ChunkID, &p.Section, &p.Content, &p.DocumentID,
		&p.SourceID, &p.Title, &p.Authors, &p.Journal, &p.PublishedAt,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("failed to scan passage: %w", err)
	}
	return nil
}
