package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-orchestrator/internal/domain"
)

func TestNewPassage_Valid(t *testing.T) {
	chunkID := uuid.New()
	p, err := domain.NewPassage(chunkID, "PMC123", "some content")
	require.NoError(t, err)
	assert.Equal(t, chunkID, p.ChunkID)
	assert.Equal(t, "PMC123", p.SourceID)
	assert.Nil(t, p.Score)
}

func TestNewPassage_RequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		chunkID  uuid.UUID
		sourceID string
		content  string
	}{
		{"nil chunk id", uuid.Nil, "PMC123", "content"},
		{"empty source id", uuid.New(), "", "content"},
		{"empty content", uuid.New(), "PMC123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.NewPassage(tt.chunkID, tt.sourceID, tt.content)
			assert.Error(t, err)
		})
	}
}
