// Package conversation provides the in-process store for per-conversation
// message history and stable citation numbering.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lit-orchestrator/internal/domain"
)

const (
	// defaultIdleThreshold is how long a conversation may stay untouched
	// before a sweep removes it.
	defaultIdleThreshold = 30 * time.Minute

	// defaultEvictionWatermark is the live-conversation count above which
	// mutating calls opportunistically sweep stale entries. Keeps the store
	// free of background timers.
	defaultEvictionWatermark = 100
)

// Store holds active conversations. It is the single point of mutation for
// conversation state; all read-modify-write sequences are serialized so that
// two concurrent citation resolutions for the same new source cannot produce
// two ordinals.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation

	idleThreshold time.Duration
	watermark     int
	logger        *slog.Logger

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIdleThreshold overrides the eviction idle threshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(s *Store) { s.idleThreshold = d }
}

// WithEvictionWatermark overrides the lazy-sweep watermark.
func WithEvictionWatermark(n int) Option {
	return func(s *Store) { s.watermark = n }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty conversation store.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*domain.Conversation),
		idleThreshold: defaultIdleThreshold,
		watermark:     defaultEvictionWatermark,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new conversation for the user. If id is empty a fresh
// identifier is generated. Returns domain.ErrConversationExists when a
// caller-supplied id is already present.
func (s *Store) Create(userID, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	} else if _, ok := s.conversations[id]; ok {
		return "", domain.ErrConversationExists
	}

	now := s.now()
	s.conversations[id] = &domain.Conversation{
		ID:         id,
		UserID:     userID,
		Ordinals:   make(map[string]int),
		Citations:  make(map[string]domain.Citation),
		CreatedAt:  now,
		LastAccess: now,
	}
	s.maybeEvictLocked()
	return id, nil
}

// Get returns a copy of the conversation, or nil if it does not exist. When
// userID is non-empty the ownership check is applied as a read-time filter: a
// conversation owned by someone else also reads as nil. Callers distinguish
// the two cases with a second lookup passing an empty userID.
func (s *Store) Get(id, userID string) *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	if userID != "" && conv.UserID != userID {
		return nil
	}
	conv.LastAccess = s.now()
	return copyConversation(conv)
}

// AddMessage appends a message and bumps last access.
func (s *Store) AddMessage(id, role, content string, citedSourceIDs []string, citedChunkIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Messages = append(conv.Messages, domain.Message{
		Role:           role,
		Content:        content,
		CitedSourceIDs: append([]string(nil), citedSourceIDs...),
		CitedChunkIDs:  append([]uuid.UUID(nil), citedChunkIDs...),
	})
	conv.LastAccess = s.now()
	s.maybeEvictLocked()
	return nil
}

// DeleteLastMessage removes and returns the most recent message. Used
// exclusively for turn rollback on downstream failure.
func (s *Store) DeleteLastMessage(id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return domain.Message{}, domain.ErrConversationNotFound
	}
	if len(conv.Messages) == 0 {
		return domain.Message{}, domain.ErrEmptyHistory
	}
	last := conv.Messages[len(conv.Messages)-1]
	conv.Messages = conv.Messages[:len(conv.Messages)-1]
	conv.LastAccess = s.now()
	return last, nil
}

// ResolveCitation returns the existing citation for the passage's source, or
// assigns the next free ordinal and stores a new one. First-seen source gets
// the lowest available number; once assigned the number is permanent for the
// conversation.
func (s *Store) ResolveCitation(id string, p domain.Passage) (domain.Citation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return domain.Citation{}, domain.ErrConversationNotFound
	}
	conv.LastAccess = s.now()

	if existing, ok := conv.Citations[p.SourceID]; ok {
		return existing, nil
	}

	cite := domain.Citation{
		Ordinal:     len(conv.Ordinals) + 1,
		SourceID:    p.SourceID,
		ChunkID:     p.ChunkID,
		Title:       p.Title,
		Journal:     p.Journal,
		Authors:     p.Authors,
		PublishedAt: p.PublishedAt,
	}
	conv.Ordinals[p.SourceID] = cite.Ordinal
	conv.Citations[p.SourceID] = cite
	conv.FirstSeen = append(conv.FirstSeen, p.SourceID)
	s.maybeEvictLocked()
	return cite, nil
}

// Citations returns the conversation's citations sorted ascending by ordinal.
func (s *Store) Citations(id string) ([]domain.Citation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cites := make([]domain.Citation, 0, len(conv.FirstSeen))
	for _, sourceID := range conv.FirstSeen {
		cites = append(cites, conv.Citations[sourceID])
	}
	return cites, nil
}

// Ordinals returns a copy of the source-id to ordinal mapping.
func (s *Store) Ordinals(id string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	out := make(map[string]int, len(conv.Ordinals))
	for k, v := range conv.Ordinals {
		out[k] = v
	}
	return out, nil
}

// Delete removes a conversation outright.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return domain.ErrConversationNotFound
	}
	delete(s.conversations, id)
	return nil
}

// EvictStale removes every conversation idle longer than the threshold and
// returns how many were removed.
func (s *Store) EvictStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Store) maybeEvictLocked() {
	if len(s.conversations) <= s.watermark {
		return
	}
	if removed := s.evictLocked(); removed > 0 && s.logger != nil {
		s.logger.Info("stale_conversations_evicted",
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.conversations)))
	}
}

func (s *Store) evictLocked() int {
	cutoff := s.now().Add(-s.idleThreshold)
	removed := 0
	for id, conv := range s.conversations {
		if conv.LastAccess.Before(cutoff) {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed
}

func copyConversation(conv *domain.Conversation) *domain.Conversation {
	out := &domain.Conversation{
		ID:         conv.ID,
		UserID:     conv.UserID,
		Messages:   make([]domain.Message, len(conv.Messages)),
		Ordinals:   make(map[string]int, len(conv.Ordinals)),
		Citations:  make(map[string]domain.Citation, len(conv.Citations)),
		FirstSeen:  append([]string(nil), conv.FirstSeen...),
		CreatedAt:  conv.CreatedAt,
		LastAccess: conv.LastAccess,
	}
	copy(out.Messages, conv.Messages)
	for k, v := range conv.Ordinals {
		out.Ordinals[k] = v
	}
	for k, v := range conv.Citations {
		out.Citations[k] = v
	}
	return out
}
