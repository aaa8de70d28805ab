package usecase

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"lit-orchestrator/internal/conversation"
	"lit-orchestrator/internal/domain"
)

// markerRe matches a bracketed citation marker: [SRC] or [SRC1, SRC2, ...].
// Markers carry the passage's external source identifier; ordinal numbers are
// assigned only by the conversation store.
var markerRe = regexp.MustCompile(`\[([^\[\]]+)\]`)

// CitationLinker extracts citation markers from generated text, resolves them
// against the passages used to build the prompt, and obtains stable ordinals
// from the conversation store.
type CitationLinker struct {
	store  *conversation.Store
	logger *slog.Logger
}

// NewCitationLinker creates a linker backed by the given store.
func NewCitationLinker(store *conversation.Store, logger *slog.Logger) *CitationLinker {
	return &CitationLinker{store: store, logger: logger}
}

// ExtractAndResolve scans the answer span of rawText for source markers and
// resolves each against the prompt passages. Citations are returned in first
// appearance order. Markers for sources the model was not given are dropped
// silently; a hallucinated marker is expected-but-unwanted backend behavior,
// not a system fault. Sources appearing only in a trailing bibliography do
// not count.
func (l *CitationLinker) ExtractAndResolve(rawText string, passages []domain.Passage, conversationID string) ([]domain.Citation, error) {
	answerSpan := cutAtReferences(rawText)

	byID := make(map[string]domain.Passage, len(passages))
	for _, p := range passages {
		byID[p.SourceID] = p
	}

	seen := make(map[string]struct{})
	var ordered []string
	for _, ids := range extractMarkerIDs(answerSpan) {
		if _, dup := seen[ids]; dup {
			continue
		}
		seen[ids] = struct{}{}
		ordered = append(ordered, ids)
	}

	var citations []domain.Citation
	for _, sourceID := range ordered {
		passage, ok := byID[sourceID]
		if !ok {
			if l.logger != nil {
				l.logger.Debug("unmatched_citation_marker",
					slog.String("conversation_id", conversationID),
					slog.String("source_id", sourceID))
			}
			continue
		}
		cite, err := l.store.ResolveCitation(conversationID, passage)
		if err != nil {
			return nil, err
		}
		citations = append(citations, cite)
	}
	return citations, nil
}

// extractMarkerIDs returns every identifier in bracket markers, in appearance
// order, with comma-separated groups flattened.
func extractMarkerIDs(text string) []string {
	var ids []string
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		for _, token := range strings.Split(m[1], ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				ids = append(ids, token)
			}
		}
	}
	return ids
}

// RewriteForDisplay converts source-id markers in text into the conversation's
// ordinal numbers, strips the answer/references headings, and removes any
// bracketed numeric token that is not a known ordinal, in case the backend
// copied a foreign numbering scheme into the answer.
func RewriteForDisplay(text string, ordinals map[string]int) string {
	known := make(map[int]struct{}, len(ordinals))
	for _, n := range ordinals {
		known[n] = struct{}{}
	}

	body := stripHeadings(text)
	return markerRe.ReplaceAllStringFunc(body, func(marker string) string {
		inner := marker[1 : len(marker)-1]
		var kept []string
		for _, token := range strings.Split(inner, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if ordinal, ok := ordinals[token]; ok {
				kept = append(kept, strconv.Itoa(ordinal))
				continue
			}
			if n, err := strconv.Atoi(token); err == nil {
				if _, ok := known[n]; ok {
					kept = append(kept, token)
				}
				// Foreign numbering, dropped.
				continue
			}
			kept = append(kept, token)
		}
		if len(kept) == 0 {
			return ""
		}
		return "[" + strings.Join(kept, ", ") + "]"
	})
}
