package usecase

import (
	"regexp"
	"strings"
)

const (
	// seekEscapeFragments bounds how long the filter hunts for the answer
	// heading. A backend that ignores the heading instruction must not hang
	// the stream; past this count the whole buffer becomes content.
	seekEscapeFragments = 100

	// headingGuardBytes is how many buffered characters must exist past a
	// heading match before the filter commits, so a trailing colon or newline
	// still inside the heading is consumed rather than leaked as content.
	headingGuardBytes = 3

	// lookaheadFragments is the emission delay during streaming. Any window
	// smaller than the longest heading-plus-noise sequence risks splitting
	// "## References" across an emit boundary and leaking part of it.
	lookaheadFragments = 5
)

var (
	answerHeadingRe     = regexp.MustCompile(`(?im)^(?:##)?[ \t]*answer\b:?`)
	referencesHeadingRe = regexp.MustCompile(`(?im)^[ \t]*(?:##[ \t]*references\b|\*\*references\*\*|references:)`)
)

type filterState int

const (
	stateSeeking filterState = iota
	stateStreaming
	stateDone
)

// AnswerStreamFilter consumes a raw token stream and yields only the answer
// body: the span after the answer heading and before any references heading.
// Fragments are never lost or duplicated; the filter withholds at most
// lookaheadFragments of output at any time.
//
// The filter also accumulates the complete raw text (preamble, body and any
// trailing reference section) for citation extraction and history, which
// operate on raw text so markers and their reference-list context stay intact.
type AnswerStreamFilter struct {
	state     filterState
	raw       strings.Builder
	preamble  strings.Builder
	fragCount int
	window    []string
}

// NewAnswerStreamFilter returns a filter in the Seeking state.
func NewAnswerStreamFilter() *AnswerStreamFilter {
	return &AnswerStreamFilter{}
}

// Feed consumes one stream fragment and returns the fragments released for
// display, possibly none.
func (f *AnswerStreamFilter) Feed(fragment string) []string {
	f.raw.WriteString(fragment)

	switch f.state {
	case stateDone:
		return nil

	case stateSeeking:
		f.preamble.WriteString(fragment)
		f.fragCount++

		buffered := f.preamble.String()
		if loc := answerHeadingRe.FindStringIndex(buffered); loc != nil {
			if len(buffered)-loc[1] < headingGuardBytes {
				// Heading may still be arriving; wait for more input.
				return nil
			}
			f.state = stateStreaming
			content := strings.TrimLeft(buffered[loc[1]:], ": \t\r\n")
			if content == "" {
				return nil
			}
			return f.streamFragment(content)
		}
		if f.fragCount >= seekEscapeFragments {
			f.state = stateStreaming
			return f.streamFragment(buffered)
		}
		return nil

	default:
		return f.streamFragment(fragment)
	}
}

// Flush terminates the stream, returning any withheld output.
func (f *AnswerStreamFilter) Flush() []string {
	switch f.state {
	case stateDone:
		return nil

	case stateSeeking:
		// Stream ended before the heading was confirmed. No more input can
		// arrive, so match without the guard; with no heading at all the
		// whole buffer is the content.
		f.state = stateDone
		content := f.preamble.String()
		if loc := answerHeadingRe.FindStringIndex(content); loc != nil {
			content = strings.TrimLeft(content[loc[1]:], ": \t\r\n")
		}
		if loc := referencesHeadingRe.FindStringIndex(content); loc != nil {
			content = strings.TrimRight(content[:loc[0]], " \t\r\n")
		}
		if content == "" {
			return nil
		}
		return []string{content}

	default:
		f.state = stateDone
		out := f.window
		f.window = nil
		return out
	}
}

// RawText returns the complete raw text accumulated so far.
func (f *AnswerStreamFilter) RawText() string {
	return f.raw.String()
}

// Done reports whether the filter has terminated.
func (f *AnswerStreamFilter) Done() bool {
	return f.state == stateDone
}

func (f *AnswerStreamFilter) streamFragment(fragment string) []string {
	if fragment == "" {
		return nil
	}
	f.window = append(f.window, fragment)

	joined := strings.Join(f.window, "")
	if loc := referencesHeadingRe.FindStringIndex(joined); loc != nil {
		f.state = stateDone
		f.window = nil
		prefix := strings.TrimRight(joined[:loc[0]], " \t\r\n")
		if prefix == "" {
			return nil
		}
		return []string{prefix}
	}

	if len(f.window) > lookaheadFragments {
		oldest := f.window[0]
		f.window = f.window[1:]
		return []string{oldest}
	}
	return nil
}

// cutAtReferences returns the portion of text before the first references
// heading, or the whole text if none is present.
func cutAtReferences(text string) string {
	if loc := referencesHeadingRe.FindStringIndex(text); loc != nil {
		return text[:loc[0]]
	}
	return text
}

// stripHeadings removes answer/references heading lines for display.
func stripHeadings(text string) string {
	text = cutAtReferences(text)
	if loc := answerHeadingRe.FindStringIndex(text); loc != nil {
		text = strings.TrimLeft(text[loc[1]:], ": \t\r\n")
	}
	return strings.TrimSpace(text)
}
