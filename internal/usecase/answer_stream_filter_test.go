package usecase_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lit-orchestrator/internal/usecase"
)

// runFilter feeds every fragment and returns the concatenated emitted output.
func runFilter(fragments []string) string {
	f := usecase.NewAnswerStreamFilter()
	var out strings.Builder
	for _, frag := range fragments {
		for _, emitted := range f.Feed(frag) {
			out.WriteString(emitted)
		}
	}
	for _, emitted := range f.Flush() {
		out.WriteString(emitted)
	}
	return out.String()
}

// fragmentBySize splits text into fixed-size pieces.
func fragmentBySize(text string, size int) []string {
	var frags []string
	for len(text) > size {
		frags = append(frags, text[:size])
		text = text[size:]
	}
	if text != "" {
		frags = append(frags, text)
	}
	return frags
}

func TestFilter_SingleFragment(t *testing.T) {
	out := runFilter([]string{"## Answer\nDrug A helps [S1] and [S2].\n## References\n[S1] ...\n[S2] ..."})
	assert.Equal(t, "Drug A helps [S1] and [S2].", out)
}

func TestFilter_HeadingSplitAcrossFragments(t *testing.T) {
	body := "The answer body."

	tests := []struct {
		name      string
		fragments []string
	}{
		{
			name:      "one fragment",
			fragments: []string{"## Answer\n" + body},
		},
		{
			name:      "two fragments",
			fragments: []string{"## Ans", "wer\n" + body},
		},
		{
			name:      "five fragments",
			fragments: []string{"#", "# ", "Answ", "er", ":\n" + body},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, body, runFilter(tt.fragments))
		})
	}
}

func TestFilter_HeadingGuard_WaitsForTrailingBytes(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()

	// The heading alone is not enough; a colon or newline may still be
	// arriving as part of it.
	assert.Empty(t, f.Feed("## Answer"))
	assert.Empty(t, f.Feed(":"))

	// Three characters past the match end commit the transition.
	var out strings.Builder
	for _, emitted := range f.Feed("\nHi there") {
		out.WriteString(emitted)
	}
	for _, emitted := range f.Flush() {
		out.WriteString(emitted)
	}
	assert.Equal(t, "Hi there", out.String())
}

func TestFilter_EscapeValve_NoHeadingAfter100Fragments(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()

	var out strings.Builder
	for i := 0; i < 100; i++ {
		for _, emitted := range f.Feed("x") {
			out.WriteString(emitted)
		}
	}
	// Content keeps flowing after the escape.
	for _, emitted := range f.Feed("y") {
		out.WriteString(emitted)
	}
	for _, emitted := range f.Flush() {
		out.WriteString(emitted)
	}

	assert.Equal(t, strings.Repeat("x", 100)+"y", out.String())
	assert.True(t, f.Done())
}

func TestFilter_ReferencesVariants(t *testing.T) {
	variants := []string{
		"## References",
		"##References",
		"References:",
		"**References**",
	}
	for _, variant := range variants {
		t.Run(variant, func(t *testing.T) {
			raw := "## Answer\nBody line.\n" + variant + "\n[S9] leaked tail"
			out := runFilter([]string{raw})
			assert.Equal(t, "Body line.", out)
			assert.NotContains(t, out, "leaked")
		})
	}
}

func TestFilter_ReferencesHeadingSplitAcrossFragments(t *testing.T) {
	fragments := []string{
		"## Answer\n",
		"Part one ",
		"and two.",
		"\n## Refer",
		"ences\n[S1] something",
	}
	assert.Equal(t, "Part one and two.", runFilter(fragments))
}

func TestFilter_LookaheadDelaysEmission(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	require.Empty(t, f.Feed("## Answer\naaaa"))

	// The transition content occupies one window slot; four more fragments
	// fill the window without releasing anything.
	for i := 0; i < 4; i++ {
		require.Empty(t, f.Feed("b"))
	}

	// The sixth fragment overflows the window and releases the oldest.
	emitted := f.Feed("c")
	require.Len(t, emitted, 1)
	assert.Equal(t, "aaaa", emitted[0])
}

func TestFilter_Losslessness_ArbitraryFragmentation(t *testing.T) {
	raw := "## Answer\nSentence one [S1]. Sentence two follows with more words [S2, S3].\nA second paragraph."
	want := "Sentence one [S1]. Sentence two follows with more words [S2, S3].\nA second paragraph."

	for _, size := range []int{1, 2, 3, 7, 16, len(raw)} {
		assert.Equal(t, want, runFilter(fragmentBySize(raw, size)), "fragment size %d", size)
	}
}

func TestFilter_Losslessness_WithReferencesSection(t *testing.T) {
	raw := "## Answer\nBody text that cites [S1].\n## References\n[S1] full entry"
	want := "Body text that cites [S1]."

	// Sizes large enough that the references heading spans at most the
	// lookahead window.
	for _, size := range []int{4, 8, 16, len(raw)} {
		assert.Equal(t, want, runFilter(fragmentBySize(raw, size)), "fragment size %d", size)
	}
}

func TestFilter_FlushWhileSeeking_HeadingPresent(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	// Guard keeps the filter seeking: only one character follows the match.
	require.Empty(t, f.Feed("## Answer\nX"))

	out := f.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "X", out[0])
}

func TestFilter_FlushWhileSeeking_NoHeading(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	require.Empty(t, f.Feed("no heading "))
	require.Empty(t, f.Feed("ever arrives"))

	out := f.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "no heading ever arrives", out[0])
}

func TestFilter_FlushWhileSeeking_ReferencesStripped(t *testing.T) {
	// No answer heading ever arrives but a references section does; the final
	// flush still excludes it.
	f := usecase.NewAnswerStreamFilter()
	require.Empty(t, f.Feed("Chatter body.\nReferences:\n[S1] entry"))

	out := f.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "Chatter body.", out[0])
}

func TestFilter_FlushWhileSeeking_HeadingOnly(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	require.Empty(t, f.Feed("## Answer:"))
	assert.Empty(t, f.Flush())
}

func TestFilter_RawTextAccumulatesEverything(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	raw := "preamble chatter\n## Answer\nBody.\n## References\n[S1] entry"
	for _, frag := range fragmentBySize(raw, 6) {
		f.Feed(frag)
	}
	f.Flush()

	assert.Equal(t, raw, f.RawText())
	assert.True(t, f.Done())

	// Input after termination is never released for display.
	assert.Empty(t, f.Feed("late"))
}

func TestFilter_EmptyInput(t *testing.T) {
	f := usecase.NewAnswerStreamFilter()
	assert.Empty(t, f.Flush())
	assert.Empty(t, f.RawText())
	assert.True(t, f.Done())
}
