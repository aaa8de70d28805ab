package usecase

import (
	"fmt"
	"strings"

	"lit-orchestrator/internal/domain"
)

// PromptInput contains the pieces that feed into the prompt builder.
type PromptInput struct {
	Query    string
	Passages []domain.Passage
	// History carries the prior turns of the conversation, oldest first.
	// Assistant entries hold raw generated text so reference-list context
	// stays available to the model.
	History []domain.Message
}

// PromptBuilder builds the chat messages sent to the generation backend.
type PromptBuilder interface {
	Build(input PromptInput) ([]domain.ChatMessage, error)
}

// XMLPromptBuilder creates structured prompts that separate instructions,
// context and query with XML tags. The instructions pin the response shape
// the stream filter and citation linker expect: an "## Answer" body citing
// sources as [source-id], then an "## References" list.
type XMLPromptBuilder struct {
	additionalInstructions []string
}

// NewXMLPromptBuilder creates a prompt builder with optional extra
// instructions appended.
func NewXMLPromptBuilder(additionalInstructions ...string) PromptBuilder {
	return &XMLPromptBuilder{
		additionalInstructions: additionalInstructions,
	}
}

// Build renders the message list for the chat API.
func (b *XMLPromptBuilder) Build(input PromptInput) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if len(input.Passages) == 0 {
		return nil, fmt.Errorf("at least one context passage is required")
	}

	var sysSb strings.Builder
	sysSb.WriteString("<instructions>\n")

	instructions := []string{
		"You are an assistant that answers questions about scientific literature using ONLY the excerpts in <context>.",
		"1. Begin your response with a line containing exactly \"## Answer\".",
		"2. Write the answer as concise prose grounded strictly in the excerpts.",
		"3. Cite sources inline by appending the source_id in square brackets, e.g. [PMC1234567]. Multiple sources: [PMC1, PMC2].",
		"4. Never invent source identifiers and never cite a source you did not use.",
		"5. After the answer, output a line containing exactly \"## References\" followed by one line per cited source: [source_id] title, journal, date.",
		"6. If the excerpts do not contain the answer, say so in the answer body instead of speculating.",
	}
	for _, inst := range append(instructions, b.additionalInstructions...) {
		sysSb.WriteString("  <line>")
		sysSb.WriteString(escape(inst))
		sysSb.WriteString("</line>\n")
	}
	sysSb.WriteString("</instructions>\n")

	var userSb strings.Builder
	userSb.WriteString("<context>\n")
	for _, p := range input.Passages {
		userSb.WriteString("  <excerpt>\n")
		userSb.WriteString("    <source_id>")
		userSb.WriteString(escape(p.SourceID))
		userSb.WriteString("</source_id>\n")
		userSb.WriteString("    <title>")
		userSb.WriteString(escape(p.Title))
		userSb.WriteString("</title>\n")
		userSb.WriteString("    <authors>")
		userSb.WriteString(escape(p.Authors))
		userSb.WriteString("</authors>\n")
		userSb.WriteString("    <journal>")
		userSb.WriteString(escape(p.Journal))
		userSb.WriteString("</journal>\n")
		userSb.WriteString("    <published_at>")
		userSb.WriteString(escape(p.PublishedAt))
		userSb.WriteString("</published_at>\n")
		userSb.WriteString("    <section>")
		userSb.WriteString(escape(p.Section))
		userSb.WriteString("</section>\n")
		userSb.WriteString("    <text>")
		userSb.WriteString(escape(p.Content))
		userSb.WriteString("</text>\n")
		userSb.WriteString("  </excerpt>\n")
	}
	userSb.WriteString("</context>\n\n")
	userSb.WriteString("<query>\n")
	userSb.WriteString(escape(input.Query))
	userSb.WriteString("\n</query>\n")

	messages := make([]domain.ChatMessage, 0, len(input.History)+2)
	messages = append(messages, domain.ChatMessage{Role: "system", Content: sysSb.String()})
	for _, m := range input.History {
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: userSb.String()})
	return messages, nil
}

func escape(value string) string {
	s := strings.TrimSpace(value)
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(s)
}
