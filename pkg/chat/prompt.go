package chat

import (
	"regexp"
	"strings"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

const (
	maxHistoryChars   = 60000
	maxKnowledgeChars = 8000
	maxPromptChars    = 98304 - 200
)

var (
	thinkBlock     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	knowledgeBlock = regexp.MustCompile(`(?s)<knowledge>.*?</knowledge>`)
)

// PromptBuilder assembles the knowledge-enhanced generation prompt from
// the system prompt, recent history and retrieved passages.
type PromptBuilder struct {
	prompts config.PromptSettings
}

func NewPromptBuilder(prompts config.PromptSettings) *PromptBuilder {
	return &PromptBuilder{prompts: prompts}
}

// Build renders the final prompt. History is limited to the last two
// exchanges and stripped of stream markup; each section has a hard
// character cap so the prompt stays inside the model's context window.
func (b *PromptBuilder) Build(history []clients.ChatMessage, question, knowledge string) string {
	prompt := config.Render(b.prompts.KnowledgeEnhancedTemplate, map[string]string{
		"system_prompt": b.prompts.SystemPrompt,
		"history":       truncate(renderHistory(history), maxHistoryChars),
		"knowledge":     truncate(knowledge, maxKnowledgeChars),
		"query":         question,
	})
	return truncate(prompt, maxPromptChars)
}

// renderHistory keeps the last two exchanges and removes think and
// knowledge blocks that were persisted as part of earlier replies.
func renderHistory(history []clients.ChatMessage) string {
	if len(history) > 4 {
		history = history[len(history)-4:]
	}

	var b strings.Builder
	for _, m := range history {
		label := "用户"
		if m.Role == "assistant" {
			label = "助手"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(sanitizeContent(m.Content))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func sanitizeContent(content string) string {
	content = thinkBlock.ReplaceAllString(content, "")
	content = knowledgeBlock.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// truncate cuts the tail beyond limit, counted in runes.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
