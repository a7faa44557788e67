package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/rag"
)

const citationExcerptRunes = 500

// CitationMatcher asks the LLM which retrieved passages the final answer
// actually drew on, so the client can show only the cited sources. Any
// failure means no citations; the answer itself is unaffected.
type CitationMatcher struct {
	llm     LLM
	prompts config.PromptSettings
	params  config.ModelParams
	logger  *slog.Logger
}

func NewCitationMatcher(llm LLM, prompts config.PromptSettings, params config.ModelParams, logger *slog.Logger) *CitationMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CitationMatcher{llm: llm, prompts: prompts, params: params, logger: logger}
}

// Match returns one formatted citation per matched passage, in candidate
// order.
func (m *CitationMatcher) Match(ctx context.Context, answer string, candidates []rag.Knowledge) []string {
	if answer == "" || len(candidates) == 0 {
		return nil
	}

	var kb strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&kb, "ID: %s\n标题: %s\n内容: %s\n\n", c.ID, c.Title, c.Content)
	}

	prompt := config.Render(m.prompts.KnowledgeMatchingPrompt, map[string]string{
		"llm_output":     answer,
		"knowledge_base": kb.String(),
	})

	reply, err := m.llm.Complete(ctx, []clients.ChatMessage{{Role: "user", Content: prompt}}, m.params)
	if err != nil {
		m.logger.Warn("citation matching failed", "error", err)
		return nil
	}

	matched, err := parseMatchedIDs(reply)
	if err != nil {
		m.logger.Warn("unparseable citation reply", "error", err)
		return nil
	}

	var citations []string
	for _, c := range candidates {
		if !matched[c.ID] {
			continue
		}
		citations = append(citations, formatCitation(c))
	}
	return citations
}

func parseMatchedIDs(reply string) (map[string]bool, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var parsed struct {
		MatchedIDs []string `json:"matched_ids"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err != nil {
		return nil, err
	}

	matched := make(map[string]bool, len(parsed.MatchedIDs))
	for _, id := range parsed.MatchedIDs {
		matched[id] = true
	}
	return matched, nil
}

// formatCitation renders a passage as 【标准名】 plus a capped excerpt.
func formatCitation(k rag.Knowledge) string {
	source, _ := k.Metadata["source_standard"].(string)
	if source == "" {
		source = k.Title
	}
	excerpt := []rune(k.Content)
	if len(excerpt) > citationExcerptRunes {
		excerpt = excerpt[:citationExcerptRunes]
	}
	return fmt.Sprintf("【%s】\n%s", source, string(excerpt))
}
