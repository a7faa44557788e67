package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

// Decision is the retrieval strategy the router picks for one question.
type Decision string

const (
	DecisionGraph  Decision = "graph"
	DecisionText   Decision = "text"
	DecisionHybrid Decision = "hybrid"
	DecisionNone   Decision = "none"
)

var decisionLine = regexp.MustCompile(`(?i)^(graph|text|hybrid|none)\b`)

// IntentRouter asks the LLM which retrieval strategy fits a question.
// Every failure mode resolves to DecisionNone so the request always gets
// an answer.
type IntentRouter struct {
	llm     LLM
	prompts config.PromptSettings
	params  config.ModelParams
	logger  *slog.Logger
}

func NewIntentRouter(llm LLM, prompts config.PromptSettings, params config.ModelParams, logger *slog.Logger) *IntentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentRouter{llm: llm, prompts: prompts, params: params, logger: logger}
}

// Route classifies the question, taking recent history into account.
func (r *IntentRouter) Route(ctx context.Context, question string, history []clients.ChatMessage) Decision {
	prompt := config.Render(r.prompts.RouterPrompt, map[string]string{
		"history_context": historyContext(history),
		"user_query":      question,
	})

	messages := []clients.ChatMessage{
		{Role: "system", Content: r.prompts.RouterSystemPrompt},
		{Role: "user", Content: prompt},
	}

	reply, err := r.llm.Complete(ctx, messages, r.params)
	if err != nil {
		r.logger.Warn("intent routing failed, answering without retrieval", "error", err)
		return DecisionNone
	}

	decision := parseDecision(reply)
	r.logger.Info("intent routed", "decision", string(decision))
	return decision
}

// parseDecision reads the label off the first non-empty line; if the model
// wrapped it in prose, a substring scan over the whole reply is the
// fallback. Anything unrecognizable means no retrieval.
func parseDecision(reply string) Decision {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := decisionLine.FindString(line); m != "" {
			return Decision(strings.ToLower(m))
		}
		break
	}

	lower := strings.ToLower(reply)
	for _, d := range []Decision{DecisionHybrid, DecisionGraph, DecisionText, DecisionNone} {
		if strings.Contains(lower, string(d)) {
			return d
		}
	}
	return DecisionNone
}

// historyContext renders the last two exchanges for the routing prompt.
func historyContext(history []clients.ChatMessage) string {
	if len(history) == 0 {
		return "（无历史对话）"
	}
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
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
