package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
)

// jsonMarker precedes the machine-readable tail of the intent and Cypher
// generation responses. The prompts instruct the model to emit it verbatim.
const jsonMarker = "3.以下是json格式的解析结果："

// GraphRetrieverConfig tunes the graph pipeline.
type GraphRetrieverConfig struct {
	ExamplesIndex string
	ExamplesTopK  int
	Enabled       bool

	// IntentParser switches the LLM decomposition stage; when off the
	// question itself is the single intent.
	IntentParser bool
}

// GraphRetriever turns a question into Cypher and streams its own framed
// reasoning plus a summary of the executed rows. Every stage failure is
// recoverable: the stream ends with an explanatory data block instead of
// an error.
type GraphRetriever struct {
	llm      LLM
	graph    GraphEngine
	searcher Searcher

	prompts   config.PromptSettings
	scenarios config.ScenarioSettings
	cfg       GraphRetrieverConfig
	logger    *slog.Logger
}

func NewGraphRetriever(llm LLM, graph GraphEngine, searcher Searcher,
	prompts config.PromptSettings, scenarios config.ScenarioSettings,
	cfg GraphRetrieverConfig, logger *slog.Logger) *GraphRetriever {
	if cfg.ExamplesTopK <= 0 {
		cfg.ExamplesTopK = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphRetriever{
		llm:       llm,
		graph:     graph,
		searcher:  searcher,
		prompts:   prompts,
		scenarios: scenarios,
		cfg:       cfg,
		logger:    logger,
	}
}

type intentWithCypher struct {
	IntentItem string           `json:"intent_item"`
	Cypher     string           `json:"cypher"`
	Examples   []cypherExample  `json:"examples,omitempty"`
	Rows       []map[string]any `json:"intent_result"`
}

type cypherExample struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Stream runs the five-stage pipeline and closes the channel when done.
// Cancelling ctx stops the stream; no cleanup beyond channel close is
// needed.
func (r *GraphRetriever) Stream(ctx context.Context, question string, history []clients.ChatMessage) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 16)

	go func() {
		defer close(out)
		r.run(ctx, question, history, out)
	}()

	return out
}

func (r *GraphRetriever) run(ctx context.Context, question string, history []clients.ChatMessage, out chan<- protocol.Frame) {
	emit := func(f protocol.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !r.cfg.Enabled || r.graph == nil {
		emit(protocol.Data("<data>\nNeo4j服务未启用，请检查配置\n</data>"))
		return
	}

	if !emit(protocol.Think("<think>\n")) {
		return
	}

	// stage 1: intent decomposition, thinking streamed to the client
	intents := []string{question}
	if r.cfg.IntentParser {
		parsed, err := r.parseIntents(ctx, question, history, emit)
		if err != nil {
			r.logger.Error("graph intent parse failed", "error", err)
			emit(protocol.Data(fmt.Sprintf("<data>\n抱歉，处理您的请求时出现错误: %v\n</data>", err)))
			return
		}
		if len(parsed) == 0 {
			emit(protocol.Data("<data>\n未能识别有效的查询意图\n</data>"))
			return
		}
		intents = parsed
	}

	// stage 2: few-shot example lookup per intent
	withExamples := make([]intentWithCypher, 0, len(intents))
	for _, intent := range intents {
		examples := r.matchExamples(ctx, intent)
		withExamples = append(withExamples, intentWithCypher{IntentItem: intent, Examples: examples})
	}

	// stage 3: batch Cypher generation, thinking streamed to the client
	generated, err := r.generateCyphers(ctx, question, withExamples, emit)
	if err != nil {
		r.logger.Error("cypher generation failed", "error", err)
	}
	if !emit(protocol.Think("\nCypher生成完成。\n</think>\n")) {
		return
	}

	// stage 4: execution; each statement's failure leaves empty rows
	var knowledgeRows int
	executed := make([]intentWithCypher, 0, len(generated))
	for _, item := range generated {
		if item.Cypher == "" {
			continue
		}
		rows, err := r.graph.Execute(ctx, item.Cypher, nil)
		if err != nil {
			r.logger.Warn("cypher execution failed", "cypher", item.Cypher, "error", err)
			rows = nil
		}
		item.Rows = rows
		knowledgeRows += len(rows)
		executed = append(executed, item)
	}

	// stage 5: streamed natural-language summary of the rows
	if !emit(protocol.Data("<data>\n")) {
		return
	}
	if err := r.streamSummary(ctx, question, executed, emit); err != nil {
		r.logger.Error("graph summary failed", "error", err)
		emit(protocol.Data(fmt.Sprintf("抱歉，处理您的请求时出现错误: %v", err)))
	}
	if !emit(protocol.Data("\n</data>\n")) {
		return
	}

	if knowledgeRows > 0 {
		emit(protocol.Knowledge(fmt.Sprintf("<knowledge>\n检索到%d条相关信息\n</knowledge>\n", knowledgeRows)))
	}
}

// parseIntents streams LLM thinking to the client and parses the JSON tail
// into intent descriptions, at most three.
func (r *GraphRetriever) parseIntents(ctx context.Context, question string, history []clients.ChatMessage, emit func(protocol.Frame) bool) ([]string, error) {
	messages := make([]clients.ChatMessage, 0, len(history)+2)
	messages = append(messages, clients.ChatMessage{Role: "system", Content: r.prompts.GraphIntentPrompt})
	messages = append(messages, history...)
	messages = append(messages, clients.ChatMessage{Role: "user", Content: "[用户问题]\n" + question})

	raw, err := r.streamThink(ctx, messages, r.scenarios.GraphIntent, emit)
	if err != nil {
		return nil, err
	}

	var items []map[string]any
	if err := extractJSONArray(raw, &items); err != nil {
		r.logger.Warn("no intent JSON in model output", "error", err)
		return nil, nil
	}

	intents := make([]string, 0, 3)
	for _, item := range items {
		if intent, ok := item["intent_item"].(string); ok && intent != "" {
			intents = append(intents, intent)
		}
		if len(intents) == 3 {
			break
		}
	}
	return intents, nil
}

// matchExamples does a lexical lookup against the query-example index.
// An empty or unreachable index degrades to no examples.
func (r *GraphRetriever) matchExamples(ctx context.Context, intent string) []cypherExample {
	hits, err := r.searcher.Search(ctx, r.cfg.ExamplesIndex,
		map[string]any{"match": map[string]any{"question": intent}}, r.cfg.ExamplesTopK)
	if err != nil {
		r.logger.Warn("example lookup failed", "intent", intent, "error", err)
		return nil
	}

	examples := make([]cypherExample, 0, len(hits))
	for _, hit := range hits {
		question, _ := hit.Source["question"].(string)
		answer, _ := hit.Source["cypher"].(string)
		if answer == "" {
			answer, _ = hit.Source["answer"].(string)
		}
		examples = append(examples, cypherExample{
			Question: question,
			Answer:   strings.TrimSpace(answer),
		})
	}
	return examples
}

func (r *GraphRetriever) generateCyphers(ctx context.Context, question string, intents []intentWithCypher, emit func(protocol.Frame) bool) ([]intentWithCypher, error) {
	var intentsText strings.Builder
	for i, item := range intents {
		fmt.Fprintf(&intentsText, "意图%d: %s\n参考示例:\n", i+1, item.IntentItem)
		for j, example := range item.Examples {
			fmt.Fprintf(&intentsText, "  示例%d:\n  问题: %s\n  Cypher: %s\n\n", j+1, example.Question, example.Answer)
		}
		intentsText.WriteString("\n")
	}

	userPrompt := fmt.Sprintf("[用户原始问题]\n%s\n\n[需要生成Cypher的意图列表]\n%s\n请为每个意图生成对应的Cypher查询语句。",
		question, intentsText.String())

	messages := []clients.ChatMessage{
		{Role: "system", Content: r.prompts.GraphCypherPrompt},
		{Role: "user", Content: userPrompt},
	}

	raw, err := r.streamThink(ctx, messages, r.scenarios.GraphCypher, emit)
	if err != nil {
		return nil, err
	}

	var parsed []struct {
		IntentItem string `json:"intent_item"`
		Cypher     string `json:"cypher"`
	}
	if err := extractJSONArray(raw, &parsed); err != nil {
		r.logger.Warn("no cypher JSON in model output", "error", err)
		return nil, nil
	}

	byIntent := make(map[string]string, len(parsed))
	for _, item := range parsed {
		if item.IntentItem != "" {
			byIntent[item.IntentItem] = stripCodeFence(item.Cypher)
		}
	}

	// preserve the original intent order
	result := make([]intentWithCypher, 0, len(intents))
	for _, item := range intents {
		item.Cypher = byIntent[item.IntentItem]
		result = append(result, item)
	}
	return result, nil
}

func (r *GraphRetriever) streamSummary(ctx context.Context, question string, executed []intentWithCypher, emit func(protocol.Frame) bool) error {
	rowsJSON, err := json.Marshal(executed)
	if err != nil {
		rowsJSON = []byte("[]")
	}

	userPrompt := fmt.Sprintf(
		"以下是业务专员查到的结果：\n%s\n\n以下是你的领导的问题，你的思考过程和输出都会被他看见，千万不要重复思考或者重复输出，回答请关闭思考模式：\n%s",
		string(rowsJSON), question)

	messages := []clients.ChatMessage{
		{Role: "system", Content: r.prompts.GraphSummaryPrompt},
		{Role: "user", Content: userPrompt},
	}

	stream, err := r.llm.StreamChat(ctx, messages, r.scenarios.GraphSummary)
	if err != nil {
		return err
	}
	for chunk := range stream {
		if chunk.Err != nil {
			return chunk.Err
		}
		if !emit(protocol.Data(chunk.Content)) {
			return ctx.Err()
		}
	}
	return nil
}

// streamThink forwards every delta as a think frame and returns the
// accumulated text.
func (r *GraphRetriever) streamThink(ctx context.Context, messages []clients.ChatMessage, params config.ModelParams, emit func(protocol.Frame) bool) (string, error) {
	stream, err := r.llm.StreamChat(ctx, messages, params)
	if err != nil {
		return "", err
	}

	var raw strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return raw.String(), chunk.Err
		}
		raw.WriteString(chunk.Content)
		if !emit(protocol.Think(chunk.Content)) {
			return raw.String(), ctx.Err()
		}
	}
	return raw.String(), nil
}

// extractJSONArray finds the JSON array after the marker (or anywhere in
// the text as a fallback) and unmarshals it into target.
func extractJSONArray(text string, target any) error {
	candidate := text
	if idx := strings.LastIndex(text, jsonMarker); idx >= 0 {
		candidate = text[idx+len(jsonMarker):]
	}

	start := strings.Index(candidate, "[")
	end := strings.LastIndex(candidate, "]")
	if start < 0 || end <= start {
		// marker missing or truncated output; scan the whole text
		start = strings.Index(text, "[")
		end = strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return fmt.Errorf("no JSON array found")
		}
		candidate = text
	}

	return json.Unmarshal([]byte(candidate[start:end+1]), target)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 2 {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return strings.TrimSpace(strings.Trim(s, "`"))
}
