package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/rag"
)

const (
	thinkPreamble  = "<think>开始对用户的提问进行深入解析...\n"
	thinkEpilogue  = "\n完成对用户问题的详细解析分析...\n</think>\n"
	dataOpen       = "<data>\n"
	dataClose      = "\n</data>"
	knowledgeOpen  = "\n<knowledge>\n相关的标准规范原文内容\n"
	knowledgeClose = "</knowledge>"

	graphPhaseNotice   = "\n现在开始业务知识图谱检索\n"
	textPhaseNotice    = "\n现在开始法规标准检索\n"
	graphResultNotice  = "\n检索到的业务信息：\n"
	graphNoResult      = "\n未检索到相关业务信息\n"
	scratchPreface     = "以下是检索到的具体业务信息："
	errorFrameTemplate = "<data>\n抱歉，处理您的请求时出现错误: %s\n</data>"

	persistTimeout = 30 * time.Second
)

// decisionTexts announces the routing outcome inside the think block.
var decisionTexts = map[Decision]string{
	DecisionGraph:  "需要检索网络业务知识图谱辅助回答，请稍等....\n",
	DecisionText:   "需要检索法规标准知识辅助回答，请稍等....\n",
	DecisionHybrid: "需要同时检索网络业务知识图谱以及法规标准知识辅助回答，请稍等....\n",
	DecisionNone:   "大模型直接生成回答，请稍等....\n",
}

// OrchestratorConfig carries the orchestrator's tunables and feature
// switches.
type OrchestratorConfig struct {
	TopK             int
	RetrievalEnabled bool
	CitationEnabled  bool
}

// Orchestrator runs one chat request end to end: history load, scene
// dispatch, retrieval, streamed generation, citation matching and
// persistence of the full framed transcript.
type Orchestrator struct {
	llm      LLM
	router   *IntentRouter
	text     TextRetriever
	graph    GraphStreamer
	builder  *PromptBuilder
	citation *CitationMatcher
	store    HistoryStore

	prompts   config.PromptSettings
	scenarios config.ScenarioSettings
	cfg       OrchestratorConfig
	logger    *slog.Logger
}

func NewOrchestrator(llm LLM, router *IntentRouter, text TextRetriever, graph GraphStreamer,
	builder *PromptBuilder, citation *CitationMatcher, store HistoryStore,
	prompts config.PromptSettings, scenarios config.ScenarioSettings,
	cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:       llm,
		router:    router,
		text:      text,
		graph:     graph,
		builder:   builder,
		citation:  citation,
		store:     store,
		prompts:   prompts,
		scenarios: scenarios,
		cfg:       cfg,
		logger:    logger,
	}
}

type emitFunc func(protocol.Frame) bool

// runOptions are the per-request retrieval knobs after applying defaults.
type runOptions struct {
	topK      int
	retrieval bool
}

func (o *Orchestrator) options(req Request) runOptions {
	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	return runOptions{
		topK:      topK,
		retrieval: o.cfg.RetrievalEnabled && !req.DisableRetrieval,
	}
}

// Run streams the response frames for one request. The channel closes when
// the stream ends; cancelling ctx aborts it. The transcript is persisted
// only when the stream ran to completion.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan protocol.Frame {
	out := make(chan protocol.Frame, 16)

	go func() {
		var transcript strings.Builder
		emit := func(f protocol.Frame) bool {
			select {
			case out <- f:
				transcript.WriteString(f.Content)
				return true
			case <-ctx.Done():
				return false
			}
		}

		completed := o.dispatch(ctx, req, emit)
		close(out)

		if completed && transcript.Len() > 0 {
			o.persist(req, transcript.String())
		}
	}()

	return out
}

func (o *Orchestrator) dispatch(ctx context.Context, req Request, emit emitFunc) bool {
	history := o.loadHistory(ctx, req.UserID, req.SessionID)
	opts := o.options(req)

	switch req.SceneID {
	case SceneGraphOnly:
		return o.forwardGraph(ctx, req.Question, history, emit, false)
	case SceneTextOnly:
		return o.textFlow(ctx, req.Question, history, true, opts, emit)
	default:
		return o.hybridFlow(ctx, req.Question, history, opts, emit)
	}
}

// hybridFlow routes the question and runs the chosen strategy under a
// single think block opened by the preamble.
func (o *Orchestrator) hybridFlow(ctx context.Context, question string, history []clients.ChatMessage, opts runOptions, emit emitFunc) bool {
	if !emit(protocol.Think(thinkPreamble)) {
		return false
	}

	decision := o.router.Route(ctx, question, history)
	if !emit(protocol.Think(decisionTexts[decision])) {
		return false
	}

	switch decision {
	case DecisionGraph:
		return o.forwardGraph(ctx, question, history, emit, true)
	case DecisionHybrid:
		scratch, ok := o.graphScratch(ctx, question, history, emit)
		if !ok {
			return false
		}
		augmented := question
		if scratch != "" {
			augmented += scratchPreface + scratch
		}
		if !emit(protocol.Think(textPhaseNotice)) {
			return false
		}
		return o.textFlow(ctx, augmented, history, false, opts, emit)
	default:
		// text and none both run the regulation pipeline; the decision
		// text alone tells them apart
		return o.textFlow(ctx, question, history, false, opts, emit)
	}
}

// textFlow is the regulation-search pipeline: retrieval commentary inside
// the think block, the streamed answer inside a data block, then the cited
// source excerpts inside a knowledge block.
func (o *Orchestrator) textFlow(ctx context.Context, question string, history []clients.ChatMessage, openThink bool, opts runOptions, emit emitFunc) bool {
	if openThink && !emit(protocol.Think(thinkPreamble)) {
		return false
	}
	if !emit(protocol.Think("用户查询意图识别为: text_query\n")) {
		return false
	}

	var knowledge []rag.Knowledge
	if opts.retrieval && o.text != nil {
		knowledge = o.text.Retrieve(ctx, question, opts.topK)
	}
	if !emit(protocol.Think(fmt.Sprintf("检索到%d条相关知识\n", len(knowledge)))) {
		return false
	}
	if !emit(protocol.Think(thinkEpilogue)) {
		return false
	}

	answer, ok := o.answerStream(ctx, question, history, knowledgeText(knowledge), emit)
	if !ok {
		return false
	}

	if o.cfg.CitationEnabled && o.citation != nil && len(knowledge) > 0 {
		citations := o.citation.Match(ctx, answer, knowledge)
		if len(citations) > 0 {
			if !emit(protocol.Knowledge(knowledgeOpen)) {
				return false
			}
			for _, c := range citations {
				if !emit(protocol.Knowledge(c + "\n")) {
					return false
				}
			}
			if !emit(protocol.Knowledge(knowledgeClose)) {
				return false
			}
		}
	}
	return true
}

// answerStream wraps the generation LLM call in a data block and returns
// the accumulated answer. An upstream failure becomes a single error frame
// and aborts the stream.
func (o *Orchestrator) answerStream(ctx context.Context, question string, history []clients.ChatMessage, knowledge string, emit emitFunc) (string, bool) {
	if !emit(protocol.Data(dataOpen)) {
		return "", false
	}

	prompt := o.builder.Build(history, question, knowledge)
	messages := []clients.ChatMessage{{Role: "user", Content: prompt}}

	stream, err := o.llm.StreamChat(ctx, messages, o.scenarios.ChatGeneration)
	if err != nil {
		o.logger.Error("generation failed to start", "error", err)
		emit(protocol.Error(fmt.Sprintf(errorFrameTemplate, err)))
		return "", false
	}

	var answer strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			o.logger.Error("generation stream failed", "error", chunk.Err)
			emit(protocol.Error(fmt.Sprintf(errorFrameTemplate, chunk.Err)))
			return "", false
		}
		answer.WriteString(chunk.Content)
		if !emit(protocol.Data(chunk.Content)) {
			return "", false
		}
	}

	if !emit(protocol.Data(dataClose)) {
		return "", false
	}
	return answer.String(), true
}

// forwardGraph relays the graph pipeline's frames. In the hybrid scene the
// outer think block is already open, so the sub-stream's own think block
// is stripped to keep the markup well formed.
func (o *Orchestrator) forwardGraph(ctx context.Context, question string, history []clients.ChatMessage, emit emitFunc, dropThink bool) bool {
	inThink := false
	for f := range o.graph.Stream(ctx, question, history) {
		if dropThink {
			if strings.Contains(f.Content, "<think>") {
				inThink = !strings.Contains(f.Content, "</think>")
				continue
			}
			if strings.Contains(f.Content, "</think>") {
				inThink = false
				continue
			}
			if inThink {
				continue
			}
		}
		if !emit(f) {
			return false
		}
	}
	return ctx.Err() == nil
}

// graphScratch runs the graph pipeline as the first hybrid phase. Its
// frames are forwarded inside the still-open outer think block, with the
// markup tags themselves stripped; the data-block interior is announced
// once and also collected so the text phase can ground the final answer
// on it.
func (o *Orchestrator) graphScratch(ctx context.Context, question string, history []clients.ChatMessage, emit emitFunc) (string, bool) {
	if !emit(protocol.Think(graphPhaseNotice)) {
		return "", false
	}

	var scratch strings.Builder
	inThink, inData, announced := false, false, false
	capture := func(content string) bool {
		if !announced {
			announced = true
			if !emit(protocol.Think(graphResultNotice)) {
				return false
			}
		}
		scratch.WriteString(content)
		return emit(protocol.Think(content))
	}
	for f := range o.graph.Stream(ctx, question, history) {
		content := f.Content
		switch {
		case strings.Contains(content, "<think>"):
			inThink = !strings.Contains(content, "</think>")
		case strings.Contains(content, "</think>"):
			inThink = false
		case strings.Contains(content, "<data>"):
			if strings.Contains(content, "</data>") {
				if body := strings.TrimSpace(interior(content, "<data>", "</data>")); body != "" {
					if !capture(body) {
						return "", false
					}
				}
			} else {
				inData = true
			}
		case strings.Contains(content, "</data>"):
			inData = false
		case strings.Contains(content, "<knowledge>") || strings.Contains(content, "</knowledge>"):
			// the row count is not useful scratch material
		case inData:
			if !capture(content) {
				return "", false
			}
		case inThink:
			if !emit(protocol.Think(content)) {
				return "", false
			}
		}
	}
	if ctx.Err() != nil {
		return "", false
	}

	result := strings.TrimSpace(scratch.String())
	if result == "" {
		if !emit(protocol.Think(graphNoResult)) {
			return "", false
		}
	}
	return result, true
}

func (o *Orchestrator) loadHistory(ctx context.Context, userID, sessionID string) []clients.ChatMessage {
	if o.store == nil || userID == "" || sessionID == "" {
		return nil
	}
	messages, err := o.store.GetMessages(ctx, userID, sessionID)
	if err != nil {
		o.logger.Warn("history load failed, answering without context", "error", err)
		return nil
	}

	history := make([]clients.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		history = append(history, clients.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history
}

// persist stores the question and the full framed transcript after the
// stream closed. It runs on its own context so a client disconnect after
// completion cannot lose the turn.
func (o *Orchestrator) persist(req Request, transcript string) {
	if o.store == nil || req.UserID == "" || req.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.AppendMessage(ctx, req.UserID, req.SessionID, "user", req.Question); err != nil {
		o.logger.Error("persisting question failed", "session_id", req.SessionID, "error", err)
		return
	}
	if err := o.store.AppendMessage(ctx, req.UserID, req.SessionID, "assistant", transcript); err != nil {
		o.logger.Error("persisting reply failed", "session_id", req.SessionID, "error", err)
	}

	o.autoTitle(ctx, req, transcript)
}

// autoTitle renames a still-default-named session after its first
// exchange with a short LLM-generated summary. Best effort only.
func (o *Orchestrator) autoTitle(ctx context.Context, req Request, transcript string) {
	session, err := o.store.GetSession(ctx, req.UserID, req.SessionID)
	if err != nil || session == nil || session.Name != "新会话" {
		return
	}

	answer := strings.ReplaceAll(sanitizeContent(transcript), "<data>", "")
	answer = strings.TrimSpace(strings.ReplaceAll(answer, "</data>", ""))
	conversation := "用户: " + req.Question + "\n助手: " + answer

	reply, err := o.llm.Complete(ctx, []clients.ChatMessage{
		{Role: "user", Content: config.Render(o.prompts.SummaryPrompt, map[string]string{
			"conversation": truncate(conversation, 2000),
		})},
	}, o.scenarios.SummaryGeneration)
	if err != nil {
		o.logger.Warn("session title generation failed", "session_id", req.SessionID, "error", err)
		return
	}

	title := truncate(strings.TrimSpace(reply), 50)
	if title == "" {
		return
	}
	if err := o.store.RenameSession(ctx, req.UserID, req.SessionID, title); err != nil {
		o.logger.Warn("session rename failed", "session_id", req.SessionID, "error", err)
	}
}

func knowledgeText(knowledge []rag.Knowledge) string {
	var b strings.Builder
	for _, k := range knowledge {
		if k.Title != "" {
			fmt.Fprintf(&b, "【%s】\n", k.Title)
		}
		b.WriteString(k.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func interior(s, open, close string) string {
	start := strings.Index(s, open)
	end := strings.LastIndex(s, close)
	if start < 0 || end <= start {
		return ""
	}
	return s[start+len(open) : end]
}
