package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/rag"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/store"
)

// fakeLLM serves queued replies: completes feed Complete calls in order,
// streams feed StreamChat calls in order, chunked small to exercise
// frame-by-frame forwarding.
type fakeLLM struct {
	mu sync.Mutex

	completes   []string
	completeErr error
	streams     []string
	streamErr   error

	completeCall int
	streamCall   int

	lastStreamMessages []clients.ChatMessage
}

func (f *fakeLLM) Complete(_ context.Context, _ []clients.ChatMessage, _ config.ModelParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.completeCall >= len(f.completes) {
		return "", errors.New("no queued completion")
	}
	reply := f.completes[f.completeCall]
	f.completeCall++
	return reply, nil
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []clients.ChatMessage, _ config.ModelParams) (<-chan clients.StreamChunk, error) {
	f.mu.Lock()
	f.lastStreamMessages = messages
	idx := f.streamCall
	f.streamCall++
	streamErr := f.streamErr
	var text string
	if idx < len(f.streams) {
		text = f.streams[idx]
	}
	f.mu.Unlock()

	out := make(chan clients.StreamChunk, 8)
	go func() {
		defer close(out)
		if streamErr != nil {
			out <- clients.StreamChunk{Err: streamErr}
			return
		}
		for len(text) > 0 {
			n := 5
			if n > len(text) {
				n = len(text)
			}
			select {
			case out <- clients.StreamChunk{Content: text[:n]}:
				text = text[n:]
			case <-ctx.Done():
				out <- clients.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeLLM) streamedPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lastStreamMessages) == 0 {
		return ""
	}
	return f.lastStreamMessages[len(f.lastStreamMessages)-1].Content
}

type fakeText struct {
	knowledge []rag.Knowledge
	calls     int
}

func (f *fakeText) Retrieve(context.Context, string, int) []rag.Knowledge {
	f.calls++
	return f.knowledge
}

type fakeGraphStream struct {
	frames []protocol.Frame
	calls  int
}

func (f *fakeGraphStream) Stream(ctx context.Context, _ string, _ []clients.ChatMessage) <-chan protocol.Frame {
	f.calls++
	out := make(chan protocol.Frame, len(f.frames))
	go func() {
		defer close(out)
		for _, frame := range f.frames {
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type fakeHistory struct {
	mu       sync.Mutex
	messages []store.Message
	appends  []store.Message
	session  *store.Session
	renamed  string
}

func (f *fakeHistory) GetMessages(context.Context, string, string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeHistory) AppendMessage(_ context.Context, _, _, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, store.Message{Role: role, Content: content})
	return nil
}

func (f *fakeHistory) GetSession(context.Context, string, string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, errors.New("session not found")
	}
	return f.session, nil
}

func (f *fakeHistory) RenameSession(_ context.Context, _, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed = name
	return nil
}

func (f *fakeHistory) renamedTo() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renamed
}

func (f *fakeHistory) appended() []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.appends...)
}

func passages() []rag.Knowledge {
	return []rag.Knowledge{
		{ID: "k1", Title: "等级保护基本要求", Content: "三级系统应当每年开展一次等级测评。",
			Metadata: map[string]any{"source_standard": "GB/T 22239"}},
		{ID: "k2", Title: "测评要求", Content: "测评机构应当具备相应资质。",
			Metadata: map[string]any{"source_standard": "GB/T 28448"}},
	}
}

func newOrchestrator(llm *fakeLLM, text *fakeText, graph *fakeGraphStream, history *fakeHistory) *Orchestrator {
	prompts := config.PromptSettings{}
	prompts.SetDefaults()
	scenarios := config.ScenarioSettings{}
	scenarios.SetDefaults()

	return NewOrchestrator(llm,
		NewIntentRouter(llm, prompts, scenarios.Router, nil),
		text, graph,
		NewPromptBuilder(prompts),
		NewCitationMatcher(llm, prompts, scenarios.KnowledgeMatching, nil),
		history, prompts, scenarios,
		OrchestratorConfig{TopK: 5, RetrievalEnabled: true, CitationEnabled: true}, nil)
}

func drain(ch <-chan protocol.Frame) []protocol.Frame {
	var frames []protocol.Frame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func concat(frames []protocol.Frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.Content)
	}
	return b.String()
}

func typed(frames []protocol.Frame, frameType int) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == frameType {
			b.WriteString(f.Content)
		}
	}
	return b.String()
}

func TestTextOnlyFullSequence(t *testing.T) {
	llm := &fakeLLM{
		streams:   []string{"三级系统需要每年开展一次等级测评。"},
		completes: []string{`{"matched_ids": ["k1"]}`},
	}
	history := &fakeHistory{}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, &fakeGraphStream{}, history)

	frames := drain(orch.Run(context.Background(), Request{
		UserID: "u1", SessionID: "s1", SceneID: SceneTextOnly,
		Question: "等保三级每年要测评几次？",
	}))

	think := typed(frames, protocol.TypeThink)
	assert.True(t, strings.HasPrefix(think, "<think>开始对用户的提问进行深入解析...\n"))
	assert.Contains(t, think, "用户查询意图识别为: text_query\n")
	assert.Contains(t, think, "检索到2条相关知识\n")
	assert.True(t, strings.HasSuffix(think, "\n完成对用户问题的详细解析分析...\n</think>\n"))

	data := typed(frames, protocol.TypeData)
	assert.True(t, strings.HasPrefix(data, "<data>\n"))
	assert.Contains(t, data, "三级系统需要每年开展一次等级测评。")
	assert.True(t, strings.HasSuffix(data, "\n</data>"))

	knowledge := typed(frames, protocol.TypeKnowledge)
	assert.True(t, strings.HasPrefix(knowledge, "\n<knowledge>\n相关的标准规范原文内容\n"))
	assert.Contains(t, knowledge, "【GB/T 22239】\n三级系统应当每年开展一次等级测评。")
	assert.NotContains(t, knowledge, "GB/T 28448", "unmatched passages are not cited")
	assert.True(t, strings.HasSuffix(knowledge, "</knowledge>"))

	// the whole framed transcript becomes the assistant message
	require.Eventually(t, func() bool { return len(history.appended()) == 2 }, time.Second, 10*time.Millisecond)
	appended := history.appended()
	assert.Equal(t, "user", appended[0].Role)
	assert.Equal(t, "等保三级每年要测评几次？", appended[0].Content)
	assert.Equal(t, "assistant", appended[1].Role)
	assert.Equal(t, concat(frames), appended[1].Content)
}

func TestThinkNeverAfterData(t *testing.T) {
	llm := &fakeLLM{
		streams:   []string{"回答内容"},
		completes: []string{`{"matched_ids": []}`},
	}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, &fakeGraphStream{}, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneTextOnly, Question: "问题"}))

	sawData := false
	for _, f := range frames {
		if f.Type == protocol.TypeData {
			sawData = true
		}
		if f.Type == protocol.TypeThink {
			assert.False(t, sawData, "think frame after data frame")
		}
	}
}

func TestHybridTextBranch(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{"text", `{"matched_ids": []}`},
		streams:   []string{"法规要求如下。"},
	}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, &fakeGraphStream{}, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: "等保三级要求？"}))
	all := concat(frames)

	assert.Contains(t, all, "需要检索法规标准知识辅助回答，请稍等....\n")
	assert.Equal(t, 1, strings.Count(all, "<think>开始对用户的提问进行深入解析..."),
		"preamble appears exactly once")
	assert.Contains(t, all, "法规要求如下。")
}

func TestHybridGraphBranchStripsInnerThink(t *testing.T) {
	llm := &fakeLLM{completes: []string{"graph"}}
	graph := &fakeGraphStream{frames: []protocol.Frame{
		protocol.Think("<think>\n"),
		protocol.Think("内部推理不应外泄"),
		protocol.Think("\nCypher生成完成。\n</think>\n"),
		protocol.Data("<data>\n"),
		protocol.Data("A单位的集成商是B公司。"),
		protocol.Data("\n</data>\n"),
		protocol.Knowledge("<knowledge>\n检索到1条相关信息\n</knowledge>\n"),
	}}
	text := &fakeText{}
	orch := newOrchestrator(llm, text, graph, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: "A单位的集成商是谁？"}))
	all := concat(frames)

	assert.Contains(t, all, "需要检索网络业务知识图谱辅助回答，请稍等....\n")
	assert.NotContains(t, all, "内部推理不应外泄")
	assert.NotContains(t, all, "Cypher生成完成")
	assert.Contains(t, all, "<data>\nA单位的集成商是B公司。\n</data>\n")
	assert.Equal(t, 0, text.calls, "graph branch never touches the text index")
}

func TestHybridHybridBranchAugmentsQuestion(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{"hybrid", `{"matched_ids": []}`},
		streams:   []string{"综合业务与法规的结论。"},
	}
	graph := &fakeGraphStream{frames: []protocol.Frame{
		protocol.Think("<think>\n"),
		protocol.Think("图谱推理过程"),
		protocol.Think("\nCypher生成完成。\n</think>\n"),
		protocol.Data("<data>\n"),
		protocol.Data("河北共建设了A网、B网。"),
		protocol.Data("\n</data>\n"),
	}}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, graph, &fakeHistory{})

	question := "河北单位建设了哪些网络? 等保三级网络建设要求是什么？"
	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: question}))
	all := concat(frames)

	assert.Contains(t, all, "需要同时检索网络业务知识图谱以及法规标准知识辅助回答，请稍等....\n")
	assert.Contains(t, all, "\n现在开始业务知识图谱检索\n")
	assert.Contains(t, all, "\n现在开始法规标准检索\n")

	// the graph data interior is announced and surfaced inside the outer
	// think block
	think := typed(frames, protocol.TypeThink)
	assert.Contains(t, think, "\n检索到的业务信息：\n河北共建设了A网、B网。")
	assert.NotContains(t, all, "<data>\n河北共建设了A网、B网。")

	prompt := llm.streamedPrompt()
	assert.Contains(t, prompt, question+"以下是检索到的具体业务信息：河北共建设了A网、B网。")

	sawData := false
	for _, f := range frames {
		if f.Type == protocol.TypeData {
			sawData = true
		}
		if f.Type == protocol.TypeThink {
			assert.False(t, sawData, "think frame after data frame")
		}
	}
}

func TestHybridHybridNoGraphResults(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{"hybrid", `{"matched_ids": []}`},
		streams:   []string{"仅基于法规的回答。"},
	}
	graph := &fakeGraphStream{frames: []protocol.Frame{
		protocol.Data("<data>\n未查询到相关业务数据。\n</data>\n"),
	}}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, graph, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: "问题"}))
	all := concat(frames)

	// single-frame data block is captured and surfaced as think content
	assert.Contains(t, llm.streamedPrompt(), "以下是检索到的具体业务信息：未查询到相关业务数据。")
	assert.Contains(t, typed(frames, protocol.TypeThink), "\n检索到的业务信息：\n未查询到相关业务数据。")
	assert.NotContains(t, all, "未检索到相关业务信息")
}

func TestHybridEmptyGraphStreamFallsBack(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{"hybrid", `{"matched_ids": []}`},
		streams:   []string{"仅基于法规的回答。"},
	}
	graph := &fakeGraphStream{frames: []protocol.Frame{
		protocol.Think("<think>\n"),
		protocol.Think("图谱侧没有可用数据"),
		protocol.Think("\n</think>\n"),
	}}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, graph, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: "问题"}))
	all := concat(frames)

	assert.Contains(t, all, "\n未检索到相关业务信息\n")
	assert.NotContains(t, all, "检索到的业务信息：")
	assert.NotContains(t, llm.streamedPrompt(), "以下是检索到的具体业务信息：")
}

func TestHybridNoneStillSearchesRegulations(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{"none", `{"matched_ids": []}`},
		streams:   []string{"你好！有什么可以帮你？"},
	}
	text := &fakeText{knowledge: passages()}
	orch := newOrchestrator(llm, text, &fakeGraphStream{}, &fakeHistory{})

	frames := drain(orch.Run(context.Background(), Request{SceneID: SceneHybrid, Question: "你好"}))
	all := concat(frames)

	assert.Contains(t, all, "大模型直接生成回答，请稍等....\n")
	assert.Contains(t, all, "检索到2条相关知识\n")
	assert.Contains(t, all, "你好！有什么可以帮你？")
	assert.Equal(t, 1, text.calls, "none answers through the regulation pipeline")
}

func TestGraphOnlyForwardsVerbatim(t *testing.T) {
	source := []protocol.Frame{
		protocol.Think("<think>\n"),
		protocol.Think("意图分析"),
		protocol.Think("\nCypher生成完成。\n</think>\n"),
		protocol.Data("<data>\n河北建设了两张网络。\n</data>\n"),
	}
	history := &fakeHistory{}
	orch := newOrchestrator(&fakeLLM{}, &fakeText{}, &fakeGraphStream{frames: source}, history)

	frames := drain(orch.Run(context.Background(), Request{
		UserID: "u2", SessionID: "s2", SceneID: SceneGraphOnly,
		Question: "河北单位建设了哪些网络?",
	}))

	require.Equal(t, source, frames)
	require.Eventually(t, func() bool { return len(history.appended()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, concat(frames), history.appended()[1].Content)
}

func TestTextIndexOutageStillAnswers(t *testing.T) {
	llm := &fakeLLM{streams: []string{"尽力而为的回答。"}}
	history := &fakeHistory{}
	orch := newOrchestrator(llm, &fakeText{}, &fakeGraphStream{}, history)

	frames := drain(orch.Run(context.Background(), Request{
		UserID: "u3", SessionID: "s3", SceneID: SceneTextOnly, Question: "问题",
	}))

	assert.Contains(t, typed(frames, protocol.TypeThink), "检索到0条相关知识\n")
	assert.Contains(t, typed(frames, protocol.TypeData), "尽力而为的回答。")
	assert.Empty(t, typed(frames, protocol.TypeKnowledge))
	for _, f := range frames {
		assert.NotEqual(t, protocol.TypeError, f.Type)
	}
	require.Eventually(t, func() bool { return len(history.appended()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestGenerationFailureEmitsErrorFrame(t *testing.T) {
	llm := &fakeLLM{streamErr: errors.New("上游服务不可用")}
	history := &fakeHistory{}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, &fakeGraphStream{}, history)

	frames := drain(orch.Run(context.Background(), Request{
		UserID: "u4", SessionID: "s4", SceneID: SceneTextOnly, Question: "问题",
	}))

	last := frames[len(frames)-1]
	assert.Equal(t, protocol.TypeError, last.Type)
	assert.Equal(t, fmt.Sprintf("<data>\n抱歉，处理您的请求时出现错误: %s\n</data>", "上游服务不可用"), last.Content)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, history.appended(), "failed requests are not persisted")
}

func TestCancellationSkipsPersistence(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{`{"matched_ids": []}`},
		streams:   []string{strings.Repeat("长回答。", 500)},
	}
	history := &fakeHistory{}
	orch := newOrchestrator(llm, &fakeText{}, &fakeGraphStream{}, history)

	ctx, cancel := context.WithCancel(context.Background())
	ch := orch.Run(ctx, Request{UserID: "u5", SessionID: "s5", SceneID: SceneTextOnly, Question: "问题"})

	<-ch
	<-ch
	cancel()
	drain(ch)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, history.appended(), "cancelled streams are not persisted")
}

func TestAutoTitleAfterFirstExchange(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{`{"matched_ids": []}`, "等保测评频次咨询"},
		streams:   []string{"每年一次。"},
	}
	history := &fakeHistory{session: &store.Session{SessionID: "s7", Name: "新会话"}}
	orch := newOrchestrator(llm, &fakeText{knowledge: passages()}, &fakeGraphStream{}, history)

	drain(orch.Run(context.Background(), Request{
		UserID: "u7", SessionID: "s7", SceneID: SceneTextOnly, Question: "等保三级每年测评几次？",
	}))

	require.Eventually(t, func() bool { return history.renamedTo() == "等保测评频次咨询" },
		time.Second, 10*time.Millisecond)
}

func TestNamedSessionKeepsItsTitle(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{`{"matched_ids": []}`},
		streams:   []string{"回答。"},
	}
	history := &fakeHistory{session: &store.Session{SessionID: "s8", Name: "已有标题"}}
	orch := newOrchestrator(llm, &fakeText{}, &fakeGraphStream{}, history)

	drain(orch.Run(context.Background(), Request{
		UserID: "u8", SessionID: "s8", SceneID: SceneTextOnly, Question: "问题",
	}))

	require.Eventually(t, func() bool { return len(history.appended()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, history.renamedTo())
}

func TestHistoryFlowsIntoPrompt(t *testing.T) {
	llm := &fakeLLM{
		completes: []string{`{"matched_ids": []}`},
		streams:   []string{"结合上文的回答。"},
	}
	history := &fakeHistory{messages: []store.Message{
		{Role: "user", Content: "先问一个问题"},
		{Role: "assistant", Content: "<think>推理</think>这是之前的回答"},
	}}
	orch := newOrchestrator(llm, &fakeText{}, &fakeGraphStream{}, history)

	drain(orch.Run(context.Background(), Request{
		UserID: "u6", SessionID: "s6", SceneID: SceneTextOnly, Question: "继续",
	}))

	prompt := llm.streamedPrompt()
	assert.Contains(t, prompt, "用户: 先问一个问题")
	assert.Contains(t, prompt, "助手: 这是之前的回答")
	assert.NotContains(t, prompt, "<think>推理</think>")
}
