package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
)

// scriptedLLM serves one canned streaming response per call, split into
// small chunks.
type scriptedLLM struct {
	responses []string
	errs      []error
	call      int
	messages  [][]clients.ChatMessage
}

func (s *scriptedLLM) Complete(context.Context, []clients.ChatMessage, config.ModelParams) (string, error) {
	if s.call < len(s.responses) {
		resp := s.responses[s.call]
		s.call++
		return resp, nil
	}
	return "", errors.New("no scripted response")
}

func (s *scriptedLLM) StreamChat(ctx context.Context, messages []clients.ChatMessage, _ config.ModelParams) (<-chan clients.StreamChunk, error) {
	s.messages = append(s.messages, messages)
	idx := s.call
	s.call++

	out := make(chan clients.StreamChunk, 64)
	go func() {
		defer close(out)
		if idx < len(s.errs) && s.errs[idx] != nil {
			out <- clients.StreamChunk{Err: s.errs[idx]}
			return
		}
		if idx >= len(s.responses) {
			out <- clients.StreamChunk{Err: errors.New("no scripted response")}
			return
		}
		text := s.responses[idx]
		for len(text) > 0 {
			n := 7
			if n > len(text) {
				n = len(text)
			}
			out <- clients.StreamChunk{Content: text[:n]}
			text = text[n:]
		}
	}()
	return out, nil
}

type fakeGraph struct {
	rows []map[string]any
	err  error
	stmt string
}

func (f *fakeGraph) Execute(_ context.Context, stmt string, _ map[string]any) ([]map[string]any, error) {
	f.stmt = stmt
	return f.rows, f.err
}

func graphConfig() GraphRetrieverConfig {
	return GraphRetrieverConfig{ExamplesIndex: "qa_system", Enabled: true, IntentParser: true}
}

func testPrompts() config.PromptSettings {
	p := config.PromptSettings{}
	p.SetDefaults()
	return p
}

func testScenarios() config.ScenarioSettings {
	s := config.ScenarioSettings{}
	s.SetDefaults()
	return s
}

func collect(ch <-chan protocol.Frame) []protocol.Frame {
	var frames []protocol.Frame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func contentOf(frames []protocol.Frame, frameType int) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == frameType {
			b.WriteString(f.Content)
		}
	}
	return b.String()
}

func TestStreamHappyPath(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"分析：问题询问河北单位的网络。3.以下是json格式的解析结果：[{\"intent_item\": \"查询河北单位建设的网络\"}]",
		"思路：套用示例模式。3.以下是json格式的解析结果：[{\"intent_item\": \"查询河北单位建设的网络\", \"cypher\": \"MATCH (u:Unit)-[:UNIT_NET]->(n:Netname) WHERE u.name CONTAINS '河北' RETURN u.name, n.name\"}]",
		"河北共建设了两张网络：A网与B网。",
	}}
	graph := &fakeGraph{rows: []map[string]any{
		{"u.name": "河北单位", "n.name": "A网"},
		{"u.name": "河北单位", "n.name": "B网"},
	}}
	searcher := &fakeSearcher{lexical: []clients.Hit{{ID: "ex1", Score: 9, Source: map[string]any{
		"question": "河北单位建设了哪些网络?",
		"cypher":   "MATCH (u:Unit)-[:UNIT_NET]->(n:Netname) WHERE u.name CONTAINS '河北' RETURN u.name, n.name",
	}}}}

	retriever := NewGraphRetriever(llm, graph, searcher, testPrompts(), testScenarios(), graphConfig(), nil)
	frames := collect(retriever.Stream(context.Background(), "河北单位建设了哪些网络?", nil))

	think := contentOf(frames, protocol.TypeThink)
	data := contentOf(frames, protocol.TypeData)
	knowledge := contentOf(frames, protocol.TypeKnowledge)

	assert.True(t, strings.HasPrefix(think, "<think>\n"))
	assert.Contains(t, think, "\nCypher生成完成。\n</think>\n")
	assert.True(t, strings.HasPrefix(data, "<data>\n"))
	assert.Contains(t, data, "河北共建设了两张网络")
	assert.True(t, strings.HasSuffix(data, "\n</data>\n"))
	assert.Equal(t, "<knowledge>\n检索到2条相关信息\n</knowledge>\n", knowledge)

	assert.Contains(t, graph.stmt, "MATCH (u:Unit)")

	// no data frame before the think block closes
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

func TestStreamLooksUpThreeExamplesPerIntent(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\"}]",
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\", \"cypher\": \"MATCH (n) RETURN n\"}]",
		"回答。",
	}}
	searcher := &fakeSearcher{}
	retriever := NewGraphRetriever(llm, &fakeGraph{}, searcher, testPrompts(), testScenarios(), graphConfig(), nil)

	collect(retriever.Stream(context.Background(), "问题", nil))

	assert.Equal(t, 1, searcher.searchCalls)
	assert.Equal(t, 3, searcher.lastSize, "each intent fetches three few-shot examples")
}

func TestStreamSendsFullyRenderedPrompts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\"}]",
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\", \"cypher\": \"MATCH (n) RETURN n\"}]",
		"回答。",
	}}
	retriever := NewGraphRetriever(llm, &fakeGraph{}, &fakeSearcher{}, testPrompts(), testScenarios(), graphConfig(), nil)

	collect(retriever.Stream(context.Background(), "问题", nil))

	require.NotEmpty(t, llm.messages)
	for _, call := range llm.messages {
		for _, m := range call {
			assert.NotContains(t, m.Content, "{examples}")
			assert.NotContains(t, m.Content, "{query}")
		}
	}
}

func TestStreamIntentParserDisabled(t *testing.T) {
	question := "河北单位建设了哪些网络?"
	llm := &scriptedLLM{responses: []string{
		"3.以下是json格式的解析结果：[{\"intent_item\": \"" + question + "\", \"cypher\": \"MATCH (u:Unit)-[:UNIT_NET]->(n:Netname) RETURN n.name\"}]",
		"河北建设了A网。",
	}}
	graph := &fakeGraph{rows: []map[string]any{{"n.name": "A网"}}}
	cfg := graphConfig()
	cfg.IntentParser = false
	retriever := NewGraphRetriever(llm, graph, &fakeSearcher{}, testPrompts(), testScenarios(), cfg, nil)

	frames := collect(retriever.Stream(context.Background(), question, nil))

	assert.Equal(t, 2, llm.call, "no decomposition call when the parser is off")
	assert.Contains(t, graph.stmt, "MATCH (u:Unit)")
	assert.Contains(t, contentOf(frames, protocol.TypeData), "河北建设了A网")
}

func TestStreamDisabled(t *testing.T) {
	retriever := NewGraphRetriever(&scriptedLLM{}, nil, &fakeSearcher{}, testPrompts(), testScenarios(),
		GraphRetrieverConfig{Enabled: false}, nil)

	frames := collect(retriever.Stream(context.Background(), "问题", nil))
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeData, frames[0].Type)
	assert.Contains(t, frames[0].Content, "Neo4j服务未启用")
}

func TestStreamNoIntentRecognized(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"这个问题与图数据库无关，无法拆解出查询意图。"}}
	retriever := NewGraphRetriever(llm, &fakeGraph{}, &fakeSearcher{}, testPrompts(), testScenarios(), graphConfig(), nil)

	frames := collect(retriever.Stream(context.Background(), "你好", nil))
	data := contentOf(frames, protocol.TypeData)
	assert.Contains(t, data, "未能识别有效的查询意图")
	assert.Empty(t, contentOf(frames, protocol.TypeKnowledge))
}

func TestStreamExecutionFailureRecovers(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\"}]",
		"3.以下是json格式的解析结果：[{\"intent_item\": \"查询\", \"cypher\": \"MATCH (n) RETURN n\"}]",
		"未查询到相关业务数据。",
	}}
	graph := &fakeGraph{err: errors.New("connection refused")}
	retriever := NewGraphRetriever(llm, graph, &fakeSearcher{}, testPrompts(), testScenarios(), graphConfig(), nil)

	frames := collect(retriever.Stream(context.Background(), "问题", nil))
	data := contentOf(frames, protocol.TypeData)
	assert.Contains(t, data, "未查询到相关业务数据")
	assert.Empty(t, contentOf(frames, protocol.TypeKnowledge), "no knowledge frame without rows")
	for _, f := range frames {
		assert.NotEqual(t, protocol.TypeError, f.Type, "stage failures must stay recoverable")
	}
}

func TestStreamLLMFailureEmitsApology(t *testing.T) {
	llm := &scriptedLLM{errs: []error{errors.New("upstream 500")}}
	retriever := NewGraphRetriever(llm, &fakeGraph{}, &fakeSearcher{}, testPrompts(), testScenarios(), graphConfig(), nil)

	frames := collect(retriever.Stream(context.Background(), "问题", nil))
	data := contentOf(frames, protocol.TypeData)
	assert.Contains(t, data, "抱歉，处理您的请求时出现错误")
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantLen int
		wantErr bool
	}{
		{
			name:    "after marker",
			text:    "分析过程…… 3.以下是json格式的解析结果：[{\"intent_item\": \"a\"}, {\"intent_item\": \"b\"}]",
			wantLen: 2,
		},
		{
			name:    "marker missing falls back to whole text",
			text:    "前言 [{\"intent_item\": \"a\"}] 后记",
			wantLen: 1,
		},
		{
			name:    "no array",
			text:    "纯文本，没有结构化结果",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var items []map[string]any
			err := extractJSONArray(tt.text, &items)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, tt.wantLen)
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	fenced := "```cypher\nMATCH (n) RETURN n\n```"
	assert.Equal(t, "MATCH (n) RETURN n", stripCodeFence(fenced))
	assert.Equal(t, "MATCH (n) RETURN n", stripCodeFence("MATCH (n) RETURN n"))
}
