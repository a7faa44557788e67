package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

func newBuilder() *PromptBuilder {
	p := config.PromptSettings{}
	p.SetDefaults()
	return NewPromptBuilder(p)
}

func TestBuildContainsSections(t *testing.T) {
	history := []clients.ChatMessage{
		{Role: "user", Content: "之前的问题"},
		{Role: "assistant", Content: "之前的回答"},
	}

	prompt := newBuilder().Build(history, "新问题", "【标准】相关条款内容")

	assert.Contains(t, prompt, "用户: 之前的问题")
	assert.Contains(t, prompt, "助手: 之前的回答")
	assert.Contains(t, prompt, "【标准】相关条款内容")
	assert.Contains(t, prompt, "用户: 新问题")
}

func TestBuildStripsStreamMarkup(t *testing.T) {
	history := []clients.ChatMessage{
		{Role: "assistant", Content: "<think>内部推理\n多行</think>可见回答<knowledge>引用\n内容</knowledge>"},
	}

	prompt := newBuilder().Build(history, "问题", "")

	assert.Contains(t, prompt, "助手: 可见回答")
	assert.NotContains(t, prompt, "内部推理")
	assert.NotContains(t, prompt, "引用")
}

func TestBuildKeepsLastTwoExchanges(t *testing.T) {
	history := []clients.ChatMessage{
		{Role: "user", Content: "第一轮问题"},
		{Role: "assistant", Content: "第一轮回答"},
		{Role: "user", Content: "第二轮问题"},
		{Role: "assistant", Content: "第二轮回答"},
		{Role: "user", Content: "第三轮问题"},
		{Role: "assistant", Content: "第三轮回答"},
	}

	prompt := newBuilder().Build(history, "问题", "")

	assert.NotContains(t, prompt, "第一轮问题")
	assert.Contains(t, prompt, "第二轮问题")
	assert.Contains(t, prompt, "第三轮回答")
}

func TestBuildBounds(t *testing.T) {
	huge := strings.Repeat("长", 200000)
	history := []clients.ChatMessage{
		{Role: "user", Content: huge},
		{Role: "assistant", Content: huge},
	}

	prompt := newBuilder().Build(history, "问题", huge)

	assert.LessOrEqual(t, len([]rune(prompt)), maxPromptChars)
}

func TestTruncateCountsRunes(t *testing.T) {
	assert.Equal(t, "中文", truncate("中文字符", 2))
	assert.Equal(t, "短", truncate("短", 10))
}
