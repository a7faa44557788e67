package config

import "strings"

// PromptSettings carries every LLM prompt template. Each field is
// overridable via a PROMPT_* environment variable; placeholders of the
// form {name} are filled by the Render* helpers.
type PromptSettings struct {
	SystemPrompt string

	KnowledgeEnhancedTemplate string

	RouterPrompt       string
	RouterSystemPrompt string

	GraphIntentPrompt  string
	GraphCypherPrompt  string
	GraphSummaryPrompt string

	SummaryPrompt           string
	KnowledgeMatchingPrompt string
}

func (p *PromptSettings) SetDefaults() {
	if p.SystemPrompt == "" {
		p.SystemPrompt = defaultSystemPrompt
	}
	if p.KnowledgeEnhancedTemplate == "" {
		p.KnowledgeEnhancedTemplate = defaultKnowledgeEnhancedTemplate
	}
	if p.RouterPrompt == "" {
		p.RouterPrompt = defaultRouterPrompt
	}
	if p.RouterSystemPrompt == "" {
		p.RouterSystemPrompt = defaultRouterSystemPrompt
	}
	if p.GraphIntentPrompt == "" {
		p.GraphIntentPrompt = defaultGraphIntentPrompt
	}
	if p.GraphCypherPrompt == "" {
		p.GraphCypherPrompt = defaultGraphCypherPrompt
	}
	if p.GraphSummaryPrompt == "" {
		p.GraphSummaryPrompt = defaultGraphSummaryPrompt
	}
	if p.SummaryPrompt == "" {
		p.SummaryPrompt = defaultSummaryPrompt
	}
	if p.KnowledgeMatchingPrompt == "" {
		p.KnowledgeMatchingPrompt = defaultKnowledgeMatchingPrompt
	}
}

// LoadPromptSettings reads prompt overrides from PROMPT_* variables.
func LoadPromptSettings() PromptSettings {
	p := PromptSettings{
		SystemPrompt:              envString("PROMPT_SYSTEM", ""),
		KnowledgeEnhancedTemplate: envString("PROMPT_KNOWLEDGE_ENHANCED_TEMPLATE", ""),
		RouterPrompt:              envString("PROMPT_ROUTER", ""),
		RouterSystemPrompt:        envString("PROMPT_ROUTER_SYSTEM", ""),
		GraphIntentPrompt:         envString("PROMPT_GRAPH_INTENT", ""),
		GraphCypherPrompt:         envString("PROMPT_GRAPH_CYPHER", ""),
		GraphSummaryPrompt:        envString("PROMPT_GRAPH_SUMMARY", ""),
		SummaryPrompt:             envString("PROMPT_SUMMARY", ""),
		KnowledgeMatchingPrompt:   envString("PROMPT_KNOWLEDGE_MATCHING", ""),
	}
	p.SetDefaults()
	return p
}

// Render substitutes {name} placeholders in a template.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

const defaultSystemPrompt = `你是一个专业的AI助手，致力于为用户提供准确、有用的回答。

请遵循以下原则：
1. 基于提供的参考知识进行回答，确保准确性
2. 如果参考知识不足以回答问题，请诚实地说明
3. 保持回答简洁明了，避免冗余
4. 使用友好、专业的语气
5. 如果涉及专业术语，请适当解释

回答时请：
- 优先使用参考知识中的信息
- 如需引用，请标注来源
- 对不确定的内容，明确表达不确定性`

const defaultKnowledgeEnhancedTemplate = `{system_prompt}

以下是历史对话，请基于上下文回答用户的新问题。

--- 历史对话开始 ---
{history}
--- 历史对话结束 ---

--- 相关知识 ---
{knowledge}
--- 知识结束 ---

用户: {query}

助手:`

const defaultRouterPrompt = `你是一个智能意图路由器，需要判断用户的查询应该要参考哪个知识库来回答。

知识库数据源说明：
1. graph：包含具体的业务数据，为业务图谱库，如某个单位的网络架构、系统配置、安全产品部署等具体信息
2. text：包含网络安全相关的法规、标准、规范、条款等权威文档，为法规知识库
3. hybrid：需要同时使用业务数据和法规标准进行对比分析
4. none：不需要检索任何知识库，可以直接回答的问题（如问候语、闲聊、一般性问题等）

历史对话上下文：
{history_context}

当前用户查询：{user_query}

请分析这个查询的特点，判断应该使用哪个数据源：
- 如果查询涉及具体的单位、网络、系统、设备等业务实体信息，选择"graph"
- 如果查询涉及法规条款、标准要求、规范内容等，选择"text"
- 如果查询需要将具体业务情况与法规要求进行对比分析，选择"hybrid"
- 如果查询是问候语、闲聊、一般性问题或不涉及专业知识的简单问题，选择"none"

请在第一行只输出你的决策标签（graph/text/hybrid/none），不要有任何其他内容。`

const defaultRouterSystemPrompt = `你是一个专业的意图路由分析器，请仔细分析用户查询的特点并输出路由判断。`

const defaultGraphIntentPrompt = `你是Neo4j图数据库的'智能意图解析器'。
请根据输入的上下文，完成Neo4j查询的意图拆解，并对每个意图进行详细分析。
你需要进行流式输出，其中分析思路需要展示到前端页面。
请先详细说明你的分析思路，分析思路请完全以流利的中文自然语言进行描述，然后输出最终严格的JSON结果。
最后的JSON结果，必须严格按照以下格式输出标识符（不要有任何变化）：
'3.以下是json格式的解析结果：'
[{intent_item: string}, {intent_item: string}, ...]
说明:
- intent_item: Neo4j查询的意图拆解的意图描述
- 最多给出3个意图；若用户问题非常明确，则仅输出1个意图，能不拆分的尽量不拆分。

在流式输出时，请按以下格式组织你的回答：
1. 首先分析用户问题可以拆分成哪几个意图
2. 以流利的中文输出每个意图的具体含义
3. 最后输出完整的JSON结果。（在JSON之前必须输出标识符）。`

const defaultGraphCypherPrompt = `你是一个Neo4j Cypher查询生成专家。

数据库包含以下节点类型:
- Netname: 网络节点 (属性: name, netSecretLevel, networkType)
- Unit: 单位节点 (属性: name, unitType)
- SYSTEM: 系统节点 (属性: name, systemSecretLevel)
- Safeproduct: 安全产品 (属性: name, safeProductCount)
- Totalintegrations: 集成商 (属性: name, totalIntegrationLevel)

关系类型:
- UNIT_NET, OPERATIONUNIT_NET, OVERUNIT_NET
- SOFTWAREUNIT_SYSTEM, SYSTEM_NET, SECURITY_NET

用户消息中会给出原始问题、意图列表以及每个意图的参考示例。
请为每个意图生成一个对应的Cypher查询。
要求:
1. Cypher必须是可执行的
2. 参考示例的格式和模式
3. 确保返回有意义的结果
4. 先简要说明你的生成思路，然后输出最终严格的JSON结果

最后的JSON结果，必须严格按照以下格式输出标识符（不要有任何变化）：
'3.以下是json格式的解析结果：'
[{"intent_item": "意图描述", "cypher": "对应的Cypher查询"}, ...]`

const defaultGraphSummaryPrompt = `请关闭思考模式，直接使用业务专员查到的结果对你的领导的问题作出回答，业务专员的结果不需要进行筛选，也不需要逐条分析，微小的错误请忽略，名称不统一也请忽略，回答的方式是先生成100个字的总结摘要，然后再进行详细回答。请参考以下模板回答。
以下是根据涉密网业务图谱查询到的结果作出的回答：`

const defaultSummaryPrompt = `请为以下对话生成简洁的摘要（不超过50字）：

{conversation}

摘要:`

const defaultKnowledgeMatchingPrompt = `请分析LLM的回答，找出其中引用的知识点，并与提供的知识库进行匹配。

LLM回答:
{llm_output}

知识库:
{knowledge_base}

请返回匹配的知识ID列表（JSON格式）。
格式: {"matched_ids": ["id1", "id2", ...]}`
