package config

// ModelParams is one LLM call profile: which model to use and how.
type ModelParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ScenarioSettings holds per-call-site LLM profiles. Each profile is
// overridable via LLM_MODEL_<SCENARIO>_{MODEL,TEMPERATURE,MAX_TOKENS}.
type ScenarioSettings struct {
	Router            ModelParams
	ChatGeneration    ModelParams
	SummaryGeneration ModelParams
	KnowledgeMatching ModelParams
	GraphIntent       ModelParams
	GraphCypher       ModelParams
	GraphSummary      ModelParams
}

func (s *ScenarioSettings) SetDefaults() {
	applyModelDefaults(&s.Router, "qwen-plus", 0.1, 500)
	applyModelDefaults(&s.ChatGeneration, "qwen-plus", 0.7, 4000)
	applyModelDefaults(&s.SummaryGeneration, "qwen-plus", 0.5, 200)
	applyModelDefaults(&s.KnowledgeMatching, "qwen-plus", 0.3, 1000)
	applyModelDefaults(&s.GraphIntent, "qwen-plus", 0.0, 8000)
	applyModelDefaults(&s.GraphCypher, "qwen-plus", 0.0, 8000)
	applyModelDefaults(&s.GraphSummary, "qwen-plus", 0.0, 8000)
}

func applyModelDefaults(p *ModelParams, model string, temp float64, maxTokens int) {
	if p.Model == "" {
		p.Model = model
	}
	if p.Temperature == 0 {
		p.Temperature = temp
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = maxTokens
	}
}

// LoadScenarioSettings reads per-scenario overrides from the environment.
func LoadScenarioSettings() ScenarioSettings {
	s := ScenarioSettings{
		Router:            loadModelParams("LLM_MODEL_ROUTER"),
		ChatGeneration:    loadModelParams("LLM_MODEL_CHAT_GENERATION"),
		SummaryGeneration: loadModelParams("LLM_MODEL_SUMMARY_GENERATION"),
		KnowledgeMatching: loadModelParams("LLM_MODEL_KNOWLEDGE_MATCHING"),
		GraphIntent:       loadModelParams("LLM_MODEL_GRAPH_INTENT"),
		GraphCypher:       loadModelParams("LLM_MODEL_GRAPH_CYPHER"),
		GraphSummary:      loadModelParams("LLM_MODEL_GRAPH_SUMMARY"),
	}
	s.SetDefaults()
	return s
}

func loadModelParams(prefix string) ModelParams {
	return ModelParams{
		Model:       envString(prefix+"_MODEL", ""),
		Temperature: envFloat(prefix+"_TEMPERATURE", 0),
		MaxTokens:   envInt(prefix+"_MAX_TOKENS", 0),
	}
}
