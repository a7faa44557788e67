// Package config holds the environment-driven settings for the QA backend.
//
// Every backend (Redis, MySQL, Elasticsearch, Neo4j, LLM, Embedding) has its
// own settings struct loaded from prefixed environment variables, with the
// same SetDefaults/Validate shape across all of them. Load() assembles the
// full Settings tree after LoadEnvFiles() has run.
package config

import (
	"fmt"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
)

// RedisSettings configures the L2 cache store.
type RedisSettings struct {
	Host     string
	Port     int
	DB       int
	Password string
	Enabled  bool
}

func (c *RedisSettings) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
}

// Addr returns the host:port pair for the Redis client.
func (c *RedisSettings) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLSettings configures the row store.
type MySQLSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Charset  string
}

func (c *MySQLSettings) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.User == "" {
		c.User = "chatuser"
	}
	if c.Database == "" {
		c.Database = "chatdb"
	}
	if c.Charset == "" {
		c.Charset = "utf8mb4"
	}
}

// DSN returns the go-sql-driver DSN. parseTime is required so timestamps
// scan into time.Time.
func (c *MySQLSettings) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true",
		c.User, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// ESSettings configures the text index.
type ESSettings struct {
	Host              string
	Port              int
	Username          string
	Password          string
	KnowledgeIndex    string
	ConversationIndex string
	CypherIndex       string
	Timeout           int
}

func (c *ESSettings) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 9200
	}
	if c.KnowledgeIndex == "" {
		c.KnowledgeIndex = "kb_vector_store"
	}
	if c.ConversationIndex == "" {
		c.ConversationIndex = "conversation_history"
	}
	if c.CypherIndex == "" {
		c.CypherIndex = "qa_system"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

func (c *ESSettings) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Neo4jSettings configures the graph engine.
type Neo4jSettings struct {
	URI      string
	User     string
	Password string
	Enabled  bool
}

func (c *Neo4jSettings) SetDefaults() {
	if c.URI == "" {
		c.URI = "bolt://localhost:7687"
	}
	if c.User == "" {
		c.User = "neo4j"
	}
}

// LLMSettings configures the OpenAI-compatible chat endpoint.
type LLMSettings struct {
	BaseURL    string
	APIKey     string
	ModelName  string
	Timeout    int
	MaxRetries int
}

func (c *LLMSettings) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	if c.ModelName == "" {
		c.ModelName = "qwen-plus"
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *LLMSettings) Validate() error {
	if c.BaseURL == "" {
		return apperrors.Config("llm.base_url", fmt.Errorf("must not be empty"))
	}
	return nil
}

// EmbeddingSettings configures the embedding service.
type EmbeddingSettings struct {
	BaseURL   string
	ModelName string
	Dimension int
	Timeout   int
}

func (c *EmbeddingSettings) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000"
	}
	if c.ModelName == "" {
		c.ModelName = "bge-large-zh"
	}
	if c.Dimension == 0 {
		c.Dimension = 1024
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	Host string
	Port int
}

func (c *ServerSettings) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Settings is the aggregated process configuration.
type Settings struct {
	SystemPrompt          string
	SessionTimeoutMinutes int

	KnowledgeMatchingEnabled  bool
	IntentParserEnabled       bool
	KnowledgeRetrievalEnabled bool

	LogLevel    string
	LogFilePath string
	// Rotation/retention are accepted for compatibility and left to the
	// operator (logrotate or similar).
	LogRotation  string
	LogRetention string

	Redis     RedisSettings
	MySQL     MySQLSettings
	ES        ESSettings
	Neo4j     Neo4jSettings
	LLM       LLMSettings
	Embedding EmbeddingSettings
	Server    ServerSettings

	Prompts   PromptSettings
	Scenarios ScenarioSettings
}

func (c *Settings) SetDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "你是一个有帮助的中文网络等级保护智能助手，请用简洁、清晰的方式回答。"
	}
	if c.SessionTimeoutMinutes == 0 {
		c.SessionTimeoutMinutes = 300
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFilePath == "" {
		c.LogFilePath = "logs/app.log"
	}
	c.Redis.SetDefaults()
	c.MySQL.SetDefaults()
	c.ES.SetDefaults()
	c.Neo4j.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedding.SetDefaults()
	c.Server.SetDefaults()
	c.Prompts.SetDefaults()
	c.Scenarios.SetDefaults()
}

func (c *Settings) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads the full settings tree from the environment. Call
// LoadEnvFiles() first if .env support is wanted.
func Load() (*Settings, error) {
	s := &Settings{
		SystemPrompt:          envString("SYSTEM_PROMPT", ""),
		SessionTimeoutMinutes: envInt("SESSION_TIMEOUT_MINUTES", 0),

		KnowledgeMatchingEnabled:  envBool("KNOWLEDGE_MATCHING_ENABLED", true),
		IntentParserEnabled:       envBool("INTENT_PARSER_ENABLED", true),
		KnowledgeRetrievalEnabled: envBool("KNOWLEDGE_RETRIEVAL_ENABLED", true),

		LogLevel:     envString("LOG_LEVEL", ""),
		LogFilePath:  envString("LOG_FILE_PATH", ""),
		LogRotation:  envString("LOG_ROTATION", "500 MB"),
		LogRetention: envString("LOG_RETENTION", "10 days"),

		Redis: RedisSettings{
			Host:     envString("REDIS_HOST", ""),
			Port:     envInt("REDIS_PORT", 0),
			DB:       envInt("REDIS_DB", 0),
			Password: envString("REDIS_PASSWORD", ""),
			Enabled:  envBool("REDIS_ENABLED", true),
		},
		MySQL: MySQLSettings{
			Host:     envString("MYSQL_HOST", ""),
			Port:     envInt("MYSQL_PORT", 0),
			User:     envString("MYSQL_USER", ""),
			Password: envString("MYSQL_PASSWORD", ""),
			Database: envString("MYSQL_DATABASE", ""),
			Charset:  envString("MYSQL_CHARSET", ""),
		},
		ES: ESSettings{
			Host:              envString("ES_HOST", ""),
			Port:              envInt("ES_PORT", 0),
			Username:          envString("ES_USERNAME", ""),
			Password:          envString("ES_PASSWORD", ""),
			KnowledgeIndex:    envString("ES_KNOWLEDGE_INDEX", ""),
			ConversationIndex: envString("ES_CONVERSATION_INDEX", ""),
			CypherIndex:       envString("ES_CYPHER_INDEX", ""),
			Timeout:           envInt("ES_TIMEOUT", 0),
		},
		Neo4j: Neo4jSettings{
			URI:      envString("NEO4J_URI", ""),
			User:     envString("NEO4J_USER", ""),
			Password: envString("NEO4J_PASSWORD", ""),
			Enabled:  envBool("NEO4J_ENABLED", true),
		},
		LLM: LLMSettings{
			BaseURL:    envString("LLM_BASE_URL", ""),
			APIKey:     envString("LLM_API_KEY", ""),
			ModelName:  envString("LLM_MODEL_NAME", ""),
			Timeout:    envInt("LLM_TIMEOUT", 0),
			MaxRetries: envInt("LLM_MAX_RETRIES", 0),
		},
		Embedding: EmbeddingSettings{
			BaseURL:   envString("EMBEDDING_BASE_URL", ""),
			ModelName: envString("EMBEDDING_MODEL_NAME", ""),
			Dimension: envInt("EMBEDDING_DIMENSION", 0),
			Timeout:   envInt("EMBEDDING_TIMEOUT", 0),
		},
		Server: ServerSettings{
			Host: envString("SERVER_HOST", ""),
			Port: envInt("SERVER_PORT", 0),
		},

		Prompts:   LoadPromptSettings(),
		Scenarios: LoadScenarioSettings(),
	}

	s.SetDefaults()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
