// Package rag contains the two knowledge retrievers: hybrid lexical+vector
// search over the regulation index, and the Cypher-generating graph
// pipeline. Both degrade to empty results instead of surfacing errors.
package rag

import (
	"context"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
)

// Knowledge is one retrieved passage or graph row, held only for the
// duration of a request.
type Knowledge struct {
	ID       string
	Title    string
	Content  string
	Score    float64
	Source   string // "text" or "graph"
	Metadata map[string]any
}

// LLM is the completion surface the retrievers need.
type LLM interface {
	Complete(ctx context.Context, messages []clients.ChatMessage, params config.ModelParams) (string, error)
	StreamChat(ctx context.Context, messages []clients.ChatMessage, params config.ModelParams) (<-chan clients.StreamChunk, error)
}

// Embedder turns a question into a dense vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the subset of the text-index adapter the retrievers use.
type Searcher interface {
	Search(ctx context.Context, index string, query map[string]any, size int) ([]clients.Hit, error)
	KNN(ctx context.Context, index, field string, vector []float32, k int) ([]clients.Hit, error)
}

// GraphEngine executes a generated Cypher statement.
type GraphEngine interface {
	Execute(ctx context.Context, stmt string, params map[string]any) ([]map[string]any, error)
}
