// Package chat contains the streaming query pipeline: the intent router,
// the prompt builder, the citation matcher and the orchestrator that ties
// them to the retrievers and the session store.
package chat

import (
	"context"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/rag"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/store"
)

// Scene selects the query mode of one request.
const (
	SceneHybrid    = 1
	SceneGraphOnly = 2
	SceneTextOnly  = 3
)

// Request is one streaming chat invocation. TopK and DisableRetrieval
// override the orchestrator defaults for this request only.
type Request struct {
	UserID    string
	SessionID string
	Question  string
	SceneID   int

	TopK             int
	DisableRetrieval bool
}

// LLM is the completion surface the pipeline needs.
type LLM interface {
	Complete(ctx context.Context, messages []clients.ChatMessage, params config.ModelParams) (string, error)
	StreamChat(ctx context.Context, messages []clients.ChatMessage, params config.ModelParams) (<-chan clients.StreamChunk, error)
}

// TextRetriever returns scored passages; it degrades internally and never
// errors.
type TextRetriever interface {
	Retrieve(ctx context.Context, question string, topK int) []rag.Knowledge
}

// GraphStreamer produces the graph pipeline's own framed stream.
type GraphStreamer interface {
	Stream(ctx context.Context, question string, history []clients.ChatMessage) <-chan protocol.Frame
}

// HistoryStore is the slice of the session store the pipeline touches.
// The session accessors back the auto-title step after the first
// exchange.
type HistoryStore interface {
	GetMessages(ctx context.Context, userID, sessionID string) ([]store.Message, error)
	AppendMessage(ctx context.Context, userID, sessionID, role, content string) error
	GetSession(ctx context.Context, userID, sessionID string) (*store.Session, error)
	RenameSession(ctx context.Context, userID, sessionID, name string) error
}
