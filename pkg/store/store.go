// Package store implements the session and message repositories on the
// three-tier model: Redis hash/list cache in front, MySQL authoritative
// for sessions, Elasticsearch authoritative for message content.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/clients"
)

// messageTTL is the cache lifetime of a session's message list.
const messageTTL = 24 * time.Hour

// CacheStore is the subset of Redis operations the repositories use.
type CacheStore interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// RowStore is the subset of MySQL operations the repositories use.
type RowStore interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Ping(ctx context.Context) error
}

// DocIndex is the subset of Elasticsearch operations the repositories use.
type DocIndex interface {
	SearchBody(ctx context.Context, index string, body map[string]any) ([]clients.Hit, error)
	IndexDoc(ctx context.Context, index string, doc map[string]any, id string) error
	DeleteDoc(ctx context.Context, index, id string) error
	DeleteByQuery(ctx context.Context, index string, query map[string]any) error
	Ping(ctx context.Context) error
}

// Session is one conversation thread.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
}

// Message is one turn of a conversation.
type Message struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Order     int64     `json:"message_order"`
}

// Store is the combined session + message repository.
type Store struct {
	cache CacheStore // nil when Redis is disabled
	rows  RowStore
	index DocIndex

	conversationIndex string
	logger            *slog.Logger
	now               func() time.Time
}

// New assembles the store. cache may be nil; cache-fatal operations then
// degrade to warn-and-continue since there is no cache tier to keep
// consistent.
func New(cache CacheStore, rows RowStore, index DocIndex, conversationIndex string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:             cache,
		rows:              rows,
		index:             index,
		conversationIndex: conversationIndex,
		logger:            logger,
		now:               time.Now,
	}
}

func sessionsKey(userID string) string {
	return "sessions:" + userID
}

func messagesKey(userID, sessionID string) string {
	return "messages:" + userID + ":" + sessionID
}
