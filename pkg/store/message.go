package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
)

// AppendMessage stores one conversation turn. The cache list is the read
// path for the next request, so its failure is fatal; the search index is
// authoritative long-term but its failure only warns.
func (s *Store) AppendMessage(ctx context.Context, userID, sessionID, role, content string) error {
	now := s.now()
	order := now.UnixMilli()

	message := Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Timestamp: now,
		Order:     order,
	}

	if s.cache != nil {
		payload, err := json.Marshal(message)
		if err != nil {
			return apperrors.New(apperrors.KindCache, "append message: marshal", err)
		}
		key := messagesKey(userID, sessionID)
		if err := s.cache.RPush(ctx, key, string(payload)); err != nil {
			return apperrors.New(apperrors.KindCache, "append message: push", err)
		}
		if err := s.cache.Expire(ctx, key, messageTTL); err != nil {
			s.logger.Warn("message cache expire failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	messageID := fmt.Sprintf("msg_%s_%d", sessionID, order)
	doc := map[string]any{
		"user_id":       userID,
		"session_id":    sessionID,
		"message_id":    messageID,
		"role":          role,
		"content":       content,
		"timestamp":     now,
		"message_order": order,
	}
	if err := s.index.IndexDoc(ctx, s.conversationIndex, doc, messageID); err != nil {
		s.logger.Warn("message index write failed", "user_id", userID, "session_id", sessionID, "error", err)
	}

	s.TouchSession(ctx, userID, sessionID)
	return nil
}

// GetMessages returns the session transcript in order, cache-first. On a
// cache miss the search index is queried and the cache refilled with a
// fresh 24h TTL.
func (s *Store) GetMessages(ctx context.Context, userID, sessionID string) ([]Message, error) {
	if s.cache != nil {
		cached, err := s.cache.LRange(ctx, messagesKey(userID, sessionID), 0, -1)
		if err != nil {
			s.logger.Warn("message cache read failed", "user_id", userID, "session_id", sessionID, "error", err)
		} else if len(cached) > 0 {
			messages := make([]Message, 0, len(cached))
			for _, raw := range cached {
				var message Message
				if err := json.Unmarshal([]byte(raw), &message); err != nil {
					continue
				}
				messages = append(messages, message)
			}
			return messages, nil
		}
	}

	messages, err := s.fetchFromIndex(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && len(messages) > 0 {
		key := messagesKey(userID, sessionID)
		payloads := make([]string, 0, len(messages))
		for _, message := range messages {
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			payloads = append(payloads, string(payload))
		}
		if err := s.cache.RPush(ctx, key, payloads...); err != nil {
			s.logger.Warn("message cache refill failed", "user_id", userID, "session_id", sessionID, "error", err)
		} else if err := s.cache.Expire(ctx, key, messageTTL); err != nil {
			s.logger.Warn("message cache expire failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	return messages, nil
}

// ClearMessages drops every message of a session from cache and index.
// The session row itself stays.
func (s *Store) ClearMessages(ctx context.Context, userID, sessionID string) error {
	if s.cache != nil {
		if err := s.cache.Del(ctx, messagesKey(userID, sessionID)); err != nil {
			return apperrors.New(apperrors.KindCache, "clear messages", err)
		}
	}

	query := map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{"term": map[string]any{"user_id": userID}},
				map[string]any{"term": map[string]any{"session_id": sessionID}},
			},
		},
	}
	if err := s.index.DeleteByQuery(ctx, s.conversationIndex, query); err != nil {
		s.logger.Warn("message index clear failed", "user_id", userID, "session_id", sessionID, "error", err)
	}
	return nil
}

func (s *Store) fetchFromIndex(ctx context.Context, userID, sessionID string) ([]Message, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"user_id": userID}},
					map[string]any{"term": map[string]any{"session_id": sessionID}},
					// session-meta docs carry no role field
					map[string]any{"exists": map[string]any{"field": "role"}},
				},
			},
		},
		"sort": []any{map[string]any{"message_order": map[string]any{"order": "asc"}}},
		"size": 1000,
	}

	hits, err := s.index.SearchBody(ctx, s.conversationIndex, body)
	if err != nil {
		return nil, apperrors.New(apperrors.KindTextIndex, "get messages", err)
	}

	messages := make([]Message, 0, len(hits))
	for _, hit := range hits {
		message := Message{
			SessionID: sessionID,
			UserID:    userID,
			Role:      asString(hit.Source["role"]),
			Content:   asString(hit.Source["content"]),
			Timestamp: asTime(hit.Source["timestamp"]),
		}
		message.Order = asInt64(hit.Source["message_order"])
		messages = append(messages, message)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Order < messages[j].Order
	})
	return messages, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
