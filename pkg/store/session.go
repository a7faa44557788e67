package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/apperrors"
)

type sessionMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSession creates a new session for userID. The row store is
// authoritative: its failure is fatal. Cache and index writes are
// best-effort and logged.
func (s *Store) CreateSession(ctx context.Context, userID, name string) (string, error) {
	sessionID := uuid.NewString()
	now := s.now()

	if name == "" {
		name = "新会话"
	}

	if _, err := s.rows.Exec(ctx,
		"INSERT INTO users (user_id, username, created_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE user_id = user_id",
		userID, userID, now); err != nil {
		return "", apperrors.New(apperrors.KindRowStore, "create session: upsert user", err)
	}

	if _, err := s.rows.Exec(ctx,
		"INSERT INTO sessions (session_id, user_id, name, created_at, updated_at, is_active) VALUES (?, ?, ?, ?, ?, 1)",
		sessionID, userID, name, now, now); err != nil {
		return "", apperrors.New(apperrors.KindRowStore, "create session: insert", err)
	}

	if s.cache != nil {
		meta, _ := json.Marshal(sessionMeta{Name: name, CreatedAt: now})
		if err := s.cache.HSet(ctx, sessionsKey(userID), sessionID, string(meta)); err != nil {
			s.logger.Warn("session cache write failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	doc := map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"name":       name,
		"created_at": now,
		"messages":   []any{},
	}
	if err := s.index.IndexDoc(ctx, s.conversationIndex, doc, userID+"_"+sessionID); err != nil {
		s.logger.Warn("session index write failed", "user_id", userID, "session_id", sessionID, "error", err)
	}

	return sessionID, nil
}

// ListSessions returns the active sessions of userID, cache-first with a
// row-store refill on miss.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if s.cache != nil {
		cached, err := s.cache.HGetAll(ctx, sessionsKey(userID))
		if err != nil {
			s.logger.Warn("session cache read failed", "user_id", userID, "error", err)
		} else if len(cached) > 0 {
			sessions := make([]Session, 0, len(cached))
			for sessionID, raw := range cached {
				var meta sessionMeta
				if err := json.Unmarshal([]byte(raw), &meta); err != nil {
					continue
				}
				sessions = append(sessions, Session{
					SessionID: sessionID,
					UserID:    userID,
					Name:      meta.Name,
					CreatedAt: meta.CreatedAt,
					Active:    true,
				})
			}
			return sessions, nil
		}
	}

	rows, err := s.rows.Query(ctx,
		"SELECT session_id, name, created_at, updated_at FROM sessions WHERE user_id = ? AND is_active = 1 ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, apperrors.New(apperrors.KindRowStore, "list sessions", err)
	}

	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		session := Session{
			SessionID: asString(row["session_id"]),
			UserID:    userID,
			Name:      asString(row["name"]),
			CreatedAt: asTime(row["created_at"]),
			UpdatedAt: asTime(row["updated_at"]),
			Active:    true,
		}
		sessions = append(sessions, session)

		if s.cache != nil {
			meta, _ := json.Marshal(sessionMeta{Name: session.Name, CreatedAt: session.CreatedAt})
			if err := s.cache.HSet(ctx, sessionsKey(userID), session.SessionID, string(meta)); err != nil {
				s.logger.Warn("session cache refill failed", "user_id", userID, "error", err)
				break
			}
		}
	}
	return sessions, nil
}

// GetSession looks up one session in the row store.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	rows, err := s.rows.Query(ctx,
		"SELECT session_id, name, created_at, updated_at, is_active FROM sessions WHERE user_id = ? AND session_id = ?",
		userID, sessionID)
	if err != nil {
		return nil, apperrors.New(apperrors.KindRowStore, "get session", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	return &Session{
		SessionID: asString(row["session_id"]),
		UserID:    userID,
		Name:      asString(row["name"]),
		CreatedAt: asTime(row["created_at"]),
		UpdatedAt: asTime(row["updated_at"]),
		Active:    asBool(row["is_active"]),
	}, nil
}

// DeleteSession soft-deletes the session. Idempotent; missing state never
// raises.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.rows.Exec(ctx,
		"UPDATE sessions SET is_active = 0 WHERE user_id = ? AND session_id = ?",
		userID, sessionID); err != nil {
		return apperrors.New(apperrors.KindRowStore, "delete session", err)
	}

	if s.cache != nil {
		if err := s.cache.HDel(ctx, sessionsKey(userID), sessionID); err != nil {
			s.logger.Warn("session cache delete failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
		if err := s.cache.Del(ctx, messagesKey(userID, sessionID)); err != nil {
			s.logger.Warn("message cache delete failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	if err := s.index.DeleteDoc(ctx, s.conversationIndex, userID+"_"+sessionID); err != nil {
		s.logger.Warn("session index delete failed", "user_id", userID, "session_id", sessionID, "error", err)
	}
	return nil
}

// RenameSession updates the session name in the row store and refreshes
// the cache entry.
func (s *Store) RenameSession(ctx context.Context, userID, sessionID, name string) error {
	affected, err := s.rows.Exec(ctx,
		"UPDATE sessions SET name = ?, updated_at = ? WHERE user_id = ? AND session_id = ? AND is_active = 1",
		name, s.now(), userID, sessionID)
	if err != nil {
		return apperrors.New(apperrors.KindRowStore, "rename session", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}

	if s.cache != nil {
		meta, _ := json.Marshal(sessionMeta{Name: name, CreatedAt: s.now()})
		if err := s.cache.HSet(ctx, sessionsKey(userID), sessionID, string(meta)); err != nil {
			s.logger.Warn("session cache rename failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// TouchSession refreshes updated_at; called after a message append so
// session lists sort by recency. Best-effort.
func (s *Store) TouchSession(ctx context.Context, userID, sessionID string) {
	if _, err := s.rows.Exec(ctx,
		"UPDATE sessions SET updated_at = ? WHERE user_id = ? AND session_id = ?",
		s.now(), userID, sessionID); err != nil {
		s.logger.Warn("session touch failed", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case []byte:
		return len(b) > 0 && b[0] == '1'
	case string:
		return b == "1" || b == "true"
	}
	return false
}
