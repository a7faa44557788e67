package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

type createSessionBody struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sessionID, err := s.sessions.CreateSession(r.Context(), body.UserID, body.Name)
	if err != nil {
		s.logger.Error("session creation failed", "user_id", body.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sessions, err := s.sessions.ListSessions(r.Context(), userID)
	if err != nil {
		s.logger.Error("session listing failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "session listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := chi.URLParam(r, "sessionID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := s.sessions.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	response := map[string]any{"session": session}
	if include, _ := strconv.ParseBool(r.URL.Query().Get("include_messages")); include {
		messages, err := s.sessions.GetMessages(r.Context(), userID, sessionID)
		if err != nil {
			s.logger.Warn("message load failed", "session_id", sessionID, "error", err)
			messages = nil
		}
		response["messages"] = messages
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := chi.URLParam(r, "sessionID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.sessions.DeleteSession(r.Context(), userID, sessionID); err != nil {
		s.logger.Error("session deletion failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "session deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type renameSessionBody struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var body renameSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.UserID == "" || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "user_id and name are required")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := s.sessions.RenameSession(r.Context(), body.UserID, sessionID, body.Name); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := chi.URLParam(r, "sessionID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := s.sessions.ClearMessages(r.Context(), userID, sessionID); err != nil {
		s.logger.Error("message clearing failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "message clearing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
