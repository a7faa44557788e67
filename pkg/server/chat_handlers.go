package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/chat"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
)

type streamBody struct {
	Content string `json:"content"`
	Query   string `json:"query"`
}

type chatBody struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	Query           string `json:"query"`
	SceneID         int    `json:"scene_id"`
	EnableKnowledge *bool  `json:"enable_knowledge"`
	TopK            int    `json:"top_k"`
}

// handleChatStream streams frames as chunked text/plain. Each frame is
// flushed individually so tokens reach the client as they are produced;
// a client disconnect cancels the request context and aborts the
// pipeline.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body streamBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	question := body.Content
	if question == "" {
		question = body.Query
	}
	if strings.TrimSpace(question) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sceneID, err := parseSceneID(r.URL.Query().Get("scene_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := chat.Request{
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Question:  question,
		SceneID:   sceneID,
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for frame := range s.runner.Run(r.Context(), req) {
		if _, err := w.Write(frame.Encode()); err != nil {
			// client went away; the context cancellation stops the
			// pipeline
			return
		}
		flusher.Flush()
	}
}

// handleChat runs the same pipeline but collects the answer server-side.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	sceneID := body.SceneID
	if sceneID == 0 {
		sceneID = chat.SceneHybrid
	}

	req := chat.Request{
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Question:  body.Query,
		SceneID:   sceneID,
		TopK:      body.TopK,
	}
	if body.EnableKnowledge != nil && !*body.EnableKnowledge {
		req.DisableRetrieval = true
	}

	var answer, full strings.Builder
	var failed string
	for frame := range s.runner.Run(r.Context(), req) {
		full.WriteString(frame.Content)
		switch frame.Type {
		case protocol.TypeData:
			answer.WriteString(frame.Content)
		case protocol.TypeError:
			failed = frame.Content
		}
	}

	if failed != "" {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": failed})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":      stripDataTags(answer.String()),
		"full_response": full.String(),
		"session_id":    body.SessionID,
		"user_id":       body.UserID,
	})
}

func parseSceneID(raw string) (int, error) {
	if raw == "" {
		return chat.SceneHybrid, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < chat.SceneHybrid || id > chat.SceneTextOnly {
		return 0, errInvalidScene
	}
	return id, nil
}

var errInvalidScene = invalidSceneError{}

type invalidSceneError struct{}

func (invalidSceneError) Error() string { return "scene_id must be 1, 2 or 3" }

func stripDataTags(s string) string {
	s = strings.ReplaceAll(s, "<data>", "")
	s = strings.ReplaceAll(s, "</data>", "")
	return strings.TrimSpace(s)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
