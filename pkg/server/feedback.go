package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ragkit/sage/pkg/store"
)

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
}

// handleFeedback records a like or dislike on an assistant message. A
// dislike on a cached answer can invalidate the cache entry.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	if body.Kind != "positive" && body.Kind != "negative" {
		writeError(w, http.StatusBadRequest, "kind must be positive or negative")
		return
	}

	msg, err := s.sessions.GetMessage(r.Context(), body.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load message", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return
	}

	if s.feedback != nil && msg.Extra.ThoughtChainID != "" {
		if err := s.feedback.RecordFeedback(r.Context(), msg.Extra.ThoughtChainID, body.Kind == "positive"); err != nil {
			s.logger.Error("failed to record feedback", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record feedback")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
