package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ragkit/sage/pkg/agent"
)

// maxUploadBytes bounds attachment size.
const maxUploadBytes = 32 << 20

// messageRequest mirrors the JSON body of POST /messages. Multipart forms
// carry the same field names.
type messageRequest struct {
	Content             string          `json:"content"`
	UserID              string          `json:"user_id"`
	SessionID           string          `json:"session_id"`
	ShowThinking        bool            `json:"show_thinking"`
	SkipCache           bool            `json:"skip_cache"`
	Admin               bool            `json:"admin"`
	Location            json.RawMessage `json:"location"`
	RegenerateMessageID string          `json:"regenerate_message_id"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	req, status, err := s.parseMessageRequest(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	writer, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.handler.HandleMessage(r.Context(), req, writer); err != nil {
		s.logger.Error("message pipeline failed", "error", err)
		if !writer.Started() {
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

// parseMessageRequest accepts either a JSON body or a multipart form and
// validates the result. The returned status is meaningful only on error.
func (s *Server) parseMessageRequest(r *http.Request) (agent.Request, int, error) {
	var req agent.Request

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %v", err)
		}
		req.Content = r.FormValue("content")
		req.UserID = r.FormValue("user_id")
		req.SessionID = r.FormValue("session_id")
		req.ShowThinking = parseBool(r.FormValue("show_thinking"))
		req.SkipCache = parseBool(r.FormValue("skip_cache"))
		req.Admin = parseBool(r.FormValue("admin"))
		req.Location = r.FormValue("location")
		req.RegenerateMessageID = r.FormValue("regenerate_message_id")

		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, readErr := io.ReadAll(io.LimitReader(file, maxUploadBytes))
			if readErr != nil {
				return req, http.StatusBadRequest, fmt.Errorf("failed to read attachment: %v", readErr)
			}
			if !s.extract.Supported(header.Filename) {
				return req, http.StatusBadRequest, fmt.Errorf("unsupported attachment type: %s", header.Filename)
			}
			text, extractErr := s.extract.Extract(header.Filename, data)
			if extractErr != nil {
				return req, http.StatusBadRequest, fmt.Errorf("failed to extract attachment: %v", extractErr)
			}
			req.FileName = header.Filename
			req.FileSize = header.Size
			req.FileType = header.Header.Get("Content-Type")
			req.FileText = text
		} else if err != http.ErrMissingFile {
			return req, http.StatusBadRequest, fmt.Errorf("invalid attachment: %v", err)
		}
	} else {
		var body messageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %v", err)
		}
		req.Content = body.Content
		req.UserID = body.UserID
		req.SessionID = body.SessionID
		req.ShowThinking = body.ShowThinking
		req.SkipCache = body.SkipCache
		req.Admin = body.Admin
		req.Location = string(body.Location)
		req.RegenerateMessageID = body.RegenerateMessageID
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return req, http.StatusBadRequest, fmt.Errorf("content is required")
	}
	if req.UserID == "" {
		return req, http.StatusBadRequest, fmt.Errorf("user_id is required")
	}
	return req, http.StatusOK, nil
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(value)
	return err == nil && b
}
