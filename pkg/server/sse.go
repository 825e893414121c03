// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the HTTP surface: the streaming /messages
// endpoint, session and feedback endpoints, health and metrics.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ragkit/sage/pkg/protocol"
)

// SSEWriter translates semantic events to Server-Sent Events framing. The
// response headers are written lazily on the first event so validation
// failures can still produce a plain HTTP status.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter wraps a response writer. The writer must support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Started reports whether the SSE headers have been sent.
func (s *SSEWriter) Started() bool { return s.started }

// Write emits one event as two lines plus a blank line and flushes.
func (s *SSEWriter) Write(event protocol.Event) error {
	if !s.started {
		header := s.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(eventPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// eventPayload maps an event to its wire schema.
func eventPayload(event protocol.Event) interface{} {
	switch event.Kind {
	case protocol.EventSessionCreated:
		return struct {
			SessionID   string `json:"session_id"`
			SessionName string `json:"session_name"`
		}{event.SessionID, event.SessionName}
	case protocol.EventUserMessageSaved, protocol.EventAiMessageSaved:
		return struct {
			UUID    string `json:"uuid"`
			Content string `json:"content"`
		}{event.MessageID, event.Content}
	case protocol.EventDocuments:
		docs := event.Documents
		if docs == nil {
			docs = []protocol.DocumentRef{}
		}
		return struct {
			Documents []protocol.DocumentRef `json:"documents"`
		}{docs}
	case protocol.EventDone:
		return struct {
			SessionID string `json:"session_id"`
		}{event.SessionID}
	case protocol.EventError:
		return struct {
			Message string `json:"message"`
			Kind    string `json:"kind,omitempty"`
		}{event.Content, event.ErrKind}
	default:
		// thought, action, observation, answer_chunk
		return struct {
			Content string `json:"content"`
		}{event.Content}
	}
}
