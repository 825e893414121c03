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

// Package protocol defines the semantic events flowing from the reasoning
// engine to the response writer, and their wire names. It has no
// dependencies so every layer can import it.
package protocol

// EventKind names match the SSE event field verbatim.
type EventKind string

const (
	EventSessionCreated   EventKind = "session_created"
	EventUserMessageSaved EventKind = "user_message_saved"
	EventThought          EventKind = "thought"
	EventAction           EventKind = "action"
	EventObservation      EventKind = "observation"
	EventAnswerChunk      EventKind = "answer_chunk"
	EventDocuments        EventKind = "documents"
	EventAiMessageSaved   EventKind = "ai_message_saved"
	EventDone             EventKind = "done"
	EventError            EventKind = "error"
)

// Error kinds carried on Error events.
const (
	ErrKindIterationBudget = "iteration_budget_exceeded"
	ErrKindBackend         = "backend_error"
	ErrKindPersistence     = "persistence_error"
)

// DocumentRef identifies one cited source document.
type DocumentRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Event is the tagged union published on the bus. Only the fields relevant
// to the kind are set.
type Event struct {
	Kind EventKind

	// Content carries thought/action/observation text, answer chunks,
	// persisted message content and error messages.
	Content string

	SessionID   string
	SessionName string
	MessageID   string
	Documents   []DocumentRef

	// ErrKind qualifies Error events.
	ErrKind string
}

// Droppable reports whether the bus may drop this event under
// back-pressure. Only intermediate reasoning events are expendable;
// answer chunks, documents and terminals never are.
func (e Event) Droppable() bool {
	switch e.Kind {
	case EventThought, EventAction, EventObservation:
		return true
	}
	return false
}

// Terminal reports whether this event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventDone
}
