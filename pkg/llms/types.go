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

// Package llms provides chat-completion providers with a uniform call
// surface over local (Ollama) and remote (OpenAI-compatible) backends.
package llms

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions carries per-call sampling parameters. Zero values fall
// back to the provider's configured defaults.
type GenerateOptions struct {
	Temperature *float64
	MaxTokens   int
	Stop        []string
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one element of a streaming generation. Chunks never split
// a UTF-8 code point; Err is set at most once, on the final chunk.
type StreamChunk struct {
	Text string
	Err  error
}

// Provider is the uniform chat-completion surface. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Generate runs a non-streaming completion.
	Generate(ctx context.Context, messages []Message, opts *GenerateOptions) (string, Usage, error)

	// GenerateStreaming starts a completion and returns a channel of
	// token-level chunks in generation order. The channel is closed when
	// the completion ends, errors, or ctx is cancelled.
	GenerateStreaming(ctx context.Context, messages []Message, opts *GenerateOptions) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string

	Close() error
}
