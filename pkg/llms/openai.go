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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI chat-completions protocol. It works
// against any OpenAI-compatible server (vLLM, llama.cpp, TGI, the real API).
type OpenAIProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
	StreamOpts  *openAIStreamOp `json:"stream_options,omitempty"`
}

type openAIStreamOp struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg config.LLMConfig) (*OpenAIProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for OpenAI provider")
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OpenAIProvider{cfg: cfg, httpClient: client}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) Close() error { return nil }

// Generate runs a non-streaming completion.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts *GenerateOptions) (string, Usage, error) {
	resp, err := p.roundTrip(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, NewProtocolError("openai", fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != nil {
		return "", Usage{}, NewProtocolError("openai", fmt.Errorf("API error: %s", out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return "", Usage{}, NewProtocolError("openai", fmt.Errorf("response contained no choices"))
	}

	usage := Usage{}
	if out.Usage != nil {
		usage = Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	return out.Choices[0].Message.Content, usage, nil
}

// GenerateStreaming starts a streaming completion. Chunks are forwarded as
// they arrive; SSE lines are code-point aligned by the protocol, so no
// mid-rune splits are emitted.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, opts *GenerateOptions) (<-chan StreamChunk, error) {
	resp, err := p.roundTrip(ctx, p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					out <- StreamChunk{Err: WrapBackendError("openai", fmt.Errorf("failed to read stream: %w", err))}
				}
				return
			}

			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			line = line[len("data: "):]
			if bytes.Equal(line, []byte("[DONE]")) {
				return
			}

			var chunk openAIStreamResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				out <- StreamChunk{Err: NewProtocolError("openai", fmt.Errorf("API error: %s", chunk.Error.Message))}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case out <- StreamChunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts *GenerateOptions, stream bool) openAIRequest {
	req := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}
	if opts != nil {
		if opts.Temperature != nil {
			req.Temperature = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			req.MaxTokens = opts.MaxTokens
		}
		req.Stop = opts.Stop
	}
	return req
}

func (p *OpenAIProvider) roundTrip(ctx context.Context, reqBody openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewProtocolError("openai", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(p.cfg.Host, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewProtocolError("openai", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, WrapBackendError("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, WrapBackendError("openai", err)
		}
		return nil, NewProtocolError("openai", err)
	}
	return resp, nil
}
