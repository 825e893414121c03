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

// OllamaProvider speaks the Ollama /api/chat protocol for local models.
// Ollama streams newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaProvider creates a provider from config.
func NewOllamaProvider(cfg config.LLMConfig) (*OllamaProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OllamaProvider{cfg: cfg, httpClient: client}, nil
}

func (p *OllamaProvider) ModelName() string { return p.cfg.Model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, opts *GenerateOptions) (string, Usage, error) {
	resp, err := p.roundTrip(ctx, p.buildRequest(messages, opts, false))
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, NewProtocolError("ollama", fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != "" {
		return "", Usage{}, NewProtocolError("ollama", fmt.Errorf("API error: %s", out.Error))
	}
	usage := Usage{
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		TotalTokens:      out.PromptEvalCount + out.EvalCount,
	}
	return out.Message.Content, usage, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []Message, opts *GenerateOptions) (<-chan StreamChunk, error) {
	resp, err := p.roundTrip(ctx, p.buildRequest(messages, opts, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				out <- StreamChunk{Err: NewProtocolError("ollama", fmt.Errorf("API error: %s", chunk.Error))}
				return
			}
			if chunk.Message.Content != "" {
				select {
				case out <- StreamChunk{Text: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: WrapBackendError("ollama", fmt.Errorf("failed to read stream: %w", err))}
		}
	}()
	return out, nil
}

func (p *OllamaProvider) buildRequest(messages []Message, opts *GenerateOptions, stream bool) ollamaChatRequest {
	options := map[string]any{
		"temperature": p.cfg.Temperature,
		"num_predict": p.cfg.MaxTokens,
	}
	if opts != nil {
		if opts.Temperature != nil {
			options["temperature"] = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			options["num_predict"] = opts.MaxTokens
		}
		if len(opts.Stop) > 0 {
			options["stop"] = opts.Stop
		}
	}
	return ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	}
}

func (p *OllamaProvider) roundTrip(ctx context.Context, reqBody ollamaChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewProtocolError("ollama", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(p.cfg.Host, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewProtocolError("ollama", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, WrapBackendError("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			return nil, WrapBackendError("ollama", err)
		}
		return nil, NewProtocolError("ollama", err)
	}
	return resp, nil
}
