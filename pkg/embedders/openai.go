package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/httpclient"
	"github.com/ragkit/sage/pkg/llms"
)

// OpenAIEmbedder speaks the OpenAI /embeddings protocol. It works against
// any compatible server (TEI, infinity, vLLM, the real API).
type OpenAIEmbedder struct {
	cfg        config.EmbedderConfig
	httpClient *httpclient.Client
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder creates an embedder from config.
func NewOpenAIEmbedder(cfg config.EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for OpenAI embedder")
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OpenAIEmbedder{cfg: cfg, httpClient: client}, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

func (e *OpenAIEmbedder) Close() error { return nil }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prefix := e.cfg.PassagePrefix
	if mode == ModeQuery {
		prefix = e.cfg.QueryPrefix
	}

	payload, err := json.Marshal(openAIEmbedRequest{
		Model: e.cfg.Model,
		Input: applyPrefix(texts, prefix),
	})
	if err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(e.cfg.Host, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, llms.WrapBackendError("embedder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, llms.WrapBackendError("embedder", err)
		}
		return nil, llms.NewProtocolError("embedder", err)
	}

	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("API error: %s", out.Error.Message))
	}
	if len(out.Data) != len(texts) {
		return nil, llms.NewProtocolError("embedder",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data)))
	}

	// The API may return entries out of order; realign by index.
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		normalize(d.Embedding)
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
