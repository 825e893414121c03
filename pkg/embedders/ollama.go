package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/httpclient"
	"github.com/ragkit/sage/pkg/llms"
)

// Serialize Ollama embedding requests. Ollama's llama runner can crash when
// it receives concurrent embedding requests.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder speaks the Ollama /api/embeddings protocol, one text per
// request.
type OllamaEmbedder struct {
	cfg        config.EmbedderConfig
	httpClient *httpclient.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewOllamaEmbedder creates an embedder from config.
func NewOllamaEmbedder(cfg config.EmbedderConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = "http://localhost:11434"
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &OllamaEmbedder{cfg: cfg, httpClient: client}, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.cfg.Dimension }

func (e *OllamaEmbedder) ModelName() string { return e.cfg.Model }

func (e *OllamaEmbedder) Close() error { return nil }

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	prefix := e.cfg.PassagePrefix
	if mode == ModeQuery {
		prefix = e.cfg.QueryPrefix
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range applyPrefix(texts, prefix) {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(e.cfg.Host, "/") + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, llms.WrapBackendError("embedder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llms.WrapBackendError("embedder",
			fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != "" {
		return nil, llms.NewProtocolError("embedder", fmt.Errorf("API error: %s", out.Error))
	}

	normalize(out.Embedding)
	return out.Embedding, nil
}
