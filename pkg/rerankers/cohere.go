package rerankers

import (
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
	"github.com/ragkit/sage/pkg/llms"
)

// CohereReranker speaks the Cohere v1 rerank protocol.
type CohereReranker struct {
	cfg        config.RerankerConfig
	httpClient *httpclient.Client
}

type cohereRerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// NewCohereReranker creates a reranker from config.
func NewCohereReranker(cfg config.RerankerConfig) (*CohereReranker, error) {
	if cfg.Host == "" {
		cfg.Host = "https://api.cohere.ai"
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for Cohere reranker")
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &CohereReranker{cfg: cfg, httpClient: client}, nil
}

func (r *CohereReranker) Close() error { return nil }

func (r *CohereReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(cohereRerankRequest{
		Model:     r.cfg.Model,
		Query:     query,
		Documents: passages,
		TopN:      len(passages),
	})
	if err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(r.cfg.Host, "/") + "/v1/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, llms.WrapBackendError("reranker", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, llms.WrapBackendError("reranker", err)
		}
		return nil, llms.NewProtocolError("reranker", err)
	}

	var out cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to decode response: %w", err))
	}

	scores := make([]float64, len(passages))
	for i := range scores {
		scores[i] = SentinelScore
	}
	for _, res := range out.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
		}
	}
	return scores, nil
}
