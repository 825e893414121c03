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

// TEIReranker speaks the text-embeddings-inference /rerank protocol,
// requesting raw (unsigmoided) logits.
type TEIReranker struct {
	cfg        config.RerankerConfig
	httpClient *httpclient.Client
}

type teiRerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type teiRerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewTEIReranker creates a reranker from config.
func NewTEIReranker(cfg config.RerankerConfig) (*TEIReranker, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for TEI reranker")
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	)
	return &TEIReranker{cfg: cfg, httpClient: client}, nil
}

func (r *TEIReranker) Close() error { return nil }

func (r *TEIReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(teiRerankRequest{Query: query, Texts: passages, RawScores: true})
	if err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to marshal request: %w", err))
	}

	url := strings.TrimSuffix(r.cfg.Host, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

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

	var results []teiRerankResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, llms.NewProtocolError("reranker", fmt.Errorf("failed to decode response: %w", err))
	}

	scores := make([]float64, len(passages))
	for i := range scores {
		scores[i] = SentinelScore
	}
	for _, res := range results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.Score
		}
	}
	return scores, nil
}
