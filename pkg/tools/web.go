package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ragkit/sage/pkg/httpclient"
)

// WebSearchTool queries an external search endpoint and formats the top
// results as text.
type WebSearchTool struct {
	endpoint   string
	httpClient *httpclient.Client
}

// NewWebSearchTool creates the tool. endpoint may be empty; the tool then
// reports itself unconfigured at call time.
func NewWebSearchTool(endpoint string) *WebSearchTool {
	return &WebSearchTool{
		endpoint: endpoint,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
		),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the public web for current information. Returns titles, snippets and URLs."
}

func (t *WebSearchTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "query", Type: TypeString, Required: true, Description: "Search query"},
	}
}

type webSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		URL     string `json:"url"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args Arguments) (string, error) {
	if t.endpoint == "" {
		return "", fmt.Errorf("web search is not configured")
	}
	query := args.String("query", "")

	u := t.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("web search returned status %d: %s", resp.StatusCode, string(body))
	}

	var out webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode search results: %w", err)
	}
	if len(out.Results) == 0 {
		return "No web results found.", nil
	}

	var b strings.Builder
	for i, r := range out.Results {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n", i+1, r.Title, r.Snippet, r.URL)
	}
	return strings.TrimSpace(b.String()), nil
}
