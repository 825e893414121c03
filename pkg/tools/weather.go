package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ragkit/sage/pkg/httpclient"
)

// WeatherTool queries an external weather endpoint for current conditions
// in a city.
type WeatherTool struct {
	endpoint   string
	httpClient *httpclient.Client
}

// NewWeatherTool creates the tool. endpoint may be empty; the tool then
// reports itself unconfigured at call time.
func NewWeatherTool(endpoint string) *WeatherTool {
	return &WeatherTool{
		endpoint: endpoint,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
		),
	}
}

func (t *WeatherTool) Name() string { return "weather_query" }

func (t *WeatherTool) Description() string {
	return "Look up current weather conditions for a city."
}

func (t *WeatherTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "city", Type: TypeString, Required: true, Description: "City name"},
	}
}

func (t *WeatherTool) Execute(ctx context.Context, args Arguments) (string, error) {
	if t.endpoint == "" {
		return "", fmt.Errorf("weather query is not configured")
	}
	city := args.String("city", "")

	u := t.endpoint + "?city=" + url.QueryEscape(city)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather service returned status %d: %s", resp.StatusCode, string(body))
	}

	// Compact any JSON payload; pass plain text through untouched.
	var compact json.RawMessage
	if err := json.Unmarshal(body, &compact); err == nil {
		return string(compact), nil
	}
	return string(body), nil
}
