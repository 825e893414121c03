package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ragkit/sage/pkg/httpclient"
)

// geoTool is the shared shape of the four geo-service tools: geocode,
// ip_location, poi_search and route_planning. Each maps its arguments onto
// one endpoint path and returns the service's JSON body as the observation.
type geoTool struct {
	name        string
	description string
	params      []Parameter
	path        string
	// buildQuery maps parsed arguments to query values.
	buildQuery func(args Arguments) url.Values

	endpoint   string
	apiKey     string
	httpClient *httpclient.Client
}

const geoObservationLimit = 4096

func (t *geoTool) Name() string            { return t.name }
func (t *geoTool) Description() string     { return t.description }
func (t *geoTool) Parameters() []Parameter { return t.params }

func (t *geoTool) Execute(ctx context.Context, args Arguments) (string, error) {
	if t.endpoint == "" {
		return "", fmt.Errorf("%s is not configured", t.name)
	}

	query := t.buildQuery(args)
	if t.apiKey != "" {
		query.Set("key", t.apiKey)
	}
	u := strings.TrimSuffix(t.endpoint, "/") + t.path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, geoObservationLimit))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d: %s", t.name, resp.StatusCode, string(body))
	}
	return string(body), nil
}

// NewGeoTools builds the four geo-service tools against one endpoint.
func NewGeoTools(endpoint, apiKey string) []Tool {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	)
	base := func(name, description, path string, params []Parameter, build func(Arguments) url.Values) *geoTool {
		return &geoTool{
			name:        name,
			description: description,
			params:      params,
			path:        path,
			buildQuery:  build,
			endpoint:    endpoint,
			apiKey:      apiKey,
			httpClient:  client,
		}
	}

	return []Tool{
		base("geocode",
			"Convert a street address into geographic coordinates.",
			"/v3/geocode/geo",
			[]Parameter{
				{Name: "address", Type: TypeString, Required: true, Description: "Street address"},
				{Name: "city", Type: TypeString, Required: false, Description: "City to search within"},
			},
			func(args Arguments) url.Values {
				q := url.Values{}
				q.Set("address", args.String("address", ""))
				if city := args.String("city", ""); city != "" {
					q.Set("city", city)
				}
				return q
			}),
		base("ip_location",
			"Look up the approximate location of an IP address.",
			"/v3/ip",
			[]Parameter{
				{Name: "ip", Type: TypeString, Required: true, Description: "IPv4 address"},
			},
			func(args Arguments) url.Values {
				q := url.Values{}
				q.Set("ip", args.String("ip", ""))
				return q
			}),
		base("poi_search",
			"Search for points of interest by keyword, optionally within a city.",
			"/v3/place/text",
			[]Parameter{
				{Name: "keywords", Type: TypeString, Required: true, Description: "Search keywords"},
				{Name: "city", Type: TypeString, Required: false, Description: "City to search within"},
			},
			func(args Arguments) url.Values {
				q := url.Values{}
				q.Set("keywords", args.String("keywords", ""))
				if city := args.String("city", ""); city != "" {
					q.Set("city", city)
				}
				return q
			}),
		base("route_planning",
			"Plan a driving route between two coordinate pairs (longitude,latitude).",
			"/v3/direction/driving",
			[]Parameter{
				{Name: "origin", Type: TypeString, Required: true, Description: "Origin as lon,lat"},
				{Name: "destination", Type: TypeString, Required: true, Description: "Destination as lon,lat"},
			},
			func(args Arguments) url.Values {
				q := url.Values{}
				q.Set("origin", args.String("origin", ""))
				q.Set("destination", args.String("destination", ""))
				return q
			}),
	}
}
