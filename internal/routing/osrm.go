package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transit-tracker/internal/transit"
)

// OSRMClient talks to an OSRM route service.
// DefaultOSRMBaseURL is the public demo server; it is rate limited.
const DefaultOSRMBaseURL = "https://router.project-osrm.org"

type OSRMClient struct {
	baseURL string
	profile string
	client  *http.Client
	metrics Metrics
}

func NewOSRMClient(baseURL, profile string, timeout time.Duration, m Metrics) *OSRMClient {
	if baseURL == "" {
		baseURL = DefaultOSRMBaseURL
	}
	if profile == "" {
		profile = "driving"
	}
	return &OSRMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
		client:  newHTTPClient(timeout),
		metrics: m,
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Legs []struct {
			Duration float64 `json:"duration"`
		} `json:"legs"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (c *OSRMClient) Route(ctx context.Context, coords []transit.Coordinate) (res Result, err error) {
	if len(coords) < 2 {
		return Result{}, unavailable("need at least 2 coordinates, got %d", len(coords))
	}
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RoutingRequest("osrm", err == nil, time.Since(start))
		}
	}()

	pairs := make([]string, len(coords))
	for i, p := range toLonLat(coords) {
		pairs[i] = fmt.Sprintf("%.6f,%.6f", p[0], p[1])
	}
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson",
		c.baseURL, c.profile, strings.Join(pairs, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, unavailable("build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, unavailable("osrm request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, unavailable("osrm returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, unavailable("read osrm response: %v", err)
	}
	var parsed osrmResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, unavailable("decode osrm response: %v", err)
	}
	if parsed.Code != "" && parsed.Code != "Ok" {
		return Result{}, unavailable("osrm code %s", parsed.Code)
	}
	if len(parsed.Routes) == 0 {
		return Result{}, unavailable("osrm returned no routes")
	}
	r := parsed.Routes[0]
	poly, err := fromLonLat(r.Geometry.Coordinates)
	if err != nil {
		return Result{}, unavailable("osrm geometry: %v", err)
	}
	res = Result{Polyline: poly, Total: seconds(r.Duration)}
	for _, leg := range r.Legs {
		res.Segments = append(res.Segments, seconds(leg.Duration))
	}
	return res, nil
}
