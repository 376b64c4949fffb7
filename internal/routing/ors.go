package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transit-tracker/internal/transit"
)

const DefaultORSBaseURL = "https://api.openrouteservice.org"

// ORSClient talks to the OpenRouteService directions API.
type ORSClient struct {
	baseURL string
	apiKey  string
	profile string
	client  *http.Client
	metrics Metrics
}

func NewORSClient(baseURL, apiKey, profile string, timeout time.Duration, m Metrics) *ORSClient {
	if baseURL == "" {
		baseURL = DefaultORSBaseURL
	}
	if profile == "" {
		profile = "driving-car"
	}
	return &ORSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		profile: profile,
		client:  newHTTPClient(timeout),
		metrics: m,
	}
}

type orsRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
}

type orsResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Segments []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"segments"`
			Summary struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

func (c *ORSClient) Route(ctx context.Context, coords []transit.Coordinate) (res Result, err error) {
	if len(coords) < 2 {
		return Result{}, unavailable("need at least 2 coordinates, got %d", len(coords))
	}
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RoutingRequest("ors", err == nil, time.Since(start))
		}
	}()

	body, err := json.Marshal(orsRequest{Coordinates: toLonLat(coords)})
	if err != nil {
		return Result{}, fmt.Errorf("encode ors request: %w", err)
	}
	url := fmt.Sprintf("%s/v2/directions/%s/geojson", c.baseURL, c.profile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, unavailable("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/geo+json, application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, unavailable("ors request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, unavailable("ors returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, unavailable("read ors response: %v", err)
	}
	var parsed orsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, unavailable("decode ors response: %v", err)
	}
	if len(parsed.Features) == 0 {
		return Result{}, unavailable("ors returned no features")
	}
	f := parsed.Features[0]
	poly, err := fromLonLat(f.Geometry.Coordinates)
	if err != nil {
		return Result{}, unavailable("ors geometry: %v", err)
	}
	res = Result{Polyline: poly, Total: seconds(f.Properties.Summary.Duration)}
	for _, s := range f.Properties.Segments {
		res.Segments = append(res.Segments, seconds(s.Duration))
	}
	if res.Total == 0 {
		for _, s := range res.Segments {
			res.Total += s
		}
	}
	return res, nil
}
