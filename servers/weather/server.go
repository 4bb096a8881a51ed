// Package weather provides an MCP server exposing United States weather data
// from the National Weather Service API as tools.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultNWSBaseURL = "https://api.weather.gov"

// Server implements mcp.ToolServer backed by the National Weather Service API.
type Server struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// Option configures the weather server.
type Option func(*Server)

// WithBaseURL overrides the National Weather Service API base URL.
func WithBaseURL(baseURL string) Option {
	return func(s *Server) {
		s.baseURL = baseURL
	}
}

// WithHTTPClient sets the http.Client used for API requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Server) {
		s.httpClient = httpClient
	}
}

// NewServer creates a new weather server.
func NewServer(options ...Option) *Server {
	s := &Server{
		baseURL:    defaultNWSBaseURL,
		userAgent:  "streamable-mcp-weather/1.0",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

type alertsResponse struct {
	Features []struct {
		Properties struct {
			Event       string `json:"event"`
			AreaDesc    string `json:"areaDesc"`
			Severity    string `json:"severity"`
			Status      string `json:"status"`
			Headline    string `json:"headline"`
			Description string `json:"description"`
			Instruction string `json:"instruction"`
		} `json:"properties"`
	} `json:"features"`
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []struct {
			Name             string `json:"name"`
			Temperature      int    `json:"temperature"`
			TemperatureUnit  string `json:"temperatureUnit"`
			WindSpeed        string `json:"windSpeed"`
			WindDirection    string `json:"windDirection"`
			DetailedForecast string `json:"detailedForecast"`
		} `json:"periods"`
	} `json:"properties"`
}

func (s *Server) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/geo+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
