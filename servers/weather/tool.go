package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/qri-io/jsonschema"
)

var alertsSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "state": { "type": "string", "minLength": 2, "maxLength": 2 }
  },
  "required": ["state"]
}`)

var forecastSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "latitude": { "type": "number", "minimum": -90, "maximum": 90 },
    "longitude": { "type": "number", "minimum": -180, "maximum": 180 }
  },
  "required": ["latitude", "longitude"]
}`)

var toolList = []mcp.Tool{
	{
		Name:        "get-alerts",
		Description: "Get active weather alerts for a US state (two-letter code)",
		InputSchema: alertsSchema,
	},
	{
		Name:        "get-forecast",
		Description: "Get the weather forecast for a location",
		InputSchema: forecastSchema,
	},
}

// ListTools implements the mcp.ToolServer interface.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements the mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "get-alerts":
		return s.callGetAlerts(ctx, params)
	case "get-forecast":
		return s.callGetForecast(ctx, params)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

type alertsArgs struct {
	State string `json:"state"`
}

type forecastArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) callGetAlerts(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, alertsSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	var args alertsArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	url := fmt.Sprintf("%s/alerts/active/area/%s", s.baseURL, strings.ToUpper(args.State))

	var alerts alertsResponse
	if err := s.fetchJSON(ctx, url, &alerts); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to fetch alerts: %w", err)
	}

	if len(alerts.Features) == 0 {
		return textResult(fmt.Sprintf("No active alerts for %s", strings.ToUpper(args.State))), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Active alerts for %s:\n\n", strings.ToUpper(args.State))
	for _, feature := range alerts.Features {
		p := feature.Properties
		fmt.Fprintf(&sb, "Event: %s\nArea: %s\nSeverity: %s\nStatus: %s\nHeadline: %s\n\n",
			p.Event, p.AreaDesc, p.Severity, p.Status, p.Headline)
	}

	return textResult(sb.String()), nil
}

func (s *Server) callGetForecast(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, forecastSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	var args forecastArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	pointsURL := fmt.Sprintf("%s/points/%.4f,%.4f", s.baseURL, args.Latitude, args.Longitude)

	var points pointsResponse
	if err := s.fetchJSON(ctx, pointsURL, &points); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to fetch grid point: %w", err)
	}
	if points.Properties.Forecast == "" {
		return mcp.CallToolResult{}, fmt.Errorf("no forecast available for %.4f,%.4f", args.Latitude, args.Longitude)
	}

	var forecast forecastResponse
	if err := s.fetchJSON(ctx, points.Properties.Forecast, &forecast); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Forecast for %.4f,%.4f:\n\n", args.Latitude, args.Longitude)
	for _, period := range forecast.Properties.Periods {
		fmt.Fprintf(&sb, "%s: %d°%s, wind %s %s\n%s\n\n",
			period.Name, period.Temperature, period.TemperatureUnit,
			period.WindSpeed, period.WindDirection, period.DetailedForecast)
	}

	return textResult(sb.String()), nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
		IsError: false,
	}
}

func validateArgs(ctx context.Context, schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	keyErrs, err := schema.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(keyErrs) > 0 {
		errStr := make([]string, len(keyErrs))
		for i, keyErr := range keyErrs {
			errStr[i] = keyErr.Message
		}
		return fmt.Errorf("arguments validation failed: %s", strings.Join(errStr, ", "))
	}
	return nil
}
