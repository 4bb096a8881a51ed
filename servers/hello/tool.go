package hello

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/qri-io/jsonschema"
)

var greetSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "name": { "type": "string" }
  },
  "required": ["name"]
}`)

var multiGreetSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "name": { "type": "string" },
    "count": { "type": "number", "default": 3 }
  },
  "required": ["name"]
}`)

var getSessionSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {}
}`)

var toolList = []mcp.Tool{
	{
		Name:        "greet",
		Description: "Greets the given name",
		InputSchema: greetSchema,
	},
	{
		Name:        "multi-greet",
		Description: "Greets the given name several times, with a pause and a notification between greetings",
		InputSchema: multiGreetSchema,
	},
	{
		Name:        "get-session",
		Description: "Returns the id of the session that carried this call",
		InputSchema: getSessionSchema,
	},
}

// ListTools implements the mcp.ToolServer interface.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	s.log("ListTools", mcp.LogLevelDebug)

	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements the mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	reporter mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	s.log(fmt.Sprintf("CallTool: %s", params.Name), mcp.LogLevelDebug)

	switch params.Name {
	case "greet":
		return s.callGreet(ctx, params)
	case "multi-greet":
		return s.callMultiGreet(ctx, params, reporter)
	case "get-session":
		return s.callGetSession(ctx)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

type greetArgs struct {
	Name  string  `json:"name"`
	Count float64 `json:"count"`
}

func (s *Server) callGreet(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, greetSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	var args greetArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Hello, %s!", args.Name),
			},
		},
		IsError: false,
	}, nil
}

func (s *Server) callMultiGreet(
	ctx context.Context,
	params mcp.CallToolParams,
	reporter mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if err := validateArgs(ctx, multiGreetSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	var args greetArgs
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	count := int(args.Count)
	if count <= 0 {
		count = 3
	}

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-time.After(s.greetDelay):
		}

		s.log(fmt.Sprintf("Greeting %s, round %d", args.Name, i+1), mcp.LogLevelInfo)

		if params.Meta.ProgressToken != "" {
			reporter(mcp.ProgressParams{
				ProgressToken: params.Meta.ProgressToken,
				Progress:      float64(i + 1),
				Total:         float64(count),
			})
		}
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Greeted %s %d times", args.Name, count),
			},
		},
		IsError: false,
	}, nil
}

func (s *Server) callGetSession(ctx context.Context) (mcp.CallToolResult, error) {
	sessID := mcp.SessionIDFromContext(ctx)
	if sessID == "" {
		return mcp.CallToolResult{}, fmt.Errorf("no session id in context")
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Session id: %s", sessID),
			},
		},
		IsError: false,
	}, nil
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
