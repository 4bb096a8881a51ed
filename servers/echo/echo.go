// Package echo provides a minimal MCP server that mirrors its input back through
// every capability: a tool, a resource, and a prompt. It is mainly useful for
// exercising client implementations and transport plumbing.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/streamable-mcp"
	"github.com/qri-io/jsonschema"
)

// Server implements mcp.ToolServer, mcp.ResourceServer, and mcp.PromptServer.
type Server struct{}

var echoSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

const echoResourceURI = "echo://message"

type echoArgs struct {
	Message string `json:"message"`
}

// NewServer creates a new echo server.
func NewServer() Server {
	return Server{}
}

// ListTools implements the mcp.ToolServer interface.
func (s Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes back the input message",
				InputSchema: echoSchema,
			},
		},
	}, nil
}

// CallTool implements the mcp.ToolServer interface.
func (s Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if params.Name != "echo" {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	args, err := parseEchoArgs(ctx, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: fmt.Sprintf("Echo: %s", args.Message),
			},
		},
		IsError: false,
	}, nil
}

// ListResources implements the mcp.ResourceServer interface.
func (s Server) ListResources(
	context.Context,
	mcp.ListResourcesParams,
	mcp.ProgressReporter,
) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{
			{
				URI:         echoResourceURI,
				Name:        "Echo message",
				Description: "A static echo message",
				MimeType:    "text/plain",
			},
		},
	}, nil
}

// ReadResource implements the mcp.ResourceServer interface.
func (s Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	if params.URI != echoResourceURI {
		return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      echoResourceURI,
				MimeType: "text/plain",
				Text:     "Echo!",
			},
		},
	}, nil
}

// ListPrompts implements the mcp.PromptServer interface.
func (s Server) ListPrompts(
	context.Context,
	mcp.ListPromptsParams,
	mcp.ProgressReporter,
) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{
		Prompts: []mcp.Prompt{
			{
				Name:        "echo",
				Description: "Creates a prompt that echoes the given message",
				Arguments: []mcp.PromptArgument{
					{
						Name:        "message",
						Description: "The message to echo",
						Required:    true,
					},
				},
			},
		},
	}, nil
}

// GetPrompt implements the mcp.PromptServer interface.
func (s Server) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
) (mcp.GetPromptResult, error) {
	if params.Name != "echo" {
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}

	message, ok := params.Arguments["message"]
	if !ok {
		return mcp.GetPromptResult{}, fmt.Errorf("missing required argument: message")
	}

	return mcp.GetPromptResult{
		Description: "Echo prompt",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("Please process this message: %s", message),
				},
			},
		},
	}, nil
}

func parseEchoArgs(ctx context.Context, raw json.RawMessage) (echoArgs, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	keyErrs, err := echoSchema.ValidateBytes(ctx, raw)
	if err != nil {
		return echoArgs{}, fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(keyErrs) > 0 {
		errStr := make([]string, len(keyErrs))
		for i, keyErr := range keyErrs {
			errStr[i] = keyErr.Message
		}
		return echoArgs{}, fmt.Errorf("arguments validation failed: %s", strings.Join(errStr, ", "))
	}

	var args echoArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return echoArgs{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return args, nil
}
